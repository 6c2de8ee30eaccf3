// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Nothing fires
// until Advance moves the clock past a waiter's deadline, which makes
// pairing TTLs, command timeouts, and grace periods exact in tests.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock. Time moves only under Advance.
//
// AfterFunc callbacks run synchronously inside Advance in deadline
// order; calling Advance or Sleep from inside a callback deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is one pending After, AfterFunc, Sleep, or Ticker
// registration.
type waiter struct {
	deadline time.Time

	// ch receives the fire time for channel-based waiters; nil for
	// AfterFunc waiters.
	ch chan time.Time

	// fn runs synchronously during Advance; nil for channel waiters.
	fn func()

	// period is non-zero for tickers, which reschedule at
	// deadline + period after firing.
	period time.Duration

	cancelled bool
	fired     bool
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot channel waiter. A non-positive duration
// delivers immediately without registering anything.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.now.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// AfterFunc registers a callback waiter. A non-positive duration calls
// f synchronously before returning.
func (f *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	f.mu.Lock()
	if d <= 0 {
		f.mu.Unlock()
		fn()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	w := &waiter{deadline: f.now.Add(d), fn: fn}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
	f.mu.Unlock()

	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if w.cancelled || w.fired {
				return false
			}
			w.cancelled = true
			return true
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := !w.cancelled && !w.fired
			w.cancelled = false
			w.deadline = f.now.Add(d)
			if w.fired {
				// The waiter was removed when it fired; put it back.
				w.fired = false
				f.waiters = append(f.waiters, w)
				f.changed.Broadcast()
			}
			return active
		},
	}
}

// NewTicker registers a periodic waiter. Panics if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), ch: ch, period: d}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.cancelled = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.period = d
			w.deadline = f.now.Add(d)
			w.cancelled = false
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Callback
// waiters run in the calling goroutine; channel sends never block
// (full channels drop the tick, matching time.Ticker).
//
// Tickers fire once per elapsed period when the advance spans several
// periods.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, w := range due {
			switch {
			case w.fn != nil:
				w.fn()
			case w.ch != nil:
				select {
				case w.ch <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes waiters due at or before target from the pending
// list, rescheduling tickers, and returns them.
func (f *FakeClock) takeDue(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, remaining []*waiter
	for _, w := range f.waiters {
		if w.cancelled {
			continue
		}
		if w.deadline.After(target) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w)
	}

	for _, w := range due {
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}

	f.waiters = remaining
	return due
}

// WaitForTimers blocks until at least n waiters are registered and
// pending. It closes the race between a goroutine arming a timer and
// the test advancing the clock:
//
//	go session.Send(ctx, cmd, 2*time.Second)
//	fake.WaitForTimers(1)          // Send has armed its timeout
//	fake.Advance(2 * time.Second)  // fires it deterministically
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount returns the number of registered, unfired, uncancelled
// waiters. Tests use it to observe timers being stopped.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *FakeClock) pendingLocked() int {
	count := 0
	for _, w := range f.waiters {
		if !w.cancelled {
			count++
		}
	}
	return count
}
