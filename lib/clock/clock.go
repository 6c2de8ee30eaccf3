// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that every TTL, heartbeat, grace
// period, and backoff in fleetlink can be driven deterministically in
// tests. Production code injects Real(); tests inject Fake() and move
// time forward with Advance.
package clock

import "time"

// Clock is the time source injected into every component that
// schedules work. Code under this module never calls time.Now,
// time.After, time.NewTicker, or time.Sleep directly — it goes through
// a Clock so pairing expiry, command timeouts, and disconnect grace
// periods are testable without real waiting.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after duration d and returns a
	// Timer whose Stop cancels the pending call. The Timer's C field
	// is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a scheduled one-shot event. For AfterFunc timers C is nil.
type Timer struct {
	// C delivers the fire time. Nil for AfterFunc timers.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call stopped the
// timer before it fired.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. It reports whether the
// timer was still active.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers periodic ticks on C. C is buffered with capacity 1;
// if the consumer falls behind, ticks are dropped rather than queued,
// matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the tick interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }
