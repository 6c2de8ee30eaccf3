// Copyright 2026 Zeroclaw Labs
// SPDX-License-Identifier: Apache-2.0

// Package retry implements fleetlink's single backoff contract:
// initial delay 500ms, doubling per attempt, capped at 4s, bounded by
// the caller's context. Every caller that waits out an asynchronous
// condition — the node agent reconnecting, a health poller waiting for
// a node to come back — uses this package so the whole system backs
// off identically.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/zeroclaw-labs/fleetlink/lib/clock"
)

// Defaults of the system-wide contract.
const (
	DefaultInitial = 500 * time.Millisecond
	DefaultCap     = 4 * time.Second
)

// ErrAttemptsExhausted is returned when a bounded policy runs out of
// attempts before the operation succeeds.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Initial is the delay before the second attempt. Zero means
	// DefaultInitial.
	Initial time.Duration

	// Cap bounds the delay growth. Zero means DefaultCap.
	Cap time.Duration

	// MaxAttempts bounds the number of attempts. Zero means
	// unbounded — the caller's context is then the only limit.
	MaxAttempts int
}

// DefaultPolicy returns the standard contract: 500ms initial, doubling,
// 4s cap, unbounded attempts.
func DefaultPolicy() Policy {
	return Policy{Initial: DefaultInitial, Cap: DefaultCap}
}

// Delay returns the backoff delay after the given zero-based failed
// attempt: Initial<<attempt, capped.
func (p Policy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = DefaultInitial
	}
	cap := p.Cap
	if cap <= 0 {
		cap = DefaultCap
	}

	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// Do runs operation until it returns nil, retrying failed attempts on
// the policy's schedule. It returns the last operation error wrapped
// with ErrAttemptsExhausted when a bounded policy runs out, or
// ctx.Err() when the context ends first.
func Do(ctx context.Context, clk clock.Clock, policy Policy, operation func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return errors.Join(ErrAttemptsExhausted, lastErr)
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(policy.Delay(attempt - 1)):
			}
		}

		if err := operation(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
}

// Wait polls condition on the policy's schedule until it reports true.
// It is the readiness-poll form of Do, with one difference: a condition
// error is terminal and returned immediately, while a false result
// schedules another poll.
func Wait(ctx context.Context, clk clock.Clock, policy Policy, condition func(ctx context.Context) (bool, error)) error {
	for attempt := 0; ; attempt++ {
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return ErrAttemptsExhausted
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(policy.Delay(attempt - 1)):
			}
		}

		ready, err := condition(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}
