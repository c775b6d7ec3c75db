// Package polling waits for eventually consistent results, such as tags
// written by the detection worker after an upload.
package polling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDetectionTimeout is returned when MaxWait elapses before the probe
// reports readiness. The work may still finish later.
var ErrDetectionTimeout = errors.New("detection timed out")

// Policy controls how often a probe runs. The delay starts at Interval and
// is multiplied by Backoff after every attempt, never exceeding Cap.
type Policy struct {
	Interval time.Duration
	Backoff  float64
	Cap      time.Duration
	MaxWait  time.Duration
}

// DefaultPolicy polls after 1s, growing by 1.5x up to 3s, for at most 30s.
func DefaultPolicy() Policy {
	return Policy{
		Interval: time.Second,
		Backoff:  1.5,
		Cap:      3 * time.Second,
		MaxWait:  30 * time.Second,
	}
}

// Normalize fills unset or invalid fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.Backoff < 1 {
		p.Backoff = def.Backoff
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.Cap < p.Interval {
		p.Cap = p.Interval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = def.MaxWait
	}
	return p
}

// Next returns the delay that follows current.
func (p Policy) Next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.Backoff)
	if next > p.Cap {
		return p.Cap
	}
	return next
}

// TransientError marks a probe failure worth retrying, such as an
// unavailable upstream. Await keeps polling and waits at least Wait before
// the next attempt.
type TransientError struct {
	Err  error
	Wait time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Await retries it.
func Transient(err error, wait time.Duration) error {
	return &TransientError{Err: err, Wait: wait}
}

// Probe checks once. ready=false means try again later. A TransientError
// is retried; any other error stops polling.
type Probe[T any] func(ctx context.Context) (value T, ready bool, err error)

// Await runs probe immediately and then on the policy's schedule until it
// is ready, it fails, ctx ends or MaxWait elapses. On timeout the last value
// seen is returned with ErrDetectionTimeout.
func Await[T any](ctx context.Context, policy Policy, probe Probe[T]) (T, error) {
	policy = policy.Normalize()
	deadline := time.Now().Add(policy.MaxWait)
	delay := policy.Interval
	var last T
	for attempt := 1; ; attempt++ {
		value, ready, err := probe(ctx)
		wait := delay
		var transient *TransientError
		switch {
		case errors.As(err, &transient):
			if transient.Wait > wait {
				wait = transient.Wait
			}
		case err != nil:
			return value, err
		default:
			last = value
			if ready {
				return value, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if transient != nil {
				return last, fmt.Errorf("%w after %d attempts: %v", ErrDetectionTimeout, attempt, transient.Err)
			}
			return last, fmt.Errorf("%w after %d attempts", ErrDetectionTimeout, attempt)
		}
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
		delay = policy.Next(delay)
	}
}
