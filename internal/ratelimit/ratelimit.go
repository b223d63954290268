// Package ratelimit provides a blocking sliding-window limiter that
// paces calls to external APIs.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most maxCalls acquisitions within any sliding
// window. Acquire blocks until a slot opens or the context ends.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    []time.Time
	now      func() time.Time
}

// New creates a limiter admitting maxCalls per window.
func New(maxCalls int, window time.Duration) *Limiter {
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
}

// Acquire blocks until a call slot is available, then records the
// call. It returns the context's error if the context ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records a call if a slot is free, otherwise reports how
// long until the oldest in-window call expires.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.calls[:0]
	for _, t := range l.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.calls = kept

	if len(l.calls) < l.maxCalls {
		l.calls = append(l.calls, now)
		return 0, true
	}
	return l.calls[0].Sub(cutoff), false
}
