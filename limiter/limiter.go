// Package limiter provides a bounded concurrency gate for async actions,
// plus an optional start-rate shaper on top of it.
//
// It caps the number of simultaneously pending operations, queueing excess
// callers in FIFO order. The concurrency gate is a buffered channel acting
// as a counting semaphore; the struct holds no mutex or condition variable.
// Rate shaping (WithRate) hands waiters
// through a golang.org/x/time/rate.Limiter token bucket before they queue
// for a concurrency slot, so bursts of newly admitted files don't all open
// connections in the same instant even when the concurrency cap is high.
package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter bounds the number of concurrently running actions and, if
// WithRate was used, the rate at which new ones may start.
// A Limiter with n == 0 imposes no concurrency bound; Do runs the action
// once any configured rate allows it.
type Limiter struct {
	slots chan struct{}
	rate  *rate.Limiter
}

// New constructs a Limiter allowing at most n concurrent Do calls to be
// running their action at once. n <= 0 means unlimited.
func New(n int) *Limiter {
	if n <= 0 {
		return &Limiter{}
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// WithRate adds a token-bucket start-rate cap of rps new Do calls per
// second, with burst allowed to momentarily exceed it. It mutates and
// returns the same Limiter for chaining with New, e.g.
// limiter.New(4).WithRate(2, 4). rps <= 0 disables rate shaping.
func (l *Limiter) WithRate(rps float64, burst int) *Limiter {
	if rps <= 0 {
		l.rate = nil
		return l
	}
	l.rate = rate.NewLimiter(rate.Limit(rps), burst)
	return l
}

// Do runs fn once a slot is available, blocking the caller (a waiter) until
// then. Waiters are served in the order they call Do, since the underlying
// channel is FIFO. If a rate cap is configured, Do first waits for a token
// from it. If ctx is cancelled before a slot frees up, Do returns
// ctx.Err() without running fn.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if l == nil {
		return fn()
	}

	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return err
		}
	}

	if l.slots == nil {
		return fn()
	}

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slots }()

	return fn()
}

// Pending reports how many actions currently hold a slot.
func (l *Limiter) Pending() int {
	if l == nil || l.slots == nil {
		return 0
	}
	return len(l.slots)
}

// Limit returns the configured concurrency cap, or 0 if unlimited.
func (l *Limiter) Limit() int {
	if l == nil || l.slots == nil {
		return 0
	}
	return cap(l.slots)
}
