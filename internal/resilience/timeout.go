package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout means the timer won the race against the call. The call itself
// may still be running; its result is discarded (or handed to abandon).
var ErrTimeout = errors.New("call timed out")

type result[T any] struct {
	v   T
	err error
}

// WithTimeout runs fn in its own goroutine and waits at most d.
// fn receives a context carrying the same deadline so drivers that honor
// cancellation stop early, but WithTimeout never relies on that.
//
// If the timer wins, ErrTimeout is returned and abandon (when non-nil) is
// called with the late result once fn finally returns, so handles opened
// after the deadline can be closed. If ctx is done first, ctx.Err() is
// returned and abandon is called the same way.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error), abandon func(T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d)
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	giveUp := func() {
		go func() {
			r := <-done
			cancel()
			if abandon != nil {
				abandon(r.v, r.err)
			}
		}()
	}

	select {
	case r := <-done:
		// A driver that honored callCtx can beat the timer by a hair.
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			cancel()
			return zero, ErrTimeout
		}
		cancel()
		return r.v, r.err
	case <-timer.C:
		giveUp()
		return zero, ErrTimeout
	case <-ctx.Done():
		giveUp()
		return zero, ctx.Err()
	}
}
