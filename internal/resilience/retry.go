package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Classifier reports whether err is worth another attempt.
type Classifier func(err error) bool

// Policy bounds a retry loop. Delay before attempt n+1 is
// min(BaseDelay * 2^(n-1), MaxDelay).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called before each backoff sleep.
	OnRetry func(err error, next time.Duration)

	// timer replaces the wall-clock timer in tests.
	timer backoff.Timer
}

// DefaultPolicy is the control-plane policy: 3 attempts, 100ms doubling, 1s cap.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs op until it succeeds, returns an error the classifier rejects,
// exhausts MaxAttempts, or ctx is done. The last error is returned unmodified.
func Do[T any](ctx context.Context, p Policy, retryable Classifier, op func(ctx context.Context) (T, error)) (T, error) {
	operation := func() (T, error) {
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, next)
		}
	}
	if p.timer != nil {
		return backoff.RetryNotifyWithTimerAndData(operation, p.backOff(ctx), notify, p.timer)
	}
	return backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
}
