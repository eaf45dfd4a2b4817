package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often and how patiently an operation is retried
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// StepPolicy is used for bootstrap steps when no policy is configured
var StepPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// OrDefault returns p, or StepPolicy when p allows no attempts
func (p RetryPolicy) OrDefault() RetryPolicy {
	if p.MaxAttempts < 1 {
		return StepPolicy
	}
	return p
}

// IsTransientFunc reports whether err is worth another attempt
type IsTransientFunc func(error) bool

// Do runs fn until it succeeds, returns a permanent error, or the attempts
// run out. The wait between attempts doubles up to MaxBackoff with up to 50%
// jitter added.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.InitialBackoff

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= attempts || !isTransient(err) {
			return err
		}

		timer := time.NewTimer(jitter(backoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if half := int64(d / 2); half > 0 {
		return d + time.Duration(rand.Int63n(half))
	}
	return d
}
