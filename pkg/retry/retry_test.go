package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(error) bool { return false }, func() error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestDo_ReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), func(error) bool { return true }, func() error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)
}

func TestDo_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	err := Do(ctx, policy, func(error) bool { return true }, func() error { return errFlaky })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_OrDefault(t *testing.T) {
	assert.Equal(t, StepPolicy, RetryPolicy{}.OrDefault())
	custom := fastPolicy(4)
	assert.Equal(t, custom, custom.OrDefault())
}
