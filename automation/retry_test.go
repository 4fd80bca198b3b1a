package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hrygo/butler/store"
)

func TestRetryDelayExponentialBounds(t *testing.T) {
	policy := store.RetryPolicy{
		Enabled:        true,
		MaxAttempts:    5,
		InitialDelayMs: 1000,
		MaxDelayMs:     60000,
		BackoffType:    store.BackoffExponential,
	}

	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(1000<<(attempt-1)) * time.Millisecond
		for i := 0; i < 50; i++ {
			delay := retryDelay(policy, attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.9),
				"attempt %d below jitter floor", attempt)
			assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.1),
				"attempt %d above jitter ceiling", attempt)
		}
	}
}

func TestRetryDelayHonorsMaxDelay(t *testing.T) {
	policy := store.RetryPolicy{
		Enabled:        true,
		InitialDelayMs: 1000,
		MaxDelayMs:     3000,
		BackoffType:    store.BackoffExponential,
	}
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, retryDelay(policy, 10), 3*time.Second)
	}
}

func TestRetryDelayFixed(t *testing.T) {
	policy := store.RetryPolicy{
		Enabled:        true,
		InitialDelayMs: 2000,
		MaxDelayMs:     60000,
		BackoffType:    store.BackoffFixed,
	}
	for attempt := 1; attempt <= 5; attempt++ {
		delay := retryDelay(policy, attempt)
		assert.GreaterOrEqual(t, delay, 1800*time.Millisecond)
		assert.LessOrEqual(t, delay, 2200*time.Millisecond)
	}
}

func TestRetryDelayDefaultsWhenUnset(t *testing.T) {
	delay := retryDelay(store.RetryPolicy{Enabled: true}, 1)
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, 60*time.Second)
}
