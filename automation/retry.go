package automation

import (
	"math/rand"
	"time"

	"github.com/hrygo/butler/store"
)

// defaultRetryPolicy applies when a rule enables retries without tuning.
func defaultRetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		Enabled:        true,
		MaxAttempts:    3,
		InitialDelayMs: 1000,
		MaxDelayMs:     60000,
		BackoffType:    store.BackoffExponential,
	}
}

// retryDelay computes the wait before the next attempt. Exponential backoff
// doubles from the initial delay per failed attempt with +-10% jitter, and
// never exceeds the policy ceiling. attempt is 1-based: the attempt that
// just failed.
func retryDelay(policy store.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := policy.InitialDelayMs
	if initial <= 0 {
		initial = defaultRetryPolicy().InitialDelayMs
	}
	maxDelay := policy.MaxDelayMs
	if maxDelay <= 0 {
		maxDelay = defaultRetryPolicy().MaxDelayMs
	}

	base := initial
	if policy.BackoffType != store.BackoffFixed {
		base = initial << (attempt - 1)
		if base <= 0 || base > maxDelay {
			base = maxDelay
		}
	}

	jitter := int64(float64(base) * 0.1 * (rand.Float64()*2 - 1))
	delay := base + jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}
