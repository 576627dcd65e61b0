package agentle

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy controls transport-level retry. The zero value is not usable;
// start from DefaultRetryPolicy().
type RetryPolicy struct {
	MaxRetries int           // additional attempts after the first (default 2)
	BaseDelay  time.Duration // delay before the first retry (default 500ms)
	Factor     float64       // exponential growth per retry (default 2)
	Jitter     float64       // symmetric jitter fraction, 0.2 = ±20%
}

// DefaultRetryPolicy returns the stock policy: 2 retries, 500ms base,
// factor 2, ±20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		Factor:     2,
		Jitter:     0.2,
	}
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(status int) bool {
	switch status {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Backoff returns the delay before retry i (0-indexed): base * factor^i with
// symmetric jitter applied.
func (p RetryPolicy) Backoff(i int) time.Duration {
	d := float64(p.BaseDelay)
	for j := 0; j < i; j++ {
		d *= p.Factor
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Delay returns the delay before retry i, using the exponential backoff as a
// floor and the server's Retry-After value (if err carries one) as a minimum.
func (p RetryPolicy) Delay(i int, err error) time.Duration {
	backoff := p.Backoff(i)
	var rl *ErrRateLimit
	if errors.As(err, &rl) && rl.RetryAfter > backoff {
		return rl.RetryAfter
	}
	return backoff
}

// retryable reports whether err warrants another attempt under the default
// classification: rate limits, 5xx, transport I/O, and the specific 4xx
// statuses in retryableStatus.
func retryable(err error) bool {
	var invalid *ErrInvalidRequest
	if errors.As(err, &invalid) {
		return retryableStatus(invalid.Status)
	}
	return IsRetryable(err)
}

// Retry calls fn up to MaxRetries+1 times, sleeping between retryable
// failures. Context cancellation aborts the wait immediately.
func Retry[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	attempts := p.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		result, err := fn()
		if err == nil || !retryable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"code", ErrorCode(err),
			"attempt", i+1,
			"max_attempts", attempts)
		if i < attempts-1 {
			timer := time.NewTimer(p.Delay(i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"attempts", attempts,
		"error", last)
	return zero, last
}
