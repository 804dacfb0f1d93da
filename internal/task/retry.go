package task

import (
	"math/rand/v2"
	"time"

	"github.com/phrazzld/genq/internal/config"
)

// maxBackoffShift caps the exponent so the delay cannot overflow.
const maxBackoffShift = 30

// RetryPolicy computes exponential backoff for transient failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration

	// JitterMin and JitterMax bound the random delay added to every backoff.
	// JitterMax must be below BaseDelay for delays to strictly increase.
	JitterMin time.Duration
	JitterMax time.Duration

	// Jitter returns a value in [min, max). If nil, a uniform random value is used.
	Jitter func(min, max time.Duration) time.Duration
}

// NewRetryPolicy builds a RetryPolicy from configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxAttempts,
		BaseDelay:  cfg.BaseDelay,
		JitterMin:  cfg.JitterMin,
		JitterMax:  cfg.JitterMax,
	}
}

// ShouldRetry reports whether a request whose retry count has just been
// incremented to retryCount gets another attempt.
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount <= p.MaxRetries
}

// Backoff returns base*2^(retry-1) plus jitter for the given 1-based retry.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	shift := retry - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return p.BaseDelay<<shift + p.jitter()
}

func (p RetryPolicy) jitter() time.Duration {
	if p.Jitter != nil {
		return p.Jitter(p.JitterMin, p.JitterMax)
	}
	if p.JitterMax <= p.JitterMin {
		return p.JitterMin
	}
	return p.JitterMin + rand.N(p.JitterMax-p.JitterMin)
}
