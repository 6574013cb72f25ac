package provider

import "time"

// RetryPolicy bounds retries for one provider.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the maximum extra delay as a fraction of the computed delay.
	Jitter float64
}

// DefaultRetryPolicy mirrors the upstream HTTP defaults.
func DefaultRetryPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  350 * time.Millisecond,
		MaxDelay:   4 * time.Second,
		Jitter:     0.2,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
// sample is a uniform value in [0,1) that scales the jitter, which keeps the
// function pure.
func Backoff(p RetryPolicy, attempt int, sample float64) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && sample > 0 {
		if sample >= 1 {
			sample = 0.999999
		}
		delay += time.Duration(float64(delay) * p.Jitter * sample)
	}
	return delay
}
