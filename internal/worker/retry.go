package worker

import (
	"math"
	"time"
)

// Delivery defaults. Config may override any of them; zero fields fall
// back here so a partially filled policy is always usable.
const (
	defaultMaxRetries    = 5
	defaultInitialDelay  = 2 * time.Second
	defaultMaxDelay      = time.Minute
	defaultBackoffFactor = 2.0
)

// RetryPolicy shapes the exponential backoff between delivery attempts of
// a single sync task.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = defaultBackoffFactor
	}
	return p
}

// NextDelay returns the wait before the given attempt (1-based). The delay
// grows geometrically from InitialDelay and is clamped to MaxDelay; the
// clamp also catches float overflow on absurd attempt counts.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	if delay <= 0 || delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
