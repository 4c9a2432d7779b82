package executor

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration `yaml:"base_delay"`
	// Multiplier scales the delay after each further failure.
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelay caps a single delay before jitter.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter is the fraction of the delay randomized in both directions.
	Jitter float64 `yaml:"jitter"`
}

// DefaultRetryPolicy is three attempts starting at 500ms, doubling, with
// 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Validate reports an unusable policy.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0 || p.MaxDelay < 0:
		return fmt.Errorf("retry delays must not be negative")
	case p.Multiplier < 1:
		return fmt.Errorf("retry multiplier must be at least 1, got %v", p.Multiplier)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("retry jitter must be within [0, 1], got %v", p.Jitter)
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based). r is a
// uniform sample from [0, 1).
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*r - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
