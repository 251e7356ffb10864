package orchestrator

import "time"

// BackoffPolicy bounds the retry behaviour for transient connector errors
// during status streaming. Submit is never retried under any policy.
type BackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
}

// DefaultBackoff is the policy used when the caller configures none.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      5,
	}
}

// Interval returns the wait before the given retry attempt (0-based),
// capped at MaxInterval.
func (p BackoffPolicy) Interval(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}
