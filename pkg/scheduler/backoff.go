package scheduler

import (
	"math/rand"
	"time"
)

// BackoffConfig controls the retry delay curve
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds a random delay in [0, Initial] so retrying jobs do not
	// stampede.
	Jitter bool
}

// DefaultBackoffConfig returns the production retry curve
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    5 * time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay computes the backoff before retry attempt n (the attempt about to
// run, so n >= 2).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	backoff := float64(c.Initial)
	for i := 2; i < attempt; i++ {
		backoff *= c.Multiplier
	}
	d := time.Duration(backoff)
	if d > c.Max {
		d = c.Max
	}
	if c.Jitter && c.Initial > 0 {
		d += time.Duration(rand.Int63n(int64(c.Initial) + 1))
	}
	return d
}
