package reliability

import (
	"math"
	"math/rand"
	"time"
)

// Backoff yields the delay before reconnection attempt number attempt
// (zero-based).
type Backoff interface {
	NextDelay(attempt int) time.Duration
}

// FixedDelay waits the same interval before every attempt.
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay implements Backoff
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// ExponentialBackoff implements exponential backoff capped at MaxInterval
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// NextDelay implements Backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	// Cap at max interval
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	// ±15% jitter
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}
