// Package backoff decides whether a failed chunk upload is retried and how long to wait before the retry.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// DefaultMaxAttempts is the number of upload attempts a chunk gets within one scheduling pass.
const DefaultMaxAttempts = 3

// MaxDelay caps every retry delay.
const MaxDelay = 24 * time.Hour

// Policy holds the retry configuration of a single chunk.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	// Default: 3
	MaxAttempts int

	// Unit is the time unit of the exponential delay: the n-th retry waits Unit * 2^(n-1).
	// Default: 1 second
	Unit time.Duration

	// Jitter adds up to 25% random extra delay. It never makes a delay shorter than the unjittered one,
	// so successive delays stay strictly increasing.
	Jitter bool
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Unit:        time.Second,
	}
}

// ShouldRetry reports whether another attempt is allowed after `attempt` failed attempts.
func ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}

// Delay returns 2^attempt units, at most MaxDelay.
func Delay(attempt int, unit time.Duration) time.Duration {
	return capDelay(rawDelay(attempt, unit))
}

func rawDelay(attempt int, unit time.Duration) float64 {
	if attempt < 0 {
		attempt = 0
	}
	return float64(unit) * math.Pow(2, float64(attempt))
}

// capDelay converts d to a Duration without overflowing int64 nanoseconds.
func capDelay(d float64) time.Duration {
	if d >= float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether the chunk may be attempted again after `failures` failed attempts.
func (p Policy) ShouldRetry(failures int) bool {
	return ShouldRetry(failures, p.maxAttempts())
}

// Delay returns the wait before the retry that follows the given number of failed attempts.
// The first retry (failures == 1) waits one unit, the second two units, and so on.
func (p Policy) Delay(failures int) time.Duration {
	d := rawDelay(failures-1, p.unit())
	if p.Jitter {
		d += d * 0.25 * rand.Float64()
	}
	return capDelay(d)
}

// Bounded reports whether every retry delay of p is below MaxDelay, so that no two delays are equal.
func (p Policy) Bounded() bool {
	retries := p.maxAttempts() - 1
	if retries < 1 {
		return true
	}
	return rawDelay(retries-1, p.unit()) < float64(MaxDelay)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) unit() time.Duration {
	if p.Unit <= 0 {
		return time.Second
	}
	return p.Unit
}
