package scheduler

import (
	"time"

	"github.com/bytevault-io/go-uploader/backoff"
)

// DefaultConcurrency is the number of chunk uploads in flight per task.
const DefaultConcurrency = 4

// Config holds configuration for the chunk scheduler.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads of one task.
	// Default: 4
	Concurrency int

	// Backoff decides whether and when a failed chunk is retried.
	// Default: backoff.DefaultPolicy()
	Backoff backoff.Policy

	// HungThreshold is how far past the mean of acknowledged chunks an attempt may run before it is restarted.
	// Zero disables the check.
	HungThreshold time.Duration

	// RequestsPerSecond limits chunk admissions across all tasks. Zero means unlimited.
	RequestsPerSecond float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:   DefaultConcurrency,
		Backoff:       backoff.DefaultPolicy(),
		HungThreshold: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}
