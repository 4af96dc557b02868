package scheduler

import (
	"sync"
	"time"
)

// chunkTimings collects how long the acknowledged chunks of one pass took.
type chunkTimings struct {
	mu    sync.Mutex
	total time.Duration
	acked int
}

func (c *chunkTimings) record(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += d
	c.acked++
}

// mean returns the mean duration of the acknowledged chunks and how many there are.
func (c *chunkTimings) mean() (time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acked == 0 {
		return 0, 0
	}
	return c.total / time.Duration(c.acked), c.acked
}

// stalled reports whether a chunk running for elapsed exceeds the mean by more than threshold.
// Nothing is stalled before the first chunk is acknowledged.
func (c *chunkTimings) stalled(elapsed, threshold time.Duration) (time.Duration, bool) {
	mean, acked := c.mean()
	if acked == 0 {
		return 0, false
	}
	return mean, elapsed-mean > threshold
}
