package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChunkTimings_Stalled(t *testing.T) {
	timings := &chunkTimings{}

	_, stalled := timings.stalled(time.Hour, time.Second)
	assert.False(t, stalled, "nothing is stalled before the first acknowledgement")

	timings.record(2 * time.Second)
	timings.record(4 * time.Second)

	mean, acked := timings.mean()
	assert.Equal(t, 3*time.Second, mean)
	assert.Equal(t, 2, acked)

	mean, stalled = timings.stalled(5*time.Second, 2*time.Second)
	assert.Equal(t, 3*time.Second, mean)
	assert.False(t, stalled)

	_, stalled = timings.stalled(5*time.Second+time.Millisecond, 2*time.Second)
	assert.True(t, stalled)
}
