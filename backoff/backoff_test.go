package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name        string
		attempt     int
		maxAttempts int
		want        bool
	}{
		{name: "first failure", attempt: 1, maxAttempts: 3, want: true},
		{name: "second failure", attempt: 2, maxAttempts: 3, want: true},
		{name: "exhausted", attempt: 3, maxAttempts: 3, want: false},
		{name: "beyond limit", attempt: 5, maxAttempts: 3, want: false},
		{name: "single attempt allowed", attempt: 1, maxAttempts: 1, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.attempt, tt.maxAttempts))
		})
	}
}

func TestDelay(t *testing.T) {
	assert.Equal(t, time.Second, Delay(0, time.Second))
	assert.Equal(t, 2*time.Second, Delay(1, time.Second))
	assert.Equal(t, 8*time.Millisecond, Delay(3, time.Millisecond))
	assert.Equal(t, time.Second, Delay(-1, time.Second))
}

func TestPolicy_Delay_StrictlyIncreasing(t *testing.T) {
	for _, jitter := range []bool{false, true} {
		p := Policy{MaxAttempts: 6, Unit: time.Millisecond, Jitter: jitter}

		prev := time.Duration(0)
		for failures := 1; p.ShouldRetry(failures); failures++ {
			d := p.Delay(failures)
			require.Greater(t, d, prev, "jitter=%v failures=%d", jitter, failures)
			prev = d
		}
	}
}

func TestPolicy_Delay_NeverOverflows(t *testing.T) {
	p := Policy{MaxAttempts: 40, Unit: time.Second, Jitter: true}

	prev := time.Duration(0)
	for failures := 1; p.ShouldRetry(failures); failures++ {
		d := p.Delay(failures)
		require.Positive(t, d, "failures=%d", failures)
		require.GreaterOrEqual(t, d, prev, "failures=%d", failures)
		require.LessOrEqual(t, d, MaxDelay, "failures=%d", failures)
		prev = d
	}
	assert.Equal(t, MaxDelay, p.Delay(39))
	assert.Equal(t, MaxDelay, Delay(62, time.Hour))
}

func TestPolicy_Bounded(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{name: "defaults", policy: Policy{}, want: true},
		{name: "single attempt", policy: Policy{MaxAttempts: 1, Unit: 1000 * time.Hour}, want: true},
		{name: "last delay below cap", policy: Policy{MaxAttempts: 18, Unit: time.Second}, want: true},
		{name: "last delay above cap", policy: Policy{MaxAttempts: 19, Unit: time.Second}, want: false},
		{name: "many attempts", policy: Policy{MaxAttempts: 40, Unit: time.Second}, want: false},
		{name: "huge unit", policy: Policy{MaxAttempts: 2, Unit: 25 * time.Hour}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Bounded())
		})
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy{}

	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))

	assert.Equal(t, DefaultMaxAttempts, DefaultPolicy().MaxAttempts)
}
