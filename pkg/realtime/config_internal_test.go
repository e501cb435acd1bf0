package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := (&Config{}).withDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 15*time.Second, cfg.ReconnectTimeout)

	small := (&Config{BaseBackoff: time.Minute, MaxBackoff: time.Second}).withDefaults()
	assert.Equal(t, time.Minute, small.MaxBackoff, "cap never below the base")
}

func TestBackoffDoublesWithinJitter(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	tests := []struct {
		attempt int
		nominal time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}

	for _, tt := range tests {
		lo := time.Duration(float64(tt.nominal) * (1 - backoffJitter))
		hi := time.Duration(float64(tt.nominal) * (1 + backoffJitter))
		for range 50 {
			d := cfg.backoff(tt.attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", tt.attempt)
		}
	}
}
