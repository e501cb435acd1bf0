package realtime

import (
	"math/rand/v2"
	"time"
)

// backoffJitter is the +/- fraction applied to every retry delay.
const backoffJitter = 0.2

// Config holds per-channel connection policy.
type Config struct {
	MaxRetries           int           // Automatic redials after the first failure (default 5).
	BaseBackoff          time.Duration // Delay before the first redial (default 1s).
	MaxBackoff           time.Duration // Upper bound of the doubling delay (default 30s).
	DialTimeout          time.Duration // Bound on a single dial (default 10s).
	ReconnectTimeout     time.Duration // Bound on a manual Reconnect (default 15s).
	DisableAutoReconnect bool          // Stay disconnected after an unexpected drop.
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRetries == 0 {
		out.MaxRetries = 5
	}
	if out.BaseBackoff == 0 {
		out.BaseBackoff = time.Second
	}
	if out.MaxBackoff == 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	if out.DialTimeout == 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.ReconnectTimeout == 0 {
		out.ReconnectTimeout = 15 * time.Second
	}
	return out
}

// backoff returns the delay before redial number attempt (1-based):
// BaseBackoff doubled per attempt, capped at MaxBackoff, with jitter.
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	span := int64(float64(d) * backoffJitter)
	if span > 0 {
		d += time.Duration(rand.Int64N(2*span) - span) //nolint:gosec // jitter doesn't need crypto rand
	}
	return d
}
