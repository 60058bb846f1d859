package queue

import "time"

// Config holds queue tunables.
type Config struct {
	// MaxRetries is the number of failed attempts after which an entry is dropped.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// BatchSize entries are processed between BatchPause pauses.
	BatchSize  int
	BatchPause time.Duration
	// RespectMetered skips drains while the connection is expensive.
	RespectMetered bool
}

// DefaultConfig returns default queue settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     5,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		BatchSize:      10,
		BatchPause:     500 * time.Millisecond,
		RespectMetered: false,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	return c
}

// Backoff returns the delay before retrying after the n-th failed attempt:
// min(BaseDelay * 2^(n-1), MaxDelay). n <= 0 means no delay.
func (c Config) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	delay := c.BaseDelay
	for i := 1; i < n; i++ {
		if delay >= c.MaxDelay/2 {
			return c.MaxDelay
		}
		delay *= 2
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}
