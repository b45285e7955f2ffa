package monitor

import (
	"fmt"
	"time"
)

// Config holds constructor-time monitor settings. Zero values take defaults.
type Config struct {
	PollingInterval    time.Duration
	MaxRetries         int
	MaxFetchFailures   int
	StalenessThreshold time.Duration
	FetchTimeout       time.Duration

	// ErrorBackoff doubles the delay after each consecutive fetch failure, up to MaxBackoff
	ErrorBackoff bool
	MaxBackoff   time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		PollingInterval:    5 * time.Second,
		MaxRetries:         12,
		MaxFetchFailures:   3,
		StalenessThreshold: 5 * time.Minute,
		FetchTimeout:       10 * time.Second,
		ErrorBackoff:       true,
		MaxBackoff:         30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollingInterval == 0 {
		c.PollingInterval = d.PollingInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxFetchFailures == 0 {
		c.MaxFetchFailures = d.MaxFetchFailures
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = d.StalenessThreshold
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Validate rejects negative settings
func (c Config) Validate() error {
	if c.PollingInterval < 0 || c.StalenessThreshold < 0 || c.FetchTimeout < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("monitor durations must not be negative")
	}
	if c.MaxRetries < 0 || c.MaxFetchFailures < 0 {
		return fmt.Errorf("monitor retry limits must not be negative")
	}
	return nil
}

// errorDelay is the wait after the n-th consecutive fetch failure.
// Shifts are capped so large n cannot overflow.
func (c Config) errorDelay(n int) time.Duration {
	if !c.ErrorBackoff || n <= 0 {
		return c.PollingInterval
	}
	if n > 16 {
		n = 16
	}
	delay := c.PollingInterval << n
	if delay <= 0 || delay > c.MaxBackoff {
		return c.MaxBackoff
	}
	return delay
}
