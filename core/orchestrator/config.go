package orchestrator

import "fmt"

// Config enumerates the retry and polling policy. These are operational
// tuning inputs, not inline constants.
type Config struct {
	// MaxAttempts bounds retries of a single protocol phase.
	MaxAttempts int `json:"max_attempts"`
	// InitialBackoffMS is the delay before the first retry.
	InitialBackoffMS int `json:"initial_backoff_ms"`
	// BackoffMultiplier grows the delay after each failed attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	// MaxBackoffMS caps the retry delay.
	MaxBackoffMS int `json:"max_backoff_ms"`
	// CallTimeoutSeconds applies per external call, not per cycle.
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	// StatusPollMS is the interval between status calls while monitoring.
	StatusPollMS int `json:"status_poll_ms"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoffMS <= 0 {
		c.InitialBackoffMS = 200
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxBackoffMS <= 0 {
		c.MaxBackoffMS = 5000
	}
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 10
	}
	if c.StatusPollMS <= 0 {
		c.StatusPollMS = 2000
	}
}

// Validate checks policy ranges.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}
	return nil
}
