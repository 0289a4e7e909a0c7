package config

import "fmt"

// SchedulerConfig drives the cycle loop and the HTTP API surface.
type SchedulerConfig struct {
	// CycleSeconds is the interval between scheduling cycles.
	CycleSeconds int `json:"cycle_seconds"`
	// HorizonHours is how far ahead a cycle plans.
	HorizonHours int `json:"horizon_hours"`
	// APIAddress is the listen address of the jobs and ledger API. Empty
	// disables the API.
	APIAddress string `json:"api_address"`
	// APIToken protects the API when non-empty.
	APIToken string `json:"api_token"`
}

// SetDefaults applies sane defaults.
func (c *SchedulerConfig) SetDefaults() {
	if c.CycleSeconds <= 0 {
		c.CycleSeconds = 300
	}
	if c.HorizonHours <= 0 {
		c.HorizonHours = 24
	}
}

// Validate checks the cycle parameters.
func (c SchedulerConfig) Validate() error {
	if c.CycleSeconds < 1 {
		return fmt.Errorf("cycle_seconds must be positive")
	}
	if c.HorizonHours < 1 {
		return fmt.Errorf("horizon_hours must be positive")
	}
	return nil
}
