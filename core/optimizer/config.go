package optimizer

import "fmt"

// Config holds the objective weights. These are operational tuning inputs,
// not constants.
type Config struct {
	CostWeight   float64 `json:"cost_weight"`
	CarbonWeight float64 `json:"carbon_weight"`
	SLAWeight    float64 `json:"sla_weight"`
	// StalePenalty is subtracted from the score of windows whose forecast
	// was served stale or produced by the predictor.
	StalePenalty float64 `json:"stale_penalty"`
	// SLACriticalSlack is the slack ratio below which a decision is tagged
	// sla-critical.
	SLACriticalSlack float64 `json:"sla_critical_slack"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.CostWeight == 0 && c.CarbonWeight == 0 {
		c.CostWeight = 0.5
		c.CarbonWeight = 0.3
	}
	if c.SLAWeight == 0 {
		c.SLAWeight = 0.2
	}
	if c.StalePenalty == 0 {
		c.StalePenalty = 0.15
	}
	if c.SLACriticalSlack == 0 {
		c.SLACriticalSlack = 0.25
	}
}

// Validate checks weight ranges.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"cost_weight":   c.CostWeight,
		"carbon_weight": c.CarbonWeight,
		"sla_weight":    c.SLAWeight,
		"stale_penalty": c.StalePenalty,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.CostWeight+c.CarbonWeight == 0 {
		return fmt.Errorf("cost_weight and carbon_weight cannot both be zero")
	}
	return nil
}
