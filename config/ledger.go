package config

import "fmt"

// LedgerConfig defines settings for audit ledger storage.
type LedgerConfig struct {
	// Backend selects the record store type: "jsonl" or "memory".
	Backend string `json:"backend"`
	// Path is the file location of the JSONL store.
	Path string `json:"path"`
}

// SetDefaults applies sane defaults.
func (c *LedgerConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "jsonl"
	}
	if c.Path == "" {
		c.Path = "audit.log"
	}
}

// Validate checks mandatory fields.
func (c LedgerConfig) Validate() error {
	if c.Backend != "jsonl" && c.Backend != "memory" {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	if c.Backend == "jsonl" && c.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}
