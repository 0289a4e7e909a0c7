// Package config loads and validates the service configuration from YAML or
// JSON files with environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/haikara-dev/gridshift/connectors/marketplace"
	"github.com/haikara-dev/gridshift/connectors/provider"
	"github.com/haikara-dev/gridshift/core/gridfeed"
	"github.com/haikara-dev/gridshift/core/metrics"
	"github.com/haikara-dev/gridshift/core/optimizer"
	"github.com/haikara-dev/gridshift/core/orchestrator"
	"github.com/haikara-dev/gridshift/infra/mqtt"
)

// Config is the root configuration of the scheduler service.
type Config struct {
	Scheduler    SchedulerConfig     `json:"scheduler"`
	Optimizer    optimizer.Config    `json:"optimizer"`
	Orchestrator orchestrator.Config `json:"orchestrator"`
	GridFeed     gridfeed.Config     `json:"grid_feed"`
	Provider     provider.Config     `json:"provider"`
	Marketplace  marketplace.Config  `json:"marketplace"`
	Sandbox      SandboxConfig       `json:"sandbox"`
	Ledger       LedgerConfig        `json:"ledger"`
	Metrics      metrics.Config      `json:"metrics"`
	MQTT         MQTTConfig          `json:"mqtt"`
	Prediction   PredictionConfig    `json:"prediction"`
}

// SandboxConfig enables the embedded marketplace counterparty for local runs.
type SandboxConfig struct {
	Enabled bool `json:"enabled"`
	marketplace.SandboxConfig
}

// MQTTConfig enables the grid window push feed.
type MQTTConfig struct {
	Enabled bool `json:"enabled"`
	mqtt.Config
}

// PredictionConfig enables gap filling with the heuristic forecast model.
type PredictionConfig struct {
	Enabled    bool    `json:"enabled"`
	BasePrice  float64 `json:"base_price"`
	BaseCarbon float64 `json:"base_carbon"`
	CapacityKW float64 `json:"capacity_kw"`
}

// Load reads the configuration file, applies K_-prefixed environment
// overrides and validates every section.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Scheduler.SetDefaults()
	cfg.Optimizer.SetDefaults()
	cfg.Orchestrator.SetDefaults()
	cfg.GridFeed.SetDefaults()
	cfg.Ledger.SetDefaults()
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Optimizer.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Orchestrator.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Ledger.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Sandbox.Enabled {
		if err := cfg.Marketplace.Validate(); err != nil {
			return nil, err
		}
		if err := cfg.Provider.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
