// Package config loads the service configuration from a yaml or json file
// with optional environment overrides.
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

	"github.com/kilianp07/csms/core/ocpp"
	"github.com/kilianp07/csms/core/reaper"
	"github.com/kilianp07/csms/core/scheduler"
	"github.com/kilianp07/csms/infra/mqtt"
	"github.com/kilianp07/csms/infra/ws"
)

type Config struct {
	Station   ws.Config        `json:"station"`
	Admin     AdminConfig      `json:"admin"`
	Store     StoreConfig      `json:"store"`
	Engine    ocpp.Config      `json:"engine"`
	Scheduler scheduler.Config `json:"scheduler"`
	Reaper    reaper.Config    `json:"reaper"`
	Metrics   MetricsConfig    `json:"metrics"`
	MQTT      mqtt.Config      `json:"mqtt"`
}

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
	if err := k.Load(env.Provider("CSMS_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "csms_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.Station.SetDefaults()
	cfg.Admin.SetDefaults()
	cfg.Store.SetDefaults()
	cfg.Engine.SetDefaults()
	cfg.Scheduler.SetDefaults()
	cfg.Reaper.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.MQTT.SetDefaults()
	if err := cfg.Store.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
