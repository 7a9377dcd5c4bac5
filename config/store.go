package config

import (
	"fmt"

	"github.com/kilianp07/csms/infra/postgres"
)

// StoreConfig selects the persistence backend. The memory backend keeps
// everything in process and is meant for development and the preview
// command.
type StoreConfig struct {
	// Backend selects the store type: "postgres" or "memory".
	Backend  string          `json:"backend"`
	Postgres postgres.Config `json:"postgres"`
	// SeedFile optionally points to a json roster loaded into the memory
	// backend at startup.
	SeedFile string `json:"seed_file"`
}

// SetDefaults applies sane defaults.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	c.Postgres.SetDefaults()
}

// Validate checks mandatory fields.
func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("postgres url is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown store backend %s", c.Backend)
	}
}
