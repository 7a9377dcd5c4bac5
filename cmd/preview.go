package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilianp07/csms/config"
	"github.com/kilianp07/csms/core/allocation"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/store"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Compute an allocation over the configured roster without pushing profiles",
	RunE:  preview,
}

func init() {
	rootCmd.AddCommand(previewCmd)
}

func preview(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Backend != "memory" {
		return fmt.Errorf("preview requires the memory store backend")
	}

	mem := store.NewMemoryStore()
	if cfg.Store.SeedFile != "" {
		if err := seedStore(mem, cfg.Store.SeedFile); err != nil {
			return err
		}
	} else {
		seedDemoRoster(mem)
	}

	ctx := context.Background()
	settings, err := mem.SiteSettings(ctx)
	if err != nil {
		return err
	}
	if len(settings) == 0 {
		return fmt.Errorf("no site settings in roster")
	}
	connectors, err := mem.Connectors(ctx, store.ConnectorFilter{})
	if err != nil {
		return err
	}

	// Every connector counts as online for a dry run.
	online := make(map[string]bool, len(connectors))
	for _, c := range connectors {
		online[c.CPID] = true
	}

	results, err := allocation.Allocate(settings[0], connectors, online)
	if err != nil {
		return err
	}
	fmt.Printf("mode=%s ceiling=%.1fkW connectors=%d\n", settings[0].Mode, settings[0].CeilingKW, len(connectors))
	for _, res := range results {
		fmt.Printf("  %-12s %6.0f %s (%.2f kW, charging=%v)\n", res.CPID, res.Limit, res.Unit, res.LimitKW, res.Charging)
	}
	return nil
}

func seedStore(mem *store.MemoryStore, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var roster struct {
		Connectors []model.Connector   `json:"connectors"`
		Settings   []model.SiteSetting `json:"settings"`
	}
	if err := json.Unmarshal(raw, &roster); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	mem.SeedConnectors(roster.Connectors...)
	mem.SeedSettings(roster.Settings...)
	return nil
}

func seedDemoRoster(mem *store.MemoryStore) {
	mem.SeedSettings(model.SiteSetting{Mode: model.ModeStatic, CeilingKW: 100})
	mem.SeedConnectors(
		model.Connector{CPID: "cp-1", CPSN: "station-a", ConnectorIndex: 1, Class: model.ClassAC, RatedKW: 7, Status: model.StatusAvailable},
		model.Connector{CPID: "cp-2", CPSN: "station-a", ConnectorIndex: 2, Class: model.ClassAC, RatedKW: 7, Status: model.StatusAvailable},
		model.Connector{CPID: "cp-3", CPSN: "station-b", ConnectorIndex: 1, Class: model.ClassDC, RatedKW: 60, Status: model.StatusAvailable},
	)
}
