package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show configured provider endpoints and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cfg, err := openMesh(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		color.New(color.Bold).Printf("Endpoints (strategy %s)\n", cfg.Router.Strategy)

		for _, ep := range m.Endpoints() {
			fmt.Printf("  %-16s p%-2d %-12s %-28s %s\n", ep.ID, ep.Priority, ep.Provider, ep.Model, stateString(ep.State))
		}

		return nil
	},
}

func stateString(s provider.HealthState) string {
	switch s {
	case provider.StateHealthy:
		return color.GreenString(string(s))
	case provider.StateDegraded:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}
