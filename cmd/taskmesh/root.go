package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh"
	"github.com/hupe1980/taskmesh/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Multi-agent task orchestration",
	Long: `taskmesh routes tasks to specialized AI agents, runs them in one of four
collaboration topologies (sequential, parallel, hierarchical, peer_to_peer)
over a fallback chain of model providers, and learns from every outcome.

Configuration is read from --config (YAML) and TASKMESH_* environment
variables, e.g. TASKMESH_ROUTER_STRATEGY=round_robin.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the taskmesh YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	return cfg, nil
}

// openMesh builds a TaskMesh from the loaded config. Without configured
// providers an offline mock endpoint is used so the CLI can be tried out.
func openMesh(ctx context.Context) (*taskmesh.TaskMesh, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	if len(cfg.Providers) == 0 {
		printStatus("⚠", "No providers configured, using the offline mock provider", color.FgYellow)

		cfg.Providers = []config.ProviderConfig{{ID: "mock", Type: config.ProviderMock}}
	}

	m, err := taskmesh.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	return m, cfg, nil
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
