package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/registry"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents and default task mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		catalog := registry.BuiltinCatalog()
		if cfg.Catalog.Path != "" {
			if catalog, err = registry.LoadCatalog(cfg.Catalog.Path); err != nil {
				return err
			}
		}

		bold := color.New(color.Bold)

		bold.Println("Agents")

		for _, a := range catalog.Agents {
			fmt.Printf("  %-22s %-18s %s\n", color.CyanString(a.ID), a.PreferredModel, strings.Join(a.Capabilities, ", "))
		}

		fmt.Println()
		bold.Println("Task types")

		reg, err := registry.New(func(o *registry.Options) { o.Catalog = catalog })
		if err != nil {
			return err
		}

		for _, typ := range reg.KnownTaskTypes() {
			fmt.Printf("  %-22s %s\n", color.CyanString(typ), strings.Join(reg.Defaults(typ), " -> "))
		}

		return nil
	},
}
