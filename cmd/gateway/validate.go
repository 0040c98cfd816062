package main

import (
	"fmt"

	"github.com/aman-churiwal/admission-control/internal/config"
	"github.com/spf13/cobra"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate the configuration, then print the effective policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		registry, err := cfg.RateLimit.Registry()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "backend: %s\n", cfg.RateLimit.Backend)
		fmt.Fprintf(out, "default tier: %s\n", registry.DefaultTier().Name)
		for _, t := range registry.Tiers() {
			fmt.Fprintf(out, "tier %-12s %6d req / %dms (block %dms)\n", t.Name, t.MaxRequests, t.WindowMs, t.BlockDurationMs)
		}
		for _, p := range registry.EndpointPolicies() {
			fmt.Fprintf(out, "endpoint %-8s %6d req / %dms (block %dms)\n", p.Endpoint, p.MaxRequests, p.WindowMs, p.BlockDurationMs)
		}
		fmt.Fprintln(out, "configuration OK")
		return nil
	},
}
