package main

import (
	"fmt"

	"github.com/spf13/cobra"

	relay "github.com/ferro-labs/ai-relay"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a relay configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := relay.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := relay.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			out := cmd.OutOrStdout()
			strategy := cfg.Strategy
			if strategy == "" {
				strategy = "priority"
			}
			fmt.Fprintf(out, "Config is valid: strategy=%s, providers=%d\n", strategy, len(cfg.Providers))
			for _, p := range cfg.Providers {
				state := "enabled"
				if !p.IsEnabled() {
					state = "disabled"
				}
				fmt.Fprintf(out, "  %-16s priority=%-3d dialect=%-8s model=%s (%s)\n", p.ID, p.Priority, p.Dialect, p.Model, state)
			}
			return nil
		},
	}
}
