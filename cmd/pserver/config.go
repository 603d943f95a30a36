package main

import (
	"encoding/json"
	"fmt"

	"pserver/internal/config"

	"github.com/spf13/cobra"
)

// newConfigCmd prints the effective configuration after env and flags are applied.
func newConfigCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
