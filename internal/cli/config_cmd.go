package cli

import (
	"fmt"

	"bundler/internal/config"

	"github.com/spf13/cobra"
)

func (r *Root) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.PrintErrf("config file: %s\n", config.Path())
			return config.Encode(cmd.OutOrStdout(), "."+format, r.cfg)
		},
	}
	show.Flags().StringVarP(&format, "format", "f", "json", "output format (json|yaml|toml)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for conflicting options",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}

	cmd.AddCommand(show, validate)
	return cmd
}
