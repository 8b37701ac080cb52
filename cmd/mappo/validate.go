package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"marl-mappo/internal/config"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load, derive and check a configuration",
		Long:  `Reads the configuration the way train does and prints the finalized record, derived sizes included.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "YAML configuration file")
	return cmd
}
