// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/absmach/mcsb/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCommand constructs the `config` command, which prints the
// configuration after the file, environment and flag layers are applied.
func newConfigCommand(rf *rootFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Resolve(rf.configFile, rf.mcsb)
			if err != nil {
				return err
			}

			output, _ := cmd.Flags().GetString("output")
			if output != "" {
				if err := cfg.Save(output); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
				return nil
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	configCmd.Flags().StringP("output", "o", "", "write the configuration to this file instead")
	return configCmd
}
