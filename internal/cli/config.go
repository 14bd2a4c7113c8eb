package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ambiyansyah-risyal/gerbang"
)

func newConfigCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the effective configuration. Without --config the defaults are
printed, which makes a convenient starting file:

  gerbang config > gerbang.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := gerbang.DefaultConfig()
			if configPath != "" {
				loaded, err := gerbang.LoadConfig(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (.yaml or .toml)")
	return cmd
}
