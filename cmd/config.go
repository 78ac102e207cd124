package cmd

import (
	"fmt"

	"github.com/grovetools/vibebox/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration for the current project",
		Long: `Shows the configuration a supervisor started here would use, built by
merging layers:
1. Built-in defaults
2. Global config ($XDG_CONFIG_HOME/vibebox/config.toml)
3. Project vibebox.toml, or the file given with --config
4. VIBEBOX_AUTO_SHUTDOWN_MS
This is useful for debugging configuration issues.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := currentProject()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd, project)
			if err != nil {
				return err
			}

			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
