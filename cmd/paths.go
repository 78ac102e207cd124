package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/grovetools/vibebox/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput lists the locations vibebox reads and writes.
type PathsOutput struct {
	ConfigDir    string `json:"config_dir"`
	GlobalConfig string `json:"global_config"`
	StateDir     string `json:"state_dir"`
	CacheDir     string `json:"cache_dir"`
	RuntimeDir   string `json:"runtime_dir"`
	SessionIndex string `json:"session_index"`
	ProjectState string `json:"project_state,omitempty"`
}

func newPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the paths used by vibebox",
		Long: `Print the paths used by vibebox as JSON.

- config_dir: global configuration (config.toml)
- state_dir: the session index
- runtime_dir: per-user runtime files
- project_state: the current project's .vibebox directory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := PathsOutput{
				ConfigDir:    paths.ConfigDir(),
				GlobalConfig: paths.GlobalConfigPath(),
				StateDir:     paths.StateDir(),
				CacheDir:     paths.CacheDir(),
				RuntimeDir:   paths.RuntimeDir(),
				SessionIndex: paths.SessionIndexPath(),
			}
			if project, err := currentProject(); err == nil {
				output.ProjectState = instance.For(project).Dir
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}
}
