package cmd

import (
	"fmt"

	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/client"
	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the current project's VM",
		Long: `Sends SIGTERM to the project's supervisor, which powers the VM off and
disconnects every attached client.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(cmd, defaultLogging())
			project, err := currentProject()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			st, err := client.Stop(ctx, project)
			if err != nil {
				return err
			}

			pretty := logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
			if !st.Running {
				pretty.InfoPretty("No supervisor is running for this project")
				return nil
			}
			pretty.Success(fmt.Sprintf("Sent SIGTERM to supervisor pid %d", st.PID))
			return nil
		},
	}
}
