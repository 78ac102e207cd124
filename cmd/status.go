package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/grovetools/vibebox/cli"
	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/client"
	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/grovetools/vibebox/util/pathutil"
	"github.com/spf13/cobra"
)

// StatusOutput is the --json form of `vibebox status`.
type StatusOutput struct {
	Project   string `json:"project"`
	Running   bool   `json:"running"`
	PID       int    `json:"pid,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Refcount  int    `json:"refcount"`
	Address   string `json:"address,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor state for the current project",
		Long: `Asks the project's supervisor for its state without attaching. Probing
never counts as a client, so it does not keep the VM alive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(cmd, defaultLogging())
			project, err := currentProject()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			st, err := client.Probe(ctx, project)
			if err != nil {
				return err
			}

			out := StatusOutput{
				Project:   project,
				Running:   st.Running,
				PID:       st.PID,
				SessionID: st.SessionID,
				State:     st.State,
				Refcount:  st.Refcount,
				Address:   st.Address,
			}
			if cli.GetOptions(cmd).JSONOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			pretty := logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
			pretty.Path("Project", pathutil.RelativeToHome(project))
			if !st.Running {
				pretty.Field("Supervisor", "not running")
				if instance.For(project).Exists() {
					pretty.Path("Last log", instance.For(project).SupervisorLog())
				}
				return nil
			}
			pretty.Field("Supervisor", fmt.Sprintf("running (pid %d)", st.PID))
			pretty.Field("Session", st.SessionID)
			pretty.Field("VM", st.State)
			pretty.Field("Clients", st.Refcount)
			pretty.Path("Socket", st.Address)
			return nil
		},
	}
}
