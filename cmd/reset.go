package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/client"
	"github.com/grovetools/vibebox/util/pathutil"
	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the current project's VM state",
		Long: `Removes the project's .vibebox directory (disk image, logs, lock and
endpoint record) and every session record pointing at it. The next attach
starts from scratch. Refuses while a supervisor is running; use
'vibebox stop' first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(cmd, defaultLogging())
			project, err := currentProject()
			if err != nil {
				return err
			}

			if client.Active(project) {
				return errors.InvalidInput("a supervisor is running for this project; run 'vibebox stop' first")
			}

			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					fmt.Sprintf("Delete all vibebox state for %s?", pathutil.RelativeToHome(project)))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			mgr, err := newManager()
			if err != nil {
				return err
			}
			summary, err := mgr.DeleteDirectory(project)
			if err != nil {
				return err
			}

			pretty := logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout())
			if !summary.RemovedStateDir && len(summary.RemovedSessions) == 0 {
				pretty.InfoPretty("Nothing to reset")
				return nil
			}
			pretty.Success(fmt.Sprintf("Reset %s", pathutil.RelativeToHome(summary.Directory)))
			for _, id := range summary.RemovedSessions {
				pretty.Field("Removed session", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// confirm asks a [y/N] question on out and reads the answer from in.
func confirm(in io.Reader, out io.Writer, message string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", message)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
