package cmd

import (
	"fmt"

	"github.com/grovetools/vibebox/logging"
	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its project state",
		Long: `Deletes the session with the given id from the index and removes its
project's .vibebox directory. Deleting an unknown id is not an error.
A session whose supervisor is still running is refused; stop it first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(cmd, defaultLogging())
			mgr, err := newManager()
			if err != nil {
				return err
			}
			if err := mgr.Delete(args[0]); err != nil {
				return err
			}
			logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout()).
				Success(fmt.Sprintf("Deleted session %s", args[0]))
			return nil
		},
	}
}
