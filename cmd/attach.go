package cmd

import (
	"fmt"

	"github.com/grovetools/vibebox/cli"
	"github.com/grovetools/vibebox/config"
	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/client"
	"github.com/grovetools/vibebox/pkg/profiling"
	"github.com/grovetools/vibebox/util/pathutil"
	"github.com/spf13/cobra"
)

// remoteClosedMessage is shown when the supervisor ends the stream: the VM
// stopped, or this terminal stopped reading and was disconnected.
const remoteClosedMessage = "Connection closed by supervisor (the VM stopped, or this terminal fell too far behind its output). Run vibebox again to reattach."

func runAttach(cmd *cobra.Command, _ []string) error {
	project, err := currentProject()
	if err != nil {
		return err
	}

	pretty := logging.NewPrettyLogger().WithWriter(cmd.ErrOrStderr())
	if path, created, err := config.EnsureProjectFile(project); err != nil {
		return err
	} else if created {
		pretty.Path("Created default config", path)
	}

	span := profiling.Start("load config")
	cfg, err := loadConfig(cmd, project)
	span.Stop()
	if err != nil {
		return err
	}

	span = profiling.Start("resolve session")
	mgr, err := newManager()
	if err != nil {
		return err
	}
	rec, err := mgr.ResolveOrCreate(project)
	span.Stop()
	if err != nil {
		return err
	}

	configPath := ""
	if f := cli.GetOptions(cmd).ConfigFile; f != "" {
		if configPath, err = pathutil.Expand(f); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	progress := cli.NewProgressReporter(cmd.ErrOrStderr())
	span = profiling.Start("attach supervisor")
	conn, err := client.Attach(ctx, client.Options{
		Project:          project,
		SessionID:        rec.ID,
		ConfigPath:       configPath,
		DiscoveryTimeout: cfg.Supervisor.DiscoveryTimeout(),
		Retries:          client.DefaultRetries,
		OnStatus:         progress.Update,
		Logger:           logging.NewLogger("client"),
	})
	span.Stop()
	if err != nil {
		return err
	}
	progress.Done()

	pretty.Success(fmt.Sprintf("Attached to %s (session %s). Press Ctrl-] to detach.",
		pathutil.RelativeToHome(project), conn.SessionID()))

	reason, err := client.RelayTerminal(ctx, conn)
	if err != nil {
		conn.Close()
		return err
	}

	switch reason {
	case client.RemoteClosed:
		pretty.WarnPretty(remoteClosedMessage)
	case client.Cancelled:
		pretty.InfoPretty("Interrupted, detached")
	default:
		pretty.InfoPretty("Detached")
	}
	return nil
}
