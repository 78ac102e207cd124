// Package cmd implements the vibebox command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/vibebox/cli"
	"github.com/grovetools/vibebox/config"
	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/paths"
	"github.com/grovetools/vibebox/pkg/profiling"
	"github.com/grovetools/vibebox/pkg/session"
	"github.com/grovetools/vibebox/util/pathutil"
	"github.com/grovetools/vibebox/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the vibebox command tree. Running it without a
// subcommand attaches to the current project's VM.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand("vibebox", "Per-project micro-VM sandboxes")
	root.Long = `Runs a Linux micro-VM for the current project and attaches this terminal
to its console. Every terminal attached to the same project shares one VM;
it shuts down on its own once the last one detaches and the grace period
(supervisor.auto_shutdown_ms) passes. Press Ctrl-] to detach.`
	root.Version = version.GetInfo().Short()
	root.Args = cobra.NoArgs
	root.RunE = runAttach

	profiler := profiling.NewCobraProfiler()
	profiler.AddFlags(root)
	root.PersistentPreRunE = profiler.PreRun
	root.PersistentPostRun = profiler.PostRun

	root.AddCommand(
		newListCmd(),
		newStatusCmd(),
		newStopCmd(),
		newResetCmd(),
		newDeleteCmd(),
		newLogsCmd(),
		newConfigCmd(),
		newPathsCmd(),
		newSupervisorCmd(),
		cli.NewVersionCommand("vibebox"),
	)
	return root
}

// currentProject returns the canonical working directory.
func currentProject() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return pathutil.Canonical(cwd)
}

// loadConfig loads the layered configuration for project and applies its
// logging section.
func loadConfig(cmd *cobra.Command, project string) (*config.Config, error) {
	opts := cli.GetOptions(cmd)
	explicit := ""
	if opts.ConfigFile != "" {
		p, err := pathutil.Expand(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		explicit = p
	}

	cfg, err := config.LoadLayeredWithLogger(config.LoadOptions{
		ProjectDir:   project,
		ExplicitPath: explicit,
		GlobalPath:   paths.GlobalConfigPath(),
	}, logging.NewLogger("config").Logger)
	if err != nil {
		return nil, err
	}
	configureLogging(cmd, cfg.Logging)
	return cfg, nil
}

func configureLogging(cmd *cobra.Command, cfg logging.Config) {
	if cli.GetOptions(cmd).Verbose {
		cfg.Level = logrus.DebugLevel.String()
	}
	logging.Configure(cfg)
}

func newManager() (*session.Manager, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	return session.NewDefaultManager(), nil
}

// signalContext is cancelled by SIGINT, SIGTERM or SIGHUP.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
}

// defaultLogging is the logging section used by commands that do not load
// a project configuration.
func defaultLogging() logging.Config {
	return config.Default().Logging
}
