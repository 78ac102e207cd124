package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/vibebox/cli"
	"github.com/grovetools/vibebox/config"
	"github.com/grovetools/vibebox/internal/daemon/lock"
	"github.com/grovetools/vibebox/internal/daemon/supervisor"
	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/grovetools/vibebox/util/pathutil"
	"github.com/spf13/cobra"
)

type supervisorFlags struct {
	project string
	session string
	lockFD  int
}

func newSupervisorCmd() *cobra.Command {
	var f supervisorFlags
	cmd := &cobra.Command{
		Use:    "supervisor",
		Short:  "Run the per-project supervisor in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.project, "project", "", "Project directory (defaults to the working directory)")
	cmd.Flags().StringVar(&f.session, "session", "", "Session id (resolved from the index when empty)")
	cmd.Flags().IntVar(&f.lockFD, "lock-fd", -1, "Inherited descriptor holding the project lock")
	return cmd
}

func runSupervisor(cmd *cobra.Command, f supervisorFlags) error {
	project := f.project
	if project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		project = cwd
	}
	project, err := pathutil.Canonical(project)
	if err != nil {
		return err
	}

	cfg, err := loadSupervisorConfig(cmd, project)
	if err != nil {
		return err
	}
	logger := logging.NewLogger("supervisor")

	var lk *lock.Lock
	if f.lockFD >= 0 {
		lk, err = lock.FromFD(uintptr(f.lockFD), instance.For(project).LockPath())
		if err != nil {
			return err
		}
	}

	mgr, err := newManager()
	if err != nil {
		if lk != nil {
			_ = lk.Release()
		}
		return err
	}
	sessionID := f.session
	if sessionID == "" {
		rec, err := mgr.ResolveOrCreate(project)
		if err != nil {
			if lk != nil {
				_ = lk.Release()
			}
			return err
		}
		sessionID = rec.ID
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()
	// The client's terminal closing must not take the supervisor down.
	signal.Ignore(syscall.SIGHUP)

	res, err := supervisor.Run(ctx, supervisor.Options{
		Project:   project,
		SessionID: sessionID,
		Config:    cfg,
		Lock:      lk,
		OnAttach: func() {
			if err := mgr.UpdateLastActive(sessionID); err != nil {
				logger.WithError(err).Warn("Failed to update last-active time")
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if code := supervisor.ExitCode(res); code != supervisor.ExitIdle {
		if res.Err != nil {
			logger.WithError(res.Err).WithField("reason", res.Reason).Error("Supervisor exited with failure")
		}
		return &cli.ExitCodeError{Code: code}
	}
	return nil
}

// loadSupervisorConfig loads the project configuration and sends structured
// logs to stderr unconditionally; the spawner redirects it to supervisor.log.
func loadSupervisorConfig(cmd *cobra.Command, project string) (*config.Config, error) {
	cfg, err := loadConfig(cmd, project)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Format.StructuredToStderr = "always"
	configureLogging(cmd, cfg.Logging)
	return cfg, nil
}
