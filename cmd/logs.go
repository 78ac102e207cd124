package cmd

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var (
		follow  bool
		console bool
		lines   int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the supervisor or VM console log",
		Long: `Prints the current project's supervisor.log, or with --console the VM
console transcript (console.log). Use -f to keep following the file across
supervisor restarts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(cmd, defaultLogging())
			project, err := currentProject()
			if err != nil {
				return err
			}

			layout := instance.For(project)
			path := layout.SupervisorLog()
			if console {
				path = layout.ConsoleLog()
			}
			if _, err := os.Stat(path); err != nil && !follow {
				return errors.New(errors.ErrCodeNotFound, fmt.Sprintf("no log at %s; attach once to start a supervisor", path))
			}

			ctx, cancel := signalContext()
			defer cancel()
			return tailLog(ctx, cmd.OutOrStdout(), path, follow, lines)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().BoolVar(&console, "console", false, "Show the VM console log instead of the supervisor log")
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "Only print the last N lines (without --follow)")
	return cmd
}

// tailLog copies path to w. Without follow it returns at end of file and,
// when last > 0, prints only the final last lines.
func tailLog(ctx context.Context, w io.Writer, path string, follow bool, last int) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: !follow,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return errors.IOFailure("tail log", path, err)
	}
	defer t.Cleanup()

	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.Dying():
		}
	}()

	var ring []string
	for line := range t.Lines {
		if line.Err != nil {
			continue
		}
		if follow || last <= 0 {
			fmt.Fprintln(w, line.Text)
			continue
		}
		ring = append(ring, line.Text)
		if len(ring) > last {
			ring = ring[1:]
		}
	}
	for _, l := range ring {
		fmt.Fprintln(w, l)
	}
	return nil
}
