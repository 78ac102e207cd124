package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	ltable "github.com/charmbracelet/lipgloss/table"
	"github.com/grovetools/vibebox/cli"
	"github.com/grovetools/vibebox/pkg/client"
	"github.com/grovetools/vibebox/pkg/session"
	"github.com/grovetools/vibebox/util/pathutil"
	"github.com/spf13/cobra"
)

// SessionView is one row of `vibebox list`.
type SessionView struct {
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Directory  string    `json:"directory"`
	LastActive time.Time `json:"last_active"`
	Active     bool      `json:"active"`
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List known project sessions",
		Long: `Lists every project that has a vibebox session, most recently used first.
Sessions whose project no longer has a .vibebox directory are dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(cmd, defaultLogging())
			mgr, err := newManager()
			if err != nil {
				return err
			}
			records, err := mgr.List()
			if err != nil {
				return err
			}

			views := sessionViews(records, client.Active)
			if cli.GetOptions(cmd).JSONOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			renderSessions(cmd.OutOrStdout(), views, time.Now())
			return nil
		},
	}
}

func sessionViews(records []session.Record, active func(string) bool) []SessionView {
	views := make([]SessionView, 0, len(records))
	for _, r := range records {
		views = append(views, SessionView{
			Name:       filepath.Base(r.Directory),
			ID:         r.ID,
			Directory:  r.Directory,
			LastActive: r.LastActive,
			Active:     active(r.Directory),
		})
	}
	return views
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Padding(0, 1)
	mutedCell   = lipgloss.NewStyle().Faint(true).Padding(0, 1)
)

func renderSessions(w io.Writer, views []SessionView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No sessions. Run vibebox in a project directory to create one.")
		return
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		active := "no"
		if v.Active {
			active = "yes"
		}
		rows = append(rows, []string{
			v.Name,
			v.ID,
			pathutil.RelativeToHome(v.Directory),
			humanizeAge(now.Sub(v.LastActive)),
			active,
		})
	}

	t := ltable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Faint(true)).
		Headers("NAME", "ID", "DIRECTORY", "LAST ACTIVE", "ACTIVE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == ltable.HeaderRow:
				return headerStyle
			case col == 4 && rows[row][col] == "yes":
				return activeStyle
			case col == 1 || col == 3:
				return mutedCell
			}
			return cellStyle
		})
	fmt.Fprintln(w, t)
}

// humanizeAge renders an age as "just now", "5m ago", "3h ago" or "7d ago".
func humanizeAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
