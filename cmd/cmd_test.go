package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/lock"
	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/grovetools/vibebox/pkg/session"
	"github.com/grovetools/vibebox/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHumanizeAge(t *testing.T) {
	assert.Equal(t, "just now", humanizeAge(10*time.Second))
	assert.Equal(t, "5m ago", humanizeAge(5*time.Minute+30*time.Second))
	assert.Equal(t, "3h ago", humanizeAge(3*time.Hour))
	assert.Equal(t, "2d ago", humanizeAge(50*time.Hour))
}

func TestRenderSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	views := sessionViews([]session.Record{
		{ID: "id-a", Directory: "/work/alpha", LastActive: now.Add(-2 * time.Hour)},
		{ID: "id-b", Directory: "/work/beta", LastActive: now.Add(-30 * time.Second)},
	}, func(dir string) bool { return dir == "/work/beta" })

	require.Len(t, views, 2)
	assert.Equal(t, "alpha", views[0].Name)
	assert.False(t, views[0].Active)
	assert.True(t, views[1].Active)

	var out bytes.Buffer
	renderSessions(&out, views, now)
	text := out.String()
	for _, want := range []string{"NAME", "alpha", "id-a", "2h ago", "beta", "just now", "yes", "no"} {
		assert.Contains(t, text, want)
	}
}

func TestRenderNoSessions(t *testing.T) {
	var out bytes.Buffer
	renderSessions(&out, nil, time.Now())
	assert.Contains(t, out.String(), "No sessions")
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	ok, err := confirm(strings.NewReader("y\n"), &out, "Really?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Really? [y/N] ", out.String())

	ok, err = confirm(strings.NewReader("\n"), &out, "Really?")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = confirm(strings.NewReader(""), &out, "Really?")
	require.NoError(t, err)
	assert.False(t, ok, "EOF means no")
}

func TestTailLogLastLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0600))

	var out bytes.Buffer
	require.NoError(t, tailLog(context.Background(), &out, path, false, 2))
	assert.Equal(t, "two\nthree\n", out.String())

	out.Reset()
	require.NoError(t, tailLog(context.Background(), &out, path, false, 0))
	assert.Equal(t, "one\ntwo\nthree\n", out.String())
}

func TestPathsCommand(t *testing.T) {
	home := testutil.IsolateHome(t)

	out, err := execute(t, "", "paths")
	require.NoError(t, err)

	var paths PathsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &paths))
	assert.Equal(t, filepath.Join(home, "state", "vibebox", "sessions.toml"), paths.SessionIndex)
	assert.Equal(t, filepath.Join(home, "config", "vibebox", "config.toml"), paths.GlobalConfig)
}

func TestConfigCommandShowsProjectOverrides(t *testing.T) {
	project := testutil.ProjectDir(t)
	testutil.Chdir(t, project)
	testutil.WriteProjectConfig(t, project, "[supervisor]\nauto_shutdown_ms = 1500\n")

	out, err := execute(t, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "auto_shutdown_ms = 1500")
	assert.Contains(t, out, "cpu_count = 2")
}

func TestResetRemovesProjectState(t *testing.T) {
	project := testutil.ProjectDir(t)
	testutil.Chdir(t, project)

	mgr, err := newManager()
	require.NoError(t, err)
	rec, err := mgr.ResolveOrCreate(project)
	require.NoError(t, err)
	require.DirExists(t, instance.For(project).Dir)

	out, err := execute(t, "n\n", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted")
	assert.DirExists(t, instance.For(project).Dir)

	out, err = execute(t, "", "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, rec.ID)
	assert.NoDirExists(t, instance.For(project).Dir)

	records, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestListAndDelete(t *testing.T) {
	project := testutil.ProjectDir(t)

	mgr, err := newManager()
	require.NoError(t, err)
	rec, err := mgr.ResolveOrCreate(project)
	require.NoError(t, err)

	out, err := execute(t, "", "list", "--json")
	require.NoError(t, err)
	var views []SessionView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, rec.ID, views[0].ID)
	assert.Equal(t, project, views[0].Directory)
	assert.False(t, views[0].Active)

	_, err = execute(t, "", "delete", rec.ID)
	require.NoError(t, err)
	_, err = execute(t, "", "delete", rec.ID)
	require.NoError(t, err, "deleting an unknown id succeeds")

	out, err = execute(t, "", "list", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestDeleteRefusedWhileSupervisorRuns(t *testing.T) {
	project := testutil.ProjectDir(t)

	mgr, err := newManager()
	require.NoError(t, err)
	rec, err := mgr.ResolveOrCreate(project)
	require.NoError(t, err)

	held, err := lock.TryAcquire(rec.Layout().LockPath())
	require.NoError(t, err)
	defer held.Release()

	_, err = execute(t, "", "delete", rec.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	assert.FileExists(t, rec.Layout().LockPath())

	out, err := execute(t, "", "list", "--json")
	require.NoError(t, err)
	var views []SessionView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.True(t, views[0].Active)
}

func TestStatusWithoutSupervisor(t *testing.T) {
	project := testutil.ProjectDir(t)
	testutil.Chdir(t, project)

	out, err := execute(t, "", "status", "--json")
	require.NoError(t, err)

	var st StatusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Running)
	assert.Equal(t, project, st.Project)
	assert.NoDirExists(t, instance.For(project).Dir)
}
