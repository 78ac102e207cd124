// Package testutil holds helpers shared by vibebox tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// IsolateHome points VIBEBOX_HOME at a fresh directory so the session index,
// global config and runtime files of a test never touch the real ones.
func IsolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("VIBEBOX_HOME", home)
	t.Setenv("VIBEBOX_AUTO_SHUTDOWN_MS", "")
	return home
}

// ProjectDir creates an isolated project directory. It lives under the
// system temp dir with a short name because Unix socket paths inside its
// .vibebox directory must stay below the platform limit.
func ProjectDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "vb")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	t.Setenv("VIBEBOX_HOME", filepath.Join(dir, "home"))
	t.Setenv("VIBEBOX_AUTO_SHUTDOWN_MS", "")

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

// WriteProjectConfig writes vibebox.toml into dir.
func WriteProjectConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "vibebox.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// Chdir changes the working directory for the rest of the test.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
