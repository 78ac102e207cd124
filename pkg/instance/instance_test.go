package instance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutFiles(t *testing.T) {
	l := For("/p")
	assert.Equal(t, "/p/.vibebox", l.Dir)
	assert.Equal(t, "/p/.vibebox/instance.toml", l.InstanceFile())
	assert.Equal(t, "/p/.vibebox/supervisor.lock", l.LockPath())
	assert.Equal(t, "/p/.vibebox/supervisor.toml", l.RecordPath())
	assert.Equal(t, "/p/.vibebox/vm.sock", l.SocketPath("id"))
}

func TestSocketPathFallback(t *testing.T) {
	t.Setenv("VIBEBOX_HOME", "/vb")
	l := For("/" + strings.Repeat("deep/", 30))

	assert.Equal(t, "/vb/run/0190.sock", l.SocketPath("0190"))
}

func TestEnsureAndRemove(t *testing.T) {
	l := For(t.TempDir())
	assert.False(t, l.Exists())

	require.NoError(t, l.Ensure())
	assert.True(t, l.Exists())

	require.NoError(t, l.Remove())
	assert.False(t, l.Exists())
	require.NoError(t, l.Remove(), "removing twice is fine")
}

func TestInstanceRoundTrip(t *testing.T) {
	l := For(t.TempDir())
	require.NoError(t, l.Ensure())

	got, err := Load(l)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := Instance{ID: "019bf290-cccc-7c23-ba1d-dce7e6d40693", CreatedAt: time.Date(2026, 2, 7, 5, 0, 0, 0, time.UTC)}
	require.NoError(t, Save(l, want))

	got, err = Load(l)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestLoadGarbage(t *testing.T) {
	l := For(t.TempDir())
	require.NoError(t, l.Ensure())
	require.NoError(t, os.WriteFile(filepath.Join(l.Dir, "instance.toml"), []byte("id = ["), 0644))

	_, err := Load(l)
	assert.Error(t, err)
}
