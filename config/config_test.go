package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grovetools/vibebox/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Box.CPUCount)
	assert.Equal(t, 2048, cfg.Box.RAMMB)
	assert.Equal(t, 5, cfg.Box.DiskGB)
	assert.Equal(t, 20*time.Second, cfg.Supervisor.AutoShutdown())
	assert.Equal(t, 12*time.Second, cfg.Supervisor.HardShutdown())
	assert.Equal(t, 10*time.Second, cfg.Supervisor.DiscoveryTimeout())
}

func TestLoadFromBytesKeepsUnsetDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
[box]
cpu_count = 4

[supervisor]
auto_shutdown_ms = 0
`))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Box.CPUCount)
	assert.Equal(t, DefaultRAMMB, cfg.Box.RAMMB)
	assert.Equal(t, int64(0), cfg.Supervisor.AutoShutdownMs)
	assert.Equal(t, int64(DefaultHardShutdownMs), cfg.Supervisor.HardShutdownMs)
}

func TestLoadFromBytesRejectsUnknownKeys(t *testing.T) {
	_, err := LoadFromBytes([]byte("[box]\ncpus = 4\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"zero cpus", "[box]\ncpu_count = 0\n"},
		{"tiny ram", "[box]\nram_mb = 64\n"},
		{"negative grace", "[supervisor]\nauto_shutdown_ms = -1\n"},
		{"zero hard shutdown", "[supervisor]\nhard_shutdown_ms = 0\n"},
		{"empty command", "[box]\ncommand = []\n"},
		{"bad stderr mode", "[logging.format]\nstructured_to_stderr = \"sometimes\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.toml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid), "got %v", err)
		})
	}
}

func TestLoadLayered(t *testing.T) {
	t.Setenv(EnvAutoShutdownMs, "")
	root := t.TempDir()
	global := filepath.Join(root, "global", "config.toml")
	project := filepath.Join(root, "project")

	writeFile(t, global, "[box]\ncpu_count = 8\nram_mb = 4096\n")
	writeFile(t, filepath.Join(project, ProjectFileName), "[box]\ncpu_count = 1\n")

	cfg, err := LoadLayered(LoadOptions{ProjectDir: project, GlobalPath: global})
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Box.CPUCount, "project overrides global")
	assert.Equal(t, 4096, cfg.Box.RAMMB, "global overrides defaults")
}

func TestLoadLayeredEnvOverride(t *testing.T) {
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ProjectFileName), "[supervisor]\nauto_shutdown_ms = 5000\n")
	t.Setenv(EnvAutoShutdownMs, "250")

	cfg, err := LoadLayered(LoadOptions{ProjectDir: project, GlobalPath: filepath.Join(project, "none.toml")})
	require.NoError(t, err)
	assert.Equal(t, int64(250), cfg.Supervisor.AutoShutdownMs)

	t.Setenv(EnvAutoShutdownMs, "soon")
	_, err = LoadLayered(LoadOptions{ProjectDir: project, GlobalPath: filepath.Join(project, "none.toml")})
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}

func TestLoadLayeredExplicitPath(t *testing.T) {
	t.Setenv(EnvAutoShutdownMs, "")
	root := t.TempDir()
	explicit := filepath.Join(root, "other.toml")
	writeFile(t, explicit, "[box]\ndisk_gb = 20\n")
	writeFile(t, filepath.Join(root, ProjectFileName), "[box]\ndisk_gb = 9\n")

	cfg, err := LoadLayered(LoadOptions{ProjectDir: root, ExplicitPath: explicit, GlobalPath: filepath.Join(root, "none.toml")})
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Box.DiskGB)

	_, err = LoadLayered(LoadOptions{ExplicitPath: filepath.Join(root, "missing.toml"), GlobalPath: filepath.Join(root, "none.toml")})
	assert.True(t, errors.Is(err, errors.ErrCodeConfigInvalid))
}

func TestEnsureProjectFile(t *testing.T) {
	dir := t.TempDir()

	path, created, err := EnsureProjectFile(dir)
	require.NoError(t, err)
	assert.True(t, created)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, created, err = EnsureProjectFile(dir)
	require.NoError(t, err)
	assert.False(t, created, "second call leaves the file alone")
}

func TestExpandCommand(t *testing.T) {
	cfg := Default()
	cfg.Box.CPUCount = 3
	cfg.Box.Command = []string{"vm", "-smp", "{cpus}", "-m", "{ram_mb}M", "file={disk}"}

	assert.Equal(t,
		[]string{"vm", "-smp", "3", "-m", "2048M", "file=/p/.vibebox/instance.raw"},
		cfg.ExpandCommand("/p/.vibebox/instance.raw"))
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("VIBEBOX_TEST_RAM", "1024")
	cfg, err := LoadFromBytes([]byte("[box]\nram_mb = ${VIBEBOX_TEST_RAM}\ndisk_gb = ${VIBEBOX_TEST_UNSET:-7}\n"))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Box.RAMMB)
	assert.Equal(t, 7, cfg.Box.DiskGB)
}
