package config

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/pkg/paths"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

// ProjectFileName is the per-project configuration file.
const ProjectFileName = "vibebox.toml"

// EnvAutoShutdownMs overrides supervisor.auto_shutdown_ms.
const EnvAutoShutdownMs = "VIBEBOX_AUTO_SHUTDOWN_MS"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadOptions selects the files of a layered load.
type LoadOptions struct {
	// ProjectDir is where vibebox.toml is looked up.
	ProjectDir string
	// ExplicitPath replaces the project file when set (--config).
	ExplicitPath string
	// GlobalPath overrides the XDG global config location. Empty means default.
	GlobalPath string
}

// Load reads a single configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromBytes parses TOML on top of the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeInto(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLayered builds the effective configuration:
// 1. Built-in defaults
// 2. Global config ($XDG_CONFIG_HOME/vibebox/config.toml), optional
// 3. Project vibebox.toml or the explicit --config path
// 4. Environment overrides
func LoadLayered(opts LoadOptions) (*Config, error) {
	return LoadLayeredWithLogger(opts, logrus.New())
}

// LoadLayeredWithLogger is LoadLayered with debug output about the files used.
func LoadLayeredWithLogger(opts LoadOptions, logger *logrus.Logger) (*Config, error) {
	cfg := Default()

	globalPath := opts.GlobalPath
	if globalPath == "" {
		globalPath = paths.GlobalConfigPath()
	}
	if globalPath != "" {
		if _, err := os.Stat(globalPath); err == nil {
			logger.WithField("path", globalPath).Debug("Loading global configuration")
			if err := decodeFile(globalPath, cfg); err != nil {
				return nil, err
			}
		}
	}

	if opts.ExplicitPath != "" {
		logger.WithField("path", opts.ExplicitPath).Debug("Loading explicit configuration")
		if _, err := os.Stat(opts.ExplicitPath); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "config file not found").
				WithDetail("path", opts.ExplicitPath)
		}
		if err := decodeFile(opts.ExplicitPath, cfg); err != nil {
			return nil, err
		}
	} else if opts.ProjectDir != "" {
		projectPath := filepath.Join(opts.ProjectDir, ProjectFileName)
		if _, err := os.Stat(projectPath); err == nil {
			logger.WithField("path", projectPath).Debug("Loading project configuration")
			if err := decodeFile(projectPath, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureProjectFile writes a default vibebox.toml into dir if none exists.
func EnsureProjectFile(dir string) (string, bool, error) {
	path := filepath.Join(dir, ProjectFileName)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	data, err := Marshal(Default())
	if err != nil {
		return "", false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return path, false, nil
		}
		return "", false, errors.IOFailure("create config", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", false, errors.IOFailure("write config", path, err)
	}
	return path, true, nil
}

// Marshal renders a configuration as TOML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode configuration")
	}
	return data, nil
}

// ExpandCommand substitutes the box placeholders in the console command.
func (c *Config) ExpandCommand(diskPath string) []string {
	r := strings.NewReplacer(
		"{cpus}", strconv.Itoa(c.Box.CPUCount),
		"{ram_mb}", strconv.Itoa(c.Box.RAMMB),
		"{disk}", diskPath,
	)
	out := make([]string, len(c.Box.Command))
	for i, arg := range c.Box.Command {
		out[i] = r.Replace(arg)
	}
	return out
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}
	if err := decodeInto(data, cfg); err != nil {
		if coded, ok := errors.As(err); ok {
			coded.WithDetail("path", path)
		}
		return err
	}
	return nil
}

func decodeInto(data []byte, cfg *Config) error {
	expanded := expandEnvVars(string(data))
	dec := toml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse config")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvAutoShutdownMs); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, EnvAutoShutdownMs+" must be an integer").
				WithDetail("value", v)
		}
		cfg.Supervisor.AutoShutdownMs = ms
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
