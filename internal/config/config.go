package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	LogDir   string `toml:"log_dir"`
	StateDir string `toml:"state_dir"`
	APIBind  string `toml:"api_bind"`
}

// Logs configures the pull-style queries.
type Logs struct {
	DefaultLimit int      `toml:"default_limit"`
	SearchLimit  int      `toml:"search_limit"`
	Charset      string   `toml:"charset"`
	Extensions   []string `toml:"extensions"`
}

// Stream configures live streaming.
type Stream struct {
	WatchMode      string   `toml:"watch_mode"`
	PollIntervalMS int      `toml:"poll_interval_ms"`
	SessionBuffer  int      `toml:"session_buffer"`
	MaxSessions    int      `toml:"max_sessions"`
	WindowLines    int      `toml:"window_lines"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Logging contains configuration for the daemon's own log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for logtail.
//
// Configuration sections by subsystem:
//   - Paths: the served log directory, daemon state and API bind address
//   - Logs: tail/search defaults, charset and listed extensions
//   - Stream: change detection, session queues and origin checks
//   - Logging: daemon log format, level, and retention
type Config struct {
	Paths   Paths   `toml:"paths"`
	Logs    Logs    `toml:"logs"`
	Stream  Stream  `toml:"stream"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("logtail.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state directory. The log directory is only
// read, so a missing one is reported by queries instead of created here.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.StateDir, err)
	}
	return nil
}

// LockPath is the single-instance lock file of the daemon.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "logtail.lock")
}

// PIDPath is where the running daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "logtail.pid")
}

// DaemonLogDir holds the daemon's own log files.
func (c *Config) DaemonLogDir() string {
	return filepath.Join(c.Paths.StateDir, "logs")
}

// PollInterval converts stream.poll_interval_ms to a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Stream.PollIntervalMS) * time.Millisecond
}

// APIBaseURL is the HTTP base clients use to reach the daemon.
func (c *Config) APIBaseURL() string {
	bind := c.Paths.APIBind
	if strings.HasPrefix(bind, ":") {
		bind = "127.0.0.1" + bind
	}
	if strings.HasPrefix(bind, "0.0.0.0:") {
		bind = "127.0.0.1:" + strings.TrimPrefix(bind, "0.0.0.0:")
	}
	return "http://" + bind
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
