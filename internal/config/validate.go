package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"logtail/internal/tailfile"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateLogs(); err != nil {
		return err
	}
	if err := c.validateStream(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	if _, _, err := net.SplitHostPort(c.Paths.APIBind); err != nil {
		return fmt.Errorf("paths.api_bind %q: %w", c.Paths.APIBind, err)
	}
	return nil
}

func (c *Config) validateLogs() error {
	if _, err := tailfile.NewDecoder(c.Logs.Charset); err != nil {
		return fmt.Errorf("logs.charset %q is not a supported encoding: %w", c.Logs.Charset, err)
	}
	return nil
}

func (c *Config) validateStream() error {
	switch c.Stream.WatchMode {
	case WatchModeFSNotify, WatchModePoll:
	default:
		return fmt.Errorf("stream.watch_mode must be %q or %q, got %q", WatchModeFSNotify, WatchModePoll, c.Stream.WatchMode)
	}
	if c.Stream.WindowLines > 100000 {
		return errors.New("stream.window_lines must not exceed 100000")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	return nil
}
