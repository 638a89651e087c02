package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogs()
	c.normalizeStream()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("LOGTAIL_LOG_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.LogDir = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("LOGTAIL_API_BIND"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIBind = strings.TrimSpace(value)
	}

	var err error
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	return nil
}

func (c *Config) normalizeLogs() {
	if c.Logs.DefaultLimit <= 0 {
		c.Logs.DefaultLimit = defaultTailLimit
	}
	if c.Logs.SearchLimit <= 0 {
		c.Logs.SearchLimit = defaultSearchLimit
	}
	c.Logs.Charset = strings.ToLower(strings.TrimSpace(c.Logs.Charset))
	if c.Logs.Charset == "" {
		c.Logs.Charset = defaultCharset
	}

	exts := make([]string, 0, len(c.Logs.Extensions))
	seen := make(map[string]struct{}, len(c.Logs.Extensions))
	for _, ext := range c.Logs.Extensions {
		normalized := strings.ToLower(strings.TrimSpace(ext))
		if normalized == "" {
			continue
		}
		if !strings.HasPrefix(normalized, ".") {
			normalized = "." + normalized
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		exts = append(exts, normalized)
	}
	if len(exts) == 0 {
		exts = defaultExtensions()
	}
	c.Logs.Extensions = exts
}

func (c *Config) normalizeStream() {
	c.Stream.WatchMode = strings.ToLower(strings.TrimSpace(c.Stream.WatchMode))
	if c.Stream.WatchMode == "" {
		c.Stream.WatchMode = defaultWatchMode
	}
	if c.Stream.PollIntervalMS <= 0 {
		c.Stream.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Stream.SessionBuffer <= 0 {
		c.Stream.SessionBuffer = defaultSessionBuffer
	}
	if c.Stream.MaxSessions <= 0 {
		c.Stream.MaxSessions = defaultMaxSessions
	}
	if c.Stream.WindowLines <= 0 {
		c.Stream.WindowLines = defaultWindowLines
	}
	origins := make([]string, 0, len(c.Stream.AllowedOrigins))
	for _, origin := range c.Stream.AllowedOrigins {
		if trimmed := strings.TrimSuffix(strings.TrimSpace(origin), "/"); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.Stream.AllowedOrigins = origins
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
