package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"logtail/internal/config"
	"logtail/internal/daemon"
	"logtail/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the logtail daemon and blocks until ctx ends or the process is
// signalled.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logDir := cfg.DaemonLogDir()
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(logDir, fmt.Sprintf("logtail-%s.log", runID))

	loggerOpts := logging.OptionsFromConfig(cfg, logPath)
	if opts.LogLevel != "" {
		loggerOpts.Level = opts.LogLevel
	}
	loggerOpts.Development = opts.Development
	logger, err := logging.New(loggerOpts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()
	logger = d.Logger()

	if err := ensureCurrentLogPointer(logDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update logtail.log link: %v\n", err)
	}
	removed := logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: logDir, Pattern: "logtail-*.log", Exclude: []string{logPath}},
	)
	logConfigSnapshot(logger, cfg, logPath, removed)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check api_bind availability and the state directory lock"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("logtail daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "logtail.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ReadPID returns the pid recorded by a running daemon, or 0 when none is
// recorded.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config, logPath string, pruned int) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("log_dir", cfg.Paths.LogDir),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.String("charset", cfg.Logs.Charset),
		logging.String("watch_mode", cfg.Stream.WatchMode),
		logging.Int("max_sessions", cfg.Stream.MaxSessions),
		logging.Int("session_buffer", cfg.Stream.SessionBuffer),
		logging.String("daemon_log", logPath),
		logging.Int("pruned_logs", pruned),
	)
}
