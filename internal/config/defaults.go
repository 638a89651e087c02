package config

const (
	defaultConfigPath     = "~/.config/logtail/config.toml"
	defaultLogDir         = "/var/log/app"
	defaultStateDir       = "~/.local/share/logtail"
	defaultAPIBind        = "127.0.0.1:7600"
	defaultTailLimit      = 200
	defaultSearchLimit    = 100
	defaultCharset        = "utf-8"
	defaultWatchMode      = WatchModeFSNotify
	defaultPollIntervalMS = 500
	defaultSessionBuffer  = 256
	defaultMaxSessions    = 256
	defaultWindowLines    = 200
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
	defaultRetentionDays  = 14
)

// Watch modes accepted by stream.watch_mode.
const (
	WatchModeFSNotify = "fsnotify"
	WatchModePoll     = "poll"
)

func defaultExtensions() []string {
	return []string{".log", ".gz"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:   defaultLogDir,
			StateDir: defaultStateDir,
			APIBind:  defaultAPIBind,
		},
		Logs: Logs{
			DefaultLimit: defaultTailLimit,
			SearchLimit:  defaultSearchLimit,
			Charset:      defaultCharset,
			Extensions:   defaultExtensions(),
		},
		Stream: Stream{
			WatchMode:      defaultWatchMode,
			PollIntervalMS: defaultPollIntervalMS,
			SessionBuffer:  defaultSessionBuffer,
			MaxSessions:    defaultMaxSessions,
			WindowLines:    defaultWindowLines,
			AllowedOrigins: []string{"*"},
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultRetentionDays,
		},
	}
}
