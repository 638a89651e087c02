package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"logtail/internal/api"
	"logtail/internal/broadcast"
	"logtail/internal/config"
	"logtail/internal/logging"
	"logtail/internal/query"
	"logtail/internal/stream"
	"logtail/internal/tailfile"
	"logtail/internal/watch"
)

// AppSource names the virtual source that carries the daemon's own log
// records.
const AppSource = "app"

// Daemon owns the query service, stream engine and API server and enforces
// single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	relay  *sinkRelay

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	query   *query.Service
	engine  *stream.Engine
	api     *apiServer
	started time.Time

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon. Records written through Logger are also published
// to the AppSource stream while the daemon runs.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	relay := &sinkRelay{}
	logger = logging.TeeLogger(logger, logging.NewLineHandler(relay, logging.ParseLevel(cfg.Logging.Level)))
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		relay:    relay,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Logger returns the daemon logger, including the AppSource tee.
func (d *Daemon) Logger() *slog.Logger {
	return d.logger
}

// Start acquires the daemon lock, builds the engine and starts serving.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another logtail daemon instance is already running")
	}

	svc, engine, err := d.build()
	if err != nil {
		_ = d.lock.Unlock()
		return err
	}
	d.relay.attach(engine.Sink(AppSource))

	runCtx, cancel := context.WithCancel(ctx)
	srv := newAPIServer(d.cfg, d, svc, engine, d.logger)
	if err := srv.start(runCtx); err != nil {
		cancel()
		d.relay.attach(nil)
		engine.Stop()
		_ = d.lock.Unlock()
		return err
	}

	d.mu.Lock()
	d.query = svc
	d.engine = engine
	d.api = srv
	d.started = time.Now()
	d.cancel = cancel
	d.mu.Unlock()
	d.running.Store(true)

	d.logger.Info("logtail daemon started",
		logging.String("lock", d.lockPath),
		logging.String("log_dir", d.cfg.Paths.LogDir),
		logging.String("watch_mode", d.cfg.Stream.WatchMode),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

func (d *Daemon) build() (*query.Service, *stream.Engine, error) {
	decoder, err := tailfile.NewDecoder(d.cfg.Logs.Charset)
	if err != nil {
		return nil, nil, err
	}
	fs := afero.NewOsFs()
	svc := query.NewService(query.Options{
		Root:       d.cfg.Paths.LogDir,
		Fs:         fs,
		Decoder:    decoder,
		Extensions: d.cfg.Logs.Extensions,
		TailLimit:  d.cfg.Logs.DefaultLimit,
	})
	notifier, err := watch.New(d.cfg.Stream.WatchMode, fs, d.cfg.PollInterval(), d.logger)
	if err != nil {
		return nil, nil, err
	}
	engine, err := stream.NewEngine(stream.Options{
		Query:         svc,
		Reader:        tailfile.NewReader(fs, decoder),
		Notifier:      notifier,
		Logger:        d.logger,
		SessionBuffer: d.cfg.Stream.SessionBuffer,
		MaxSessions:   d.cfg.Stream.MaxSessions,
		WindowLines:   d.cfg.Stream.WindowLines,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create stream engine: %w", err)
	}
	return svc, engine, nil
}

// Stop closes every stream, stops the API server and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.mu.Lock()
	engine, srv, cancel := d.engine, d.api, d.cancel
	d.engine, d.api, d.cancel = nil, nil, nil
	d.mu.Unlock()

	d.relay.attach(nil)
	// sessions end first so streaming handlers let the server drain
	if engine != nil {
		engine.Stop()
	}
	if srv != nil {
		srv.stop()
	}
	if cancel != nil {
		cancel()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.logger.Info("logtail daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Addr returns the address the API server listens on, empty when stopped.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(context.Context) api.DaemonStatus {
	d.mu.Lock()
	engine, started := d.engine, d.started
	bind := d.cfg.Paths.APIBind
	if d.api != nil {
		bind = d.api.addr()
	}
	d.mu.Unlock()

	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LogDir:       d.cfg.Paths.LogDir,
		LockFilePath: d.lockPath,
		APIBind:      bind,
		WatchMode:    d.cfg.Stream.WatchMode,
	}
	if status.Running {
		status.StartedAt = started.UTC().Format(time.RFC3339)
	}
	if engine != nil {
		status.Stream = engine.Stats()
	}
	return status
}

// sinkRelay forwards log lines to the engine's app source once one exists.
type sinkRelay struct {
	target atomic.Pointer[broadcast.LineSink]
}

func (r *sinkRelay) Publish(line string) {
	if sink := r.target.Load(); sink != nil {
		(*sink).Publish(line)
	}
}

func (r *sinkRelay) attach(sink broadcast.LineSink) {
	if sink == nil {
		r.target.Store(nil)
		return
	}
	r.target.Store(&sink)
}
