package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"logtail/internal/broadcast"
	"logtail/internal/logerr"
	"logtail/internal/logging"
	"logtail/internal/query"
	"logtail/internal/tailfile"
	"logtail/internal/watch"
)

// Options configures an Engine.
type Options struct {
	// Query resolves file names under the log root.
	Query *query.Service
	// Reader reads appended lines; it must share the query service's filesystem.
	Reader   *tailfile.Reader
	Tracker  *tailfile.Tracker
	Notifier watch.Notifier
	Logger   *slog.Logger

	SessionBuffer int
	MaxSessions   int
	WindowLines   int
	// RemoveGrace is how long a feed waits for a deleted file to reappear
	// before closing its sessions.
	RemoveGrace time.Duration
}

const (
	defaultSessionBuffer = 256
	defaultMaxSessions   = 256
	defaultRemoveGrace   = time.Second
)

// Engine owns the feeds, virtual sources and sessions of one log root.
type Engine struct {
	query    *query.Service
	reader   *tailfile.Reader
	tracker  *tailfile.Tracker
	notifier watch.Notifier
	logger   *slog.Logger

	sessionBuffer int
	windowLines   int
	removeGrace   time.Duration

	slots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu       sync.Mutex
	feeds    map[string]*feed
	draining map[string]*feed
	sources  map[string]*source

	active atomic.Int64
	opened atomic.Int64
}

// NewEngine validates opts and returns a running engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Query == nil {
		return nil, errors.New("stream engine: query service is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("stream engine: notifier is required")
	}
	if opts.Reader == nil {
		opts.Reader = tailfile.NewReader(opts.Query.FS(), nil)
	}
	if opts.Tracker == nil {
		opts.Tracker = tailfile.NewTracker()
	}
	if opts.SessionBuffer <= 0 {
		opts.SessionBuffer = defaultSessionBuffer
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.WindowLines <= 0 {
		opts.WindowLines = query.DefaultLimit
	}
	if opts.RemoveGrace <= 0 {
		opts.RemoveGrace = defaultRemoveGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		query:         opts.Query,
		reader:        opts.Reader,
		tracker:       opts.Tracker,
		notifier:      opts.Notifier,
		logger:        logging.NewComponentLogger(opts.Logger, "stream"),
		sessionBuffer: opts.SessionBuffer,
		windowLines:   opts.WindowLines,
		removeGrace:   opts.RemoveGrace,
		slots:         make(chan struct{}, opts.MaxSessions),
		ctx:           ctx,
		cancel:        cancel,
		feeds:         make(map[string]*feed),
		draining:      make(map[string]*feed),
		sources:       make(map[string]*source),
	}, nil
}

// Sink returns the producer side of the named virtual source, creating it on
// first use. Lines published to it reach every session streaming name.
func (e *Engine) Sink(name string) broadcast.LineSink {
	name = strings.TrimSpace(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if src, ok := e.sources[name]; ok {
		return src
	}
	src := newSource(name, e.windowLines, e.onSendFailure)
	e.sources[name] = src
	return src
}

// Open starts a session for req that writes to out. The session runs until
// ctx ends, Close is called, delivery fails, the file is removed or the
// engine stops.
func (e *Engine) Open(ctx context.Context, req Request, out Output) (*Session, error) {
	if out == nil {
		return nil, logerr.Wrap(logerr.ErrInvalidArgument, "open stream", "output is required", nil)
	}
	if e.closed.Load() {
		return nil, logerr.Wrap(logerr.ErrUnavailable, "open stream", "engine stopped", nil)
	}
	req.File = strings.TrimSpace(req.File)
	req.Level = strings.ToUpper(strings.TrimSpace(req.Level))
	if req.Level == "ALL" {
		req.Level = ""
	}

	select {
	case e.slots <- struct{}{}:
	default:
		return nil, logerr.Wrap(logerr.ErrUnavailable, "open stream", "session limit reached", nil)
	}

	sess, catchUp, detach, err := e.attach(ctx, req, out)
	if err != nil {
		<-e.slots
		return nil, err
	}

	e.active.Add(1)
	e.opened.Add(1)
	logger := logging.WithContext(ctx, e.logger)
	logger.Info("stream session opened", logging.Args(append(sess.logAttrs(),
		logging.String("level", req.Level),
		logging.Bool("from_start", req.FromStart),
		logging.String(logging.FieldEventType, "stream_session_opened"),
	)...)...)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sess.run(ctx, catchUp)
		detach()
		<-e.slots
		e.active.Add(-1)
		e.logClosed(logger, sess)
		close(sess.finished)
	}()
	return sess, nil
}

func (e *Engine) attach(ctx context.Context, req Request, out Output) (*Session, func(func(string) bool) error, func(), error) {
	id := uuid.NewString()

	e.mu.Lock()
	src, virtual := e.sources[req.File]
	e.mu.Unlock()
	if virtual {
		sess := newSession(id, src.name, req, out, e.sessionBuffer, e.logger)
		replay, ok := src.attach(sess, req.FromStart)
		if !ok {
			return nil, nil, nil, logerr.Wrap(logerr.ErrUnavailable, "open stream", "source closed", nil)
		}
		var catchUp func(func(string) bool) error
		if req.FromStart {
			catchUp = func(emit func(string) bool) error {
				for _, line := range replay {
					if !emit(line) {
						break
					}
				}
				return nil
			}
		}
		return sess, catchUp, func() { src.registry.Unregister(sess) }, nil
	}

	path, err := e.query.Resolve(req.File)
	if err != nil {
		return nil, nil, nil, err
	}
	if strings.HasSuffix(strings.ToLower(req.File), ".gz") {
		return nil, nil, nil, logerr.Wrap(logerr.ErrInvalidArgument, "open stream", "compressed files cannot be streamed", nil)
	}
	if _, err := e.query.Stat(req.File); err != nil {
		return nil, nil, nil, err
	}

	f, err := e.acquireFeed(req.File, path)
	if err != nil {
		return nil, nil, nil, err
	}
	sess := newSession(id, req.File, req, out, e.sessionBuffer, e.logger)
	cur, ok := f.attach(sess, req.FromStart)
	if !ok {
		e.releaseFeed(f)
		return nil, nil, nil, logerr.Wrap(logerr.ErrUnavailable, "open stream", "feed closed", nil)
	}

	var catchUp func(func(string) bool) error
	if req.FromStart && cur.Offset > 0 {
		catchUp = func(emit func(string) bool) error {
			size, id, err := tailfile.Stat(e.query.FS(), path)
			if err != nil {
				if errors.Is(err, logerr.ErrNotFound) {
					// the feed reports the removal
					return nil
				}
				return err
			}
			if size < cur.Offset || (id.Known() && cur.ID.Known() && id != cur.ID) {
				// replaced since attach; the feed restarts the new file from zero
				return nil
			}
			_, err = e.reader.Scan(path, 0, cur.Offset, func(line string, _ int64) bool {
				if e.tracker.Cursor(f.key).Generation != cur.Generation {
					// rotated mid catch-up; the feed restarts the new file from zero
					return false
				}
				return emit(line)
			})
			return err
		}
	}
	return sess, catchUp, func() {
		f.registry.Unregister(sess)
		e.releaseFeed(f)
	}, nil
}

// acquireFeed returns the running feed for path, starting one when needed.
func (e *Engine) acquireFeed(name, path string) (*feed, error) {
	key, err := tailfile.Key(path)
	if err != nil {
		return nil, logerr.Wrap(logerr.ErrInvalidArgument, "open stream", name, err)
	}
	for {
		e.mu.Lock()
		if e.closed.Load() {
			e.mu.Unlock()
			return nil, logerr.Wrap(logerr.ErrUnavailable, "open stream", "engine stopped", nil)
		}
		if f, ok := e.feeds[key]; ok {
			f.refs++
			e.mu.Unlock()
			return f, nil
		}
		if old, ok := e.draining[key]; ok {
			e.mu.Unlock()
			<-old.done
			continue
		}
		f, err := e.startFeed(name, path, key)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		f.refs = 1
		e.feeds[key] = f
		e.mu.Unlock()
		return f, nil
	}
}

// releaseFeed drops one reference and stops the feed when none remain.
func (e *Engine) releaseFeed(f *feed) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.refs--
	if f.refs > 0 {
		return
	}
	if e.feeds[f.key] == f {
		delete(e.feeds, f.key)
		e.draining[f.key] = f
	}
	f.cancel()
}

// forgetFeed removes a feed that ended on its own.
func (e *Engine) forgetFeed(f *feed) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.feeds[f.key] == f {
		delete(e.feeds, f.key)
	}
	if e.draining[f.key] == f {
		delete(e.draining, f.key)
	}
}

func (e *Engine) onSendFailure(sub broadcast.Subscriber, err error) {
	sess, ok := sub.(*Session)
	if !ok {
		return
	}
	if errors.Is(err, ErrQueueFull) {
		sess.terminate(closeCause{err: err, notice: notice("subscriber fell behind; stream closed")})
		return
	}
	sess.terminate(closeCause{err: err})
}

func (e *Engine) logClosed(logger *slog.Logger, sess *Session) {
	attrs := append(sess.logAttrs(),
		logging.Int64("delivered", sess.Delivered()),
		logging.Duration("duration", time.Since(sess.opened).Round(time.Millisecond)),
		logging.String(logging.FieldEventType, "stream_session_closed"),
	)
	switch err := sess.err; {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrShutdown), errors.Is(err, ErrWatchEnded):
		logger.Info("stream session closed", logging.Args(attrs...)...)
	case errors.Is(err, ErrFileRemoved):
		logger.Info("stream session closed; file removed", logging.Args(attrs...)...)
	default:
		logging.WarnWithContext(logger, "stream session ended by delivery failure", "stream_session_failed",
			append(attrs,
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "client disconnected or could not keep up"),
				logging.String(logging.FieldImpact, "the subscriber stops receiving lines"),
			)...)
	}
}

// Recent returns up to n lines from the resident window of a running feed
// or a virtual source. ok is false when name is neither.
func (e *Engine) Recent(name string, n int) ([]string, bool) {
	e.mu.Lock()
	src, isSource := e.sources[name]
	var f *feed
	if !isSource {
		for _, candidate := range e.feeds {
			if candidate.name == name {
				f = candidate
				break
			}
		}
	}
	e.mu.Unlock()
	switch {
	case isSource:
		return src.recent(n), true
	case f != nil:
		return f.recent(n), true
	}
	return nil, false
}

// IsSource reports whether name is a virtual source.
func (e *Engine) IsSource(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sources[name]
	return ok
}

// FeedStats describes one streamed file or virtual source.
type FeedStats struct {
	Name        string `json:"name"`
	Virtual     bool   `json:"virtual"`
	Subscribers int    `json:"subscribers"`
	Offset      int64  `json:"offset"`
	Generation  uint64 `json:"generation"`
	Buffered    int    `json:"buffered_lines"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	ActiveSessions int64       `json:"active_sessions"`
	TotalSessions  int64       `json:"total_sessions"`
	Feeds          []FeedStats `json:"feeds"`
}

// Stats reports active sessions and per-source subscriber counts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	feeds := make([]*feed, 0, len(e.feeds))
	for _, f := range e.feeds {
		feeds = append(feeds, f)
	}
	sources := make([]*source, 0, len(e.sources))
	for _, src := range e.sources {
		sources = append(sources, src)
	}
	e.mu.Unlock()

	stats := Stats{ActiveSessions: e.active.Load(), TotalSessions: e.opened.Load()}
	for _, f := range feeds {
		cur := e.tracker.Cursor(f.key)
		stats.Feeds = append(stats.Feeds, FeedStats{
			Name:        f.name,
			Subscribers: f.registry.Len(),
			Offset:      cur.Offset,
			Generation:  cur.Generation,
			Buffered:    f.buffered(),
		})
	}
	for _, src := range sources {
		stats.Feeds = append(stats.Feeds, FeedStats{
			Name:        src.name,
			Virtual:     true,
			Subscribers: src.registry.Len(),
			Buffered:    src.buffered(),
		})
	}
	sort.Slice(stats.Feeds, func(i, j int) bool { return stats.Feeds[i].Name < stats.Feeds[j].Name })
	return stats
}

// Stop closes every session and feed and waits for their goroutines.
func (e *Engine) Stop() {
	if !e.closed.CompareAndSwap(false, true) {
		e.wg.Wait()
		return
	}
	shutdown := closeCause{err: ErrShutdown, notice: notice("server shutting down; stream closed")}

	e.mu.Lock()
	feeds := make([]*feed, 0, len(e.feeds))
	for _, f := range e.feeds {
		feeds = append(feeds, f)
	}
	sources := make([]*source, 0, len(e.sources))
	for _, src := range e.sources {
		sources = append(sources, src)
	}
	e.mu.Unlock()

	for _, f := range feeds {
		f.shutdown(shutdown)
	}
	for _, src := range sources {
		src.shutdown(shutdown)
	}
	e.cancel()
	e.wg.Wait()
}

func terminateAll(members []broadcast.Subscriber, cause closeCause) {
	for _, sub := range members {
		if sess, ok := sub.(*Session); ok {
			sess.terminate(cause)
		}
	}
}
