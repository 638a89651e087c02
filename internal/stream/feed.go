package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"logtail/internal/broadcast"
	"logtail/internal/logerr"
	"logtail/internal/logging"
	"logtail/internal/query"
	"logtail/internal/tailfile"
	"logtail/internal/watch"
)

// feed is the single reader of one file. It is the only writer of the
// file's tracker entry.
type feed struct {
	engine   *Engine
	name     string
	path     string
	key      string
	registry *broadcast.Registry
	logger   *slog.Logger

	// cycleMu serializes read cycles with from-start registration so the
	// session sees every byte exactly once.
	cycleMu sync.Mutex

	winMu  sync.Mutex
	window *query.Window

	refs   int // guarded by engine.mu
	cancel context.CancelFunc
	done   chan struct{}
}

// startFeed seeds the tracker at the current end of the file and launches
// the feed goroutine. Called with e.mu held.
func (e *Engine) startFeed(name, path, key string) (*feed, error) {
	size, id, err := tailfile.Stat(e.query.FS(), path)
	if err != nil {
		return nil, err
	}
	e.tracker.Forget(key)
	e.tracker.Init(key, size, id, tailfile.FromEnd)

	ctx, cancel := context.WithCancel(e.ctx)
	f := &feed{
		engine:   e,
		name:     name,
		path:     path,
		key:      key,
		registry: broadcast.NewRegistry(e.onSendFailure),
		logger:   e.logger.With(logging.String(logging.FieldFile, name)),
		window:   query.NewWindow(e.windowLines),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	events, err := e.notifier.Watch(ctx, path)
	if err != nil {
		cancel()
		return nil, err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f.run(ctx, events)
	}()
	f.logger.Debug("feed started",
		logging.Int64("offset", size),
		logging.String(logging.FieldEventType, "feed_started"),
	)
	return f, nil
}

// attach registers sess. A from-start session waits for any read cycle in
// progress and gets the cursor it joined at: lines up to cur.Offset are
// history, everything after arrives through the registry. Other sessions
// join the registry directly and see lines from the next broadcast on.
func (f *feed) attach(sess *Session, fromStart bool) (tailfile.Cursor, bool) {
	if !fromStart {
		return tailfile.Cursor{}, f.registry.Register(sess)
	}
	f.cycleMu.Lock()
	defer f.cycleMu.Unlock()
	if !f.registry.Register(sess) {
		return tailfile.Cursor{}, false
	}
	return f.engine.tracker.Cursor(f.key), true
}

func (f *feed) run(ctx context.Context, events <-chan watch.Event) {
	defer close(f.done)
	defer f.engine.forgetFeed(f)

	var grace <-chan time.Time
	// process runs one read cycle and reports whether the feed must stop.
	process := func(graceExpired bool) bool {
		missing, err := f.cycle()
		if err != nil {
			logging.ErrorWithContext(f.logger, "log read failed; closing stream", "feed_read_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check file permissions and disk health"),
			)
			f.shutdown(closeCause{err: err, notice: notice("read failed: " + err.Error())})
			return true
		}
		if !missing {
			grace = nil
			return false
		}
		if graceExpired {
			f.logger.Info("watched file removed; closing stream",
				logging.String(logging.FieldEventType, "feed_file_removed"),
			)
			f.shutdown(closeCause{err: ErrFileRemoved, notice: notice(f.name + " was removed; stream closed")})
			return true
		}
		if grace == nil {
			grace = time.After(f.engine.removeGrace)
		}
		return false
	}

	// bytes appended between the initial stat and arming the watch
	if process(false) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			f.shutdown(closeCause{err: ErrShutdown, notice: notice("server shutting down; stream closed")})
			return
		case _, ok := <-events:
			if !ok {
				// notifier gave up; end quietly
				f.shutdown(closeCause{err: ErrWatchEnded})
				return
			}
			if process(false) {
				return
			}
		case <-grace:
			grace = nil
			if process(true) {
				return
			}
		}
	}
}

// cycle reads everything appended since the tracked offset. missing reports
// that the file is currently absent.
func (f *feed) cycle() (missing bool, err error) {
	e := f.engine
	size, id, err := tailfile.Stat(e.query.FS(), f.path)
	if err != nil {
		if errors.Is(err, logerr.ErrNotFound) {
			return true, nil
		}
		return false, err
	}

	f.cycleMu.Lock()
	defer f.cycleMu.Unlock()

	cur, rotated := e.tracker.Check(f.key, size, id)
	if rotated {
		f.logger.Info("log rotation detected; reading from start",
			logging.Int64("size", size),
			logging.Uint64("generation", cur.Generation),
			logging.String(logging.FieldEventType, "log_rotated"),
		)
		for _, sub := range f.registry.Snapshot() {
			if sess, ok := sub.(*Session); ok {
				sess.markRotating()
			}
		}
		defer func() {
			for _, sub := range f.registry.Snapshot() {
				if sess, ok := sub.(*Session); ok {
					sess.markActive()
				}
			}
		}()
	}

	_, err = e.reader.Scan(f.path, cur.Offset, -1, func(line string, end int64) bool {
		e.tracker.Advance(f.key, end)
		f.winMu.Lock()
		f.window.Push(line)
		f.winMu.Unlock()
		f.registry.Broadcast(line)
		return true
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// shutdown closes the registry and ends every member session with cause.
func (f *feed) shutdown(cause closeCause) {
	f.cancel()
	terminateAll(f.registry.Close(), cause)
}

func (f *feed) recent(n int) []string {
	f.winMu.Lock()
	defer f.winMu.Unlock()
	return f.window.Last(n)
}

func (f *feed) buffered() int {
	f.winMu.Lock()
	defer f.winMu.Unlock()
	return f.window.Len()
}
