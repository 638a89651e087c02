package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"logtail/internal/logerr"
	"logtail/internal/logging"
)

// FSNotify watches the parent directory of each path and filters events by
// base name, which keeps the watch alive across rename-based rotation.
type FSNotify struct {
	logger   *slog.Logger
	fallback Notifier
}

// NewFSNotify builds an fsnotify notifier. When the kernel refuses a new
// watcher (for example an exhausted inotify instance limit) and fallback is
// non-nil, Watch degrades to fallback.
func NewFSNotify(logger *slog.Logger, fallback Notifier) *FSNotify {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FSNotify{logger: logger, fallback: fallback}
}

// Watch starts watching path. The returned channel has a buffer of one.
func (n *FSNotify) Watch(ctx context.Context, path string) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		if n.fallback != nil {
			logging.WarnWithContext(n.logger, "fsnotify unavailable; polling instead", "watch_fallback",
				logging.String(logging.FieldFile, path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "raise fs.inotify.max_user_instances or set stream.watch_mode = \"poll\""),
				logging.String(logging.FieldImpact, "new lines are noticed on the poll interval"),
			)
			return n.fallback.Watch(ctx, path)
		}
		return nil, logerr.Wrap(logerr.ErrIO, "watch", "create fsnotify watcher", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, logerr.Wrap(logerr.ErrIO, "watch", dir, err)
	}

	out := make(chan Event, 1)
	go n.loop(ctx, watcher, path, out)
	return out, nil
}

func (n *FSNotify) loop(ctx context.Context, watcher *fsnotify.Watcher, path string, out chan Event) {
	defer close(out)
	defer watcher.Close()

	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			kind := Changed
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				kind = Removed
			}
			signal(out, Event{Kind: kind, Path: path})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// dropped events may have included ours
				signal(out, Event{Kind: Changed, Path: path})
				continue
			}
			n.logger.Debug("fsnotify error",
				logging.String(logging.FieldFile, path),
				logging.Error(err),
			)
		}
	}
}
