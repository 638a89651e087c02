// Package watch tells the streaming engine when a log file may have new
// bytes. Two notifiers exist: one driven by fsnotify and one that polls the
// file with stat. Both collapse bursts into a single pending event, and both
// close their channel when the context ends or the watch can no longer run.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"

	"logtail/internal/logging"
)

// Kind classifies an Event.
type Kind int

const (
	// Changed means the file was written, created or had its metadata touched.
	Changed Kind = iota + 1
	// Removed means the path was deleted or renamed away.
	Removed
)

func (k Kind) String() string {
	switch k {
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a hint that path needs another look. Receivers must stat the
// file themselves: events are coalesced and may be stale.
type Event struct {
	Kind Kind
	Path string
}

// Notifier produces change events for one path until ctx ends.
type Notifier interface {
	Watch(ctx context.Context, path string) (<-chan Event, error)
}

// Mode names accepted by New.
const (
	ModeFSNotify = "fsnotify"
	ModePoll     = "poll"
)

// DefaultPollInterval is used when a poller is built with a non-positive interval.
const DefaultPollInterval = 500 * time.Millisecond

// New returns the notifier for mode. fsnotify only observes the real
// filesystem, so any other afero.Fs gets a poller.
func New(mode string, fs afero.Fs, interval time.Duration, logger *slog.Logger) (Notifier, error) {
	logger = logging.NewComponentLogger(logger, "watch")
	poller := NewPoller(fs, interval, logger)
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeFSNotify:
		if _, ok := fs.(*afero.OsFs); fs != nil && !ok {
			logger.Debug("filesystem is not the OS filesystem; polling instead",
				logging.String(logging.FieldEventType, "watch_mode_selected"),
				logging.String("mode", ModePoll),
			)
			return poller, nil
		}
		return NewFSNotify(logger, poller), nil
	case ModePoll:
		return poller, nil
	default:
		return nil, fmt.Errorf("unknown watch mode %q", mode)
	}
}

// signal delivers ev without blocking. A pending event absorbs later ones,
// except that Removed replaces a pending Changed.
func signal(out chan Event, ev Event) {
	select {
	case out <- ev:
		return
	default:
	}
	if ev.Kind != Removed {
		return
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- ev:
	default:
	}
}
