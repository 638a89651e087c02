package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"

	"logtail/internal/logging"
	"logtail/internal/tailfile"
)

// Poller stats the watched file on a fixed interval and signals when its
// size, modification time or identity changes.
type Poller struct {
	fs       afero.Fs
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller builds a polling notifier over fs.
func NewPoller(fs afero.Fs, interval time.Duration, logger *slog.Logger) *Poller {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Poller{fs: fs, interval: interval, logger: logger}
}

type fileState struct {
	exists  bool
	size    int64
	modTime time.Time
	id      tailfile.FileID
}

// Watch starts polling path. The returned channel has a buffer of one.
func (p *Poller) Watch(ctx context.Context, path string) (<-chan Event, error) {
	out := make(chan Event, 1)
	last := p.stat(path)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cur := p.stat(path)
			switch {
			case last.exists && !cur.exists:
				signal(out, Event{Kind: Removed, Path: path})
			case cur.exists && (!last.exists || cur.size != last.size || !cur.modTime.Equal(last.modTime) || cur.id != last.id):
				signal(out, Event{Kind: Changed, Path: path})
			}
			last = cur
		}
	}()
	return out, nil
}

func (p *Poller) stat(path string) fileState {
	info, err := p.fs.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Debug("poll stat failed",
				logging.String(logging.FieldFile, path),
				logging.Error(err),
			)
		}
		return fileState{}
	}
	return fileState{
		exists:  true,
		size:    info.Size(),
		modTime: info.ModTime(),
		id:      tailfile.Identify(p.fs, path),
	}
}
