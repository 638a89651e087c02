package logging

import (
	"log/slog"
	"sync"

	"logtail/internal/broadcast"
)

// NewLineHandler renders records in the console format and publishes each
// one as a text line to sink. Records below level are dropped.
func NewLineHandler(sink broadcast.LineSink, level slog.Leveler) slog.Handler {
	if sink == nil {
		return NoopHandler{}
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &prettyHandler{
		mu: &sync.Mutex{},
		emit: func(line []byte) error {
			sink.Publish(string(line))
			return nil
		},
		level: level,
	}
}
