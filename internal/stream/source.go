package stream

import (
	"sync"

	"logtail/internal/broadcast"
	"logtail/internal/query"
)

// source is a virtual stream fed by Publish instead of a file.
type source struct {
	name     string
	registry *broadcast.Registry

	// mu orders Publish against attach so a replaying session neither
	// misses nor repeats a line.
	mu     sync.Mutex
	window *query.Window
}

func newSource(name string, windowLines int, onFailure broadcast.FailureFunc) *source {
	return &source{
		name:     name,
		registry: broadcast.NewRegistry(onFailure),
		window:   query.NewWindow(windowLines),
	}
}

// Publish records line in the window and broadcasts it. It never blocks on
// subscribers.
func (s *source) Publish(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window.Push(line)
	s.registry.Broadcast(line)
}

func (s *source) attach(sess *Session, replay bool) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.registry.Register(sess) {
		return nil, false
	}
	if !replay {
		return nil, true
	}
	return s.window.Lines(), true
}

func (s *source) recent(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Last(n)
}

func (s *source) buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Len()
}

func (s *source) shutdown(cause closeCause) {
	terminateAll(s.registry.Close(), cause)
}
