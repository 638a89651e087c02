package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"logtail/internal/filter"
	"logtail/internal/logging"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateInit State = iota
	StateActive
	StateRotating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrClosed is returned by Session.Send after the session ended.
	ErrClosed = errors.New("stream session closed")
	// ErrQueueFull marks a subscriber that stopped keeping up.
	ErrQueueFull = errors.New("subscriber queue full")
	// ErrFileRemoved ends sessions whose file was deleted.
	ErrFileRemoved = errors.New("watched file removed")
	// ErrShutdown ends sessions when the engine stops.
	ErrShutdown = errors.New("stream engine stopped")
	// ErrWatchEnded ends sessions when change notification stops.
	ErrWatchEnded = errors.New("change notification ended")
)

// Request selects what a session streams.
type Request struct {
	// File is a log file name under the log root, or a virtual source name.
	File string
	// Level keeps only lines carrying the bracketed tag, e.g. "ERROR".
	Level string
	// FromStart delivers the existing content before live lines.
	FromStart bool
}

// Output is the client side of a session. Send is only called from the
// session's worker goroutine.
type Output interface {
	Send(line string) error
}

// OutputFunc adapts a function to Output.
type OutputFunc func(line string) error

func (f OutputFunc) Send(line string) error { return f(line) }

type closeCause struct {
	err    error
	notice string
}

// Session is one subscriber of one file or virtual source.
type Session struct {
	id       string
	name     string
	req      Request
	out      Output
	keep     filter.Predicate
	queue    chan string
	state    atomic.Int32
	opened   time.Time
	sent     atomic.Int64
	rotation atomic.Int64

	closeOnce sync.Once
	closing   chan struct{}
	cause     closeCause
	finished  chan struct{}
	err       error

	logger *slog.Logger
}

func newSession(id, name string, req Request, out Output, buffer int, logger *slog.Logger) *Session {
	s := &Session{
		id:       id,
		name:     name,
		req:      req,
		out:      out,
		keep:     filter.Severity(req.Level),
		queue:    make(chan string, buffer),
		opened:   time.Now(),
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
		logger:   logger,
	}
	s.state.Store(int32(StateInit))
	return s
}

// ID returns the opaque session handle.
func (s *Session) ID() string { return s.id }

// File returns the streamed file or source name.
func (s *Session) File() string { return s.name }

// Level returns the severity filter, empty when none.
func (s *Session) Level() string { return s.req.Level }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Rotations counts rotations observed while the session was open.
func (s *Session) Rotations() int64 { return s.rotation.Load() }

// Delivered counts lines handed to the output, handshake included.
func (s *Session) Delivered() int64 { return s.sent.Load() }

// Send queues a live line for delivery without blocking. It is called by the
// broadcast registry.
func (s *Session) Send(line string) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	select {
	case s.queue <- line:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close ends the session as a client disconnect. It does not wait for the
// worker; use Done for that.
func (s *Session) Close() {
	s.terminate(closeCause{err: context.Canceled})
}

// Done is closed once the worker has finished and the session is CLOSED.
func (s *Session) Done() <-chan struct{} { return s.finished }

// Err reports why the session closed. It is nil before Done is closed and
// context.Canceled for a client disconnect.
func (s *Session) Err() error {
	select {
	case <-s.finished:
		return s.err
	default:
		return nil
	}
}

// terminate is safe to call from any goroutine, including broadcast paths;
// it never blocks and never logs.
func (s *Session) terminate(cause closeCause) {
	s.closeOnce.Do(func() {
		s.cause = cause
		close(s.closing)
	})
}

func (s *Session) markRotating() {
	if s.state.CompareAndSwap(int32(StateActive), int32(StateRotating)) {
		s.rotation.Add(1)
	}
}

func (s *Session) markActive() {
	s.state.CompareAndSwap(int32(StateRotating), int32(StateActive))
}

func (s *Session) deliver(line string) error {
	if !s.keep(line) {
		return nil
	}
	if err := s.out.Send(line); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// run is the worker loop. catchUp, when non-nil, runs after the handshake
// and before any queued live line.
func (s *Session) run(ctx context.Context, catchUp func(emit func(string) bool) error) {
	cause := s.loop(ctx, catchUp)
	if cause.notice != "" && !errors.Is(cause.err, context.Canceled) {
		// best effort; the client may already be gone
		_ = s.out.Send(cause.notice)
	}
	s.err = cause.err
	s.state.Store(int32(StateClosed))
}

func (s *Session) loop(ctx context.Context, catchUp func(emit func(string) bool) error) closeCause {
	if err := s.out.Send(handshake(s.name, s.req)); err != nil {
		return closeCause{err: fmt.Errorf("send handshake: %w", err)}
	}
	s.sent.Add(1)
	s.state.CompareAndSwap(int32(StateInit), int32(StateActive))

	if catchUp != nil {
		var sendErr error
		err := catchUp(func(line string) bool {
			select {
			case <-s.closing:
				return false
			case <-ctx.Done():
				return false
			default:
			}
			if err := s.deliver(line); err != nil {
				sendErr = err
				return false
			}
			return true
		})
		if sendErr != nil {
			return closeCause{err: fmt.Errorf("deliver line: %w", sendErr)}
		}
		if err != nil {
			return closeCause{err: err, notice: notice("catch-up failed: " + err.Error())}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return closeCause{err: context.Canceled}
		case <-s.closing:
			return s.drain()
		case line := <-s.queue:
			if err := s.deliver(line); err != nil {
				return closeCause{err: fmt.Errorf("deliver line: %w", err)}
			}
		}
	}
}

// drain delivers lines that were queued before the session was told to
// close. A client disconnect skips them.
func (s *Session) drain() closeCause {
	if errors.Is(s.cause.err, context.Canceled) {
		return s.cause
	}
	for {
		select {
		case line := <-s.queue:
			if err := s.deliver(line); err != nil {
				return closeCause{err: fmt.Errorf("deliver line: %w", err)}
			}
		default:
			return s.cause
		}
	}
}

func (s *Session) logAttrs() []logging.Attr {
	return []logging.Attr{
		logging.String(logging.FieldSessionID, s.id),
		logging.String(logging.FieldFile, s.name),
	}
}

func handshake(name string, req Request) string {
	msg := "logtail: log stream connection established for " + name
	if req.Level != "" {
		msg += " (level " + req.Level + ")"
	}
	return msg
}

func notice(msg string) string {
	return "logtail: " + msg
}
