package tailfile

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Mode selects where a first-seen file starts streaming.
type Mode int

const (
	// FromEnd seeds the cursor at the current size so only future lines are read.
	FromEnd Mode = iota
	// FromStart seeds the cursor at zero.
	FromStart
)

// Key normalizes path into the identity used by the tracker.
func Key(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(filepath.Clean(trimmed))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", trimmed, err)
	}
	return abs, nil
}

// Cursor is a point-in-time copy of a tracked file's state.
type Cursor struct {
	Offset     int64
	Size       int64
	ID         FileID
	Generation uint64
}

type entry struct {
	mu  sync.Mutex
	cur Cursor
}

// Tracker keeps one read cursor per watched file. Entries are independent:
// operations on one key never wait on another key's entry.
type Tracker struct {
	entries sync.Map // string -> *entry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Init seeds key on first sight and returns the cursor. An existing entry is
// left untouched.
func (t *Tracker) Init(key string, size int64, id FileID, mode Mode) Cursor {
	seed := &entry{cur: Cursor{Size: size, ID: id}}
	if mode == FromEnd {
		seed.cur.Offset = size
	}
	actual, _ := t.entries.LoadOrStore(key, seed)
	e := actual.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

// Offset returns the tracked offset for key, or 0 for an unknown file.
func (t *Tracker) Offset(key string) int64 {
	return t.Cursor(key).Offset
}

// Cursor returns the full cursor for key.
func (t *Tracker) Cursor(key string) Cursor {
	v, ok := t.entries.Load(key)
	if !ok {
		return Cursor{}
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

// Advance moves the cursor for key to offset.
func (t *Tracker) Advance(key string, offset int64) {
	e := t.load(key)
	e.mu.Lock()
	e.cur.Offset = offset
	if offset > e.cur.Size {
		e.cur.Size = offset
	}
	e.mu.Unlock()
}

// Check records the observed size and identity of key. When the file shrank
// below the cursor or was replaced by a different file, the cursor resets to
// zero, the generation increments, and rotated is true.
func (t *Tracker) Check(key string, size int64, id FileID) (cur Cursor, rotated bool) {
	e := t.load(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	replaced := e.cur.ID.Known() && id.Known() && e.cur.ID != id
	if size < e.cur.Offset || replaced {
		e.cur.Offset = 0
		e.cur.Generation++
		rotated = true
	}
	e.cur.Size = size
	if id.Known() {
		e.cur.ID = id
	}
	return e.cur, rotated
}

// Forget drops the cursor for key.
func (t *Tracker) Forget(key string) {
	t.entries.Delete(key)
}

func (t *Tracker) load(key string) *entry {
	if v, ok := t.entries.Load(key); ok {
		return v.(*entry)
	}
	actual, _ := t.entries.LoadOrStore(key, &entry{})
	return actual.(*entry)
}
