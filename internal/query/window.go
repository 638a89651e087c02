package query

// DefaultLimit is the tail size used when a caller passes a non-positive limit.
const DefaultLimit = 200

// Window is a fixed-capacity FIFO of the most recent lines. Pushing into a
// full window evicts the oldest line. It is not safe for concurrent use.
type Window struct {
	buf   []string
	start int
	n     int
}

// NewWindow returns a window holding at most capacity lines. A non-positive
// capacity falls back to DefaultLimit.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultLimit
	}
	return &Window{buf: make([]string, capacity)}
}

// Push appends line, evicting the oldest entry when full.
func (w *Window) Push(line string) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = line
		w.n++
		return
	}
	w.buf[w.start] = line
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of lines held.
func (w *Window) Len() int { return w.n }

// Cap returns the capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Lines returns the held lines oldest first.
func (w *Window) Lines() []string {
	out := make([]string, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Last returns up to n of the most recent lines, oldest first.
func (w *Window) Last(n int) []string {
	lines := w.Lines()
	if n > 0 && n < len(lines) {
		return lines[len(lines)-n:]
	}
	return lines
}

// Reset empties the window.
func (w *Window) Reset() {
	clear(w.buf)
	w.start = 0
	w.n = 0
}
