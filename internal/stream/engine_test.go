package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"logtail/internal/logerr"
	"logtail/internal/query"
	"logtail/internal/tailfile"
	"logtail/internal/watch"
)

// manualNotifier delivers events only when poked.
type manualNotifier struct {
	mu    sync.Mutex
	chans map[string]chan watch.Event
}

func newManualNotifier() *manualNotifier {
	return &manualNotifier{chans: make(map[string]chan watch.Event)}
}

func (m *manualNotifier) Watch(ctx context.Context, path string) (<-chan watch.Event, error) {
	ch := make(chan watch.Event, 1)
	m.mu.Lock()
	m.chans[path] = ch
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if m.chans[path] == ch {
			delete(m.chans, path)
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *manualNotifier) poke(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.chans[path]; ok {
		select {
		case ch <- watch.Event{Kind: watch.Changed, Path: path}:
		default:
		}
	}
}

func (m *manualNotifier) watching(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chans[path]
	return ok
}

type collector struct {
	mu    sync.Mutex
	lines []string
	fail  atomic.Bool
	gate  chan struct{}
}

func (c *collector) Send(line string) error {
	if c.gate != nil {
		<-c.gate
	}
	if c.fail.Load() {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *collector) waitLines(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines, have %q", n, c.snapshot())
	return nil
}

type harness struct {
	engine   *Engine
	notifier *manualNotifier
	dir      string
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	fs := afero.NewOsFs()
	n := newManualNotifier()
	opts := Options{
		Query:         query.NewService(query.Options{Root: dir, Fs: fs}),
		Reader:        tailfile.NewReader(fs, nil),
		Notifier:      n,
		SessionBuffer: 1024,
		MaxSessions:   16,
		RemoveGrace:   20 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Stop)
	return &harness{engine: engine, notifier: n, dir: dir}
}

func (h *harness) path(name string) string { return filepath.Join(h.dir, name) }

func (h *harness) write(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(h.path(name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func (h *harness) append(t *testing.T, name, content string) {
	t.Helper()
	if err := h.appendRaw(name, content); err != nil {
		t.Fatalf("append %s: %v", name, err)
	}
}

func (h *harness) appendRaw(name, content string) error {
	f, err := os.OpenFile(h.path(name), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	h.notifier.poke(h.path(name))
	return err
}

// gatedFs holds reads of files opened while armed until release is closed.
type gatedFs struct {
	afero.Fs
	armed   atomic.Bool
	blocked chan struct{}
	release chan struct{}
}

func newGatedFs(base afero.Fs) *gatedFs {
	return &gatedFs{Fs: base, blocked: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedFs) Open(name string) (afero.File, error) {
	f, err := g.Fs.Open(name)
	if err != nil || !g.armed.Load() {
		return f, err
	}
	return &gatedFile{File: f, fs: g}, nil
}

type gatedFile struct {
	afero.File
	fs *gatedFs
}

func (f *gatedFile) Read(p []byte) (int, error) {
	select {
	case f.fs.blocked <- struct{}{}:
	default:
	}
	<-f.fs.release
	return f.File.Read(p)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not close (state %s)", s.ID(), s.State())
	}
}

func TestAppendDeliversOnlyNewLines(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "A\nB\nC\nD\nE\n")

	out := &collector{}
	sess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := out.waitLines(t, 1)
	if !strings.Contains(got[0], "connection established for app.log") {
		t.Fatalf("unexpected handshake %q", got[0])
	}

	h.append(t, "app.log", "F\n")
	got = out.waitLines(t, 2)
	if len(got) != 2 || got[1] != "F" {
		t.Fatalf("expected only F after handshake, got %q", got)
	}
	if sess.State() != StateActive {
		t.Fatalf("state = %s, want active", sess.State())
	}
}

func TestPartialLineWaitsForNewline(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "")
	out := &collector{}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out); err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)

	h.append(t, "app.log", "half")
	time.Sleep(30 * time.Millisecond)
	if got := out.snapshot(); len(got) != 1 {
		t.Fatalf("partial line delivered early: %q", got)
	}
	h.append(t, "app.log", " done\n")
	if got := out.waitLines(t, 2); got[1] != "half done" {
		t.Fatalf("unexpected line %q", got[1])
	}
}

func TestFromStartDeliversHistoryExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "")

	// a first session keeps the feed running while history accumulates
	first := &collector{}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log"}, first); err != nil {
		t.Fatalf("Open: %v", err)
	}
	first.waitLines(t, 1)

	const total = 400
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := h.appendRaw("app.log", fmt.Sprintf("line %03d\n", i)); err != nil {
				t.Errorf("append: %v", err)
				return
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	late := &collector{}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log", FromStart: true}, late); err != nil {
		t.Fatalf("Open: %v", err)
	}
	wg.Wait()
	h.notifier.poke(h.path("app.log"))

	got := late.waitLines(t, total+1)[1:]
	if len(got) != total {
		t.Fatalf("late session received %d lines, want %d", len(got), total)
	}
	for i, line := range got {
		if line != fmt.Sprintf("line %03d", i) {
			t.Fatalf("line %d = %q (duplicate or gap)", i, line)
		}
	}
	if got := first.waitLines(t, total+1); len(got) != total+1 {
		t.Fatalf("first session received %d lines", len(got))
	}
}

func TestSeverityFilter(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "")
	out := &collector{}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log", Level: "error"}, out); err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)

	h.append(t, "app.log", "t1 [INFO] ok\nt2 [ERROR] boom\nt3 [WARN] hmm\nt4 [error] lower\n")
	out.waitLines(t, 3)
	time.Sleep(20 * time.Millisecond)
	got := out.snapshot()
	if len(got) != 3 || got[1] != "t2 [ERROR] boom" || got[2] != "t4 [error] lower" {
		t.Fatalf("unexpected filtered lines %q", got)
	}
}

func TestRotationRestartsFromZero(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "old one\nold two\n")
	out := &collector{}
	sess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)

	h.write(t, "app.log", "new\n")
	h.notifier.poke(h.path("app.log"))
	got := out.waitLines(t, 2)
	if got[1] != "new" {
		t.Fatalf("expected first line of rotated file, got %q", got)
	}
	if sess.Rotations() != 1 {
		t.Fatalf("rotations = %d, want 1", sess.Rotations())
	}
	if sess.State() != StateActive {
		t.Fatalf("state after rotation = %s", sess.State())
	}

	h.append(t, "app.log", "after\n")
	if got := out.waitLines(t, 3); got[2] != "after" {
		t.Fatalf("unexpected line after rotation %q", got)
	}
}

func TestSlowSubscriberIsDroppedAlone(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SessionBuffer = 2 })
	h.write(t, "app.log", "")

	gate := make(chan struct{}, 1)
	gate <- struct{}{} // let the handshake through
	slow := &collector{gate: gate}
	slowSess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, slow)
	if err != nil {
		t.Fatalf("Open slow: %v", err)
	}
	slow.waitLines(t, 1)

	fast := &collector{}
	fastSess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, fast)
	if err != nil {
		t.Fatalf("Open fast: %v", err)
	}
	fast.waitLines(t, 1)

	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "burst %d\n", i)
	}
	h.append(t, "app.log", sb.String())
	fast.waitLines(t, 11)

	close(gate)
	waitDone(t, slowSess)
	if !errors.Is(slowSess.Err(), ErrQueueFull) {
		t.Fatalf("slow session err = %v, want queue full", slowSess.Err())
	}
	if fastSess.State() != StateActive {
		t.Fatalf("fast session state = %s", fastSess.State())
	}
}

func TestDeliveryFailureClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "")
	out := &collector{}
	sess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)
	out.fail.Store(true)
	h.append(t, "app.log", "x\n")
	waitDone(t, sess)
	if sess.Err() == nil || sess.State() != StateClosed {
		t.Fatalf("expected failed closed session, got %v / %s", sess.Err(), sess.State())
	}
}

func TestRemovedFileClosesSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "x\n")
	out := &collector{}
	sess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)

	if err := os.Remove(h.path("app.log")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.notifier.poke(h.path("app.log"))
	waitDone(t, sess)
	if !errors.Is(sess.Err(), ErrFileRemoved) {
		t.Fatalf("err = %v, want file removed", sess.Err())
	}
	got := out.snapshot()
	if last := got[len(got)-1]; !strings.Contains(last, "app.log was removed") {
		t.Fatalf("expected final diagnostic line, got %q", last)
	}
}

func TestRecreatedFileWithinGraceKeepsStreaming(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RemoveGrace = 2 * time.Second })
	h.write(t, "app.log", "first generation line\n")
	out := &collector{}
	sess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)

	if err := os.Rename(h.path("app.log"), h.path("app.log.1")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	h.notifier.poke(h.path("app.log"))
	time.Sleep(20 * time.Millisecond)
	h.append(t, "app.log", "second\n")

	if got := out.waitLines(t, 2); got[1] != "second" {
		t.Fatalf("unexpected line %q", got)
	}
	if sess.State() == StateClosed {
		t.Fatal("session should survive rename rotation")
	}
}

func TestOpenErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "old.log.gz", "")
	h.write(t, "notes.txt", "not a log\n")
	tests := []struct {
		file string
		want error
	}{
		{"missing.log", logerr.ErrNotFound},
		{"../etc/passwd", logerr.ErrSecurity},
		{"", logerr.ErrInvalidArgument},
		{"old.log.gz", logerr.ErrInvalidArgument},
		{"notes.txt", logerr.ErrNotFound},
	}
	for _, tt := range tests {
		_, err := h.engine.Open(context.Background(), Request{File: tt.file}, &collector{})
		if !errors.Is(err, tt.want) {
			t.Errorf("Open(%q) err = %v, want %v", tt.file, err, tt.want)
		}
	}
	if stats := h.engine.Stats(); stats.ActiveSessions != 0 || len(stats.Feeds) != 0 {
		t.Fatalf("failed opens leaked state: %+v", stats)
	}
}

func TestSessionLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxSessions = 1 })
	h.write(t, "app.log", "")
	out := &collector{}
	first, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log"}, &collector{}); !errors.Is(err, logerr.ErrUnavailable) {
		t.Fatalf("expected unavailable at limit, got %v", err)
	}
	first.Close()
	waitDone(t, first)
	if !errors.Is(first.Err(), context.Canceled) {
		t.Fatalf("client close err = %v", first.Err())
	}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log"}, &collector{}); err != nil {
		t.Fatalf("Open after release: %v", err)
	}
}

func TestFeedStopsWithLastSession(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "")
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := h.engine.Open(ctx, Request{File: "app.log"}, &collector{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stats := h.engine.Stats()
	if len(stats.Feeds) != 1 || stats.Feeds[0].Subscribers != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	cancel()
	waitDone(t, sess)
	deadline := time.Now().Add(5 * time.Second)
	for h.notifier.watching(h.path("app.log")) {
		if time.Now().After(deadline) {
			t.Fatal("watch not released after last session left")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if stats := h.engine.Stats(); len(stats.Feeds) != 0 || stats.ActiveSessions != 0 {
		t.Fatalf("expected no feeds, got %+v", stats)
	}

	// a new session starts a fresh feed at the current end
	h.append(t, "app.log", "while idle\n")
	out := &collector{}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	h.append(t, "app.log", "fresh\n")
	if got := out.waitLines(t, 2); got[1] != "fresh" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestVirtualSource(t *testing.T) {
	h := newHarness(t, nil)
	sink := h.engine.Sink("app")
	sink.Publish("t0 [INFO] booting")
	sink.Publish("t1 [WARN] slow disk")

	out := &collector{}
	sess, err := h.engine.Open(context.Background(), Request{File: "app", Level: "WARN", FromStart: true}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := out.waitLines(t, 2)
	if got[1] != "t1 [WARN] slow disk" {
		t.Fatalf("unexpected replay %q", got)
	}

	sink.Publish("t2 [INFO] fine")
	sink.Publish("t3 [WARN] slower disk")
	if got := out.waitLines(t, 3); got[2] != "t3 [WARN] slower disk" {
		t.Fatalf("unexpected live lines %q", got)
	}
	if recent, ok := h.engine.Recent("app", 2); !ok || len(recent) != 2 || recent[1] != "t3 [WARN] slower disk" {
		t.Fatalf("unexpected recent window %q", recent)
	}
	if !h.engine.IsSource("app") || sess.File() != "app" {
		t.Fatal("expected app to be a virtual source")
	}
}

func TestStopClosesSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "")
	out := &collector{}
	fileSess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.engine.Sink("app")
	srcSess, err := h.engine.Open(context.Background(), Request{File: "app"}, &collector{})
	if err != nil {
		t.Fatalf("Open source: %v", err)
	}
	out.waitLines(t, 1)

	h.engine.Stop()
	for _, s := range []*Session{fileSess, srcSess} {
		waitDone(t, s)
		if !errors.Is(s.Err(), ErrShutdown) {
			t.Fatalf("err = %v, want shutdown", s.Err())
		}
	}
	if got := out.snapshot(); !strings.Contains(got[len(got)-1], "shutting down") {
		t.Fatalf("expected shutdown notice, got %q", got)
	}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log"}, &collector{}); !errors.Is(err, logerr.ErrUnavailable) {
		t.Fatalf("expected unavailable after stop, got %v", err)
	}
}

func TestPollingEngineOnMemoryFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/logs/app.log", []byte("existing\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine, err := NewEngine(Options{
		Query:    query.NewService(query.Options{Root: "/logs", Fs: fs}),
		Notifier: watch.NewPoller(fs, 5*time.Millisecond, nil),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Stop()

	out := &collector{}
	if _, err := engine.Open(context.Background(), Request{File: "app.log"}, out); err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)
	f, err := fs.OpenFile("/logs/app.log", os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("appended\n")
	_ = f.Close()

	if got := out.waitLines(t, 2); got[1] != "appended" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestQueuedLinesDeliveredBeforeRemovalNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "")
	gate := make(chan struct{})
	out := &collector{gate: gate}
	sess, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var sb strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	h.append(t, "app.log", sb.String())
	size := int64(sb.Len())
	waitFor(t, "lines queued", func() bool {
		for _, f := range h.engine.Stats().Feeds {
			if f.Name == "app.log" {
				return f.Offset == size
			}
		}
		return false
	})

	if err := os.Remove(h.path("app.log")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	h.notifier.poke(h.path("app.log"))
	waitFor(t, "feed shutdown", func() bool { return len(h.engine.Stats().Feeds) == 0 })

	close(gate)
	waitDone(t, sess)
	got := out.snapshot()
	if len(got) != 22 {
		t.Fatalf("expected handshake, 20 lines and a notice, got %d lines: %q", len(got), got)
	}
	for i := 0; i < 20; i++ {
		if want := fmt.Sprintf("line %d", i); got[i+1] != want {
			t.Fatalf("line %d = %q, want %q", i+1, got[i+1], want)
		}
	}
	if !strings.Contains(got[21], "app.log was removed") {
		t.Fatalf("expected removal notice last, got %q", got[21])
	}
}

func TestRegisterNotBlockedByReadCycle(t *testing.T) {
	gfs := newGatedFs(afero.NewOsFs())
	h := newHarness(t, func(o *Options) {
		o.Query = query.NewService(query.Options{Root: o.Query.Root(), Fs: gfs})
		o.Reader = tailfile.NewReader(gfs, nil)
	})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gfs.release) }) }
	t.Cleanup(release)

	h.write(t, "app.log", "")
	out := &collector{}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log"}, out); err != nil {
		t.Fatalf("Open: %v", err)
	}
	out.waitLines(t, 1)

	gfs.armed.Store(true)
	h.append(t, "app.log", "appended\n")
	select {
	case <-gfs.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("read cycle never started")
	}

	opened := make(chan error, 1)
	go func() {
		_, err := h.engine.Open(context.Background(), Request{File: "app.log"}, &collector{})
		opened <- err
	}()
	select {
	case err := <-opened:
		if err != nil {
			t.Fatalf("second Open: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registration waited for the read cycle to finish")
	}

	gfs.armed.Store(false)
	release()
	if got := out.waitLines(t, 2); got[1] != "appended" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestFromStartSkipsHistoryOfReplacedFile(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "app.log", "a\nb\n")
	gate := make(chan struct{})
	out := &collector{gate: gate}
	if _, err := h.engine.Open(context.Background(), Request{File: "app.log", FromStart: true}, out); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// replaced before the catch-up reads anything
	if err := os.Rename(h.path("app.log"), h.path("app.log.1")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	h.write(t, "app.log", "x\ny\n")
	close(gate)
	h.notifier.poke(h.path("app.log"))

	out.waitLines(t, 3)
	time.Sleep(50 * time.Millisecond)
	got := out.snapshot()
	if len(got) != 3 || got[1] != "x" || got[2] != "y" {
		t.Fatalf("expected the new file exactly once, got %q", got)
	}
}
