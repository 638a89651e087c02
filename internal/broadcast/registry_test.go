package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type recorder struct {
	id    string
	mu    sync.Mutex
	lines []string
	fail  atomic.Bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(line string) error {
	if r.fail.Load() {
		return errors.New("connection reset")
	}
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	return nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestBroadcastDeliversEveryLineToEverySubscriber(t *testing.T) {
	const subscribers, lines = 8, 500
	reg := NewRegistry(nil)
	recs := make([]*recorder, subscribers)
	for i := range recs {
		recs[i] = &recorder{id: fmt.Sprintf("sub-%d", i)}
		if !reg.Register(recs[i]) {
			t.Fatalf("register %d failed", i)
		}
	}
	for i := 0; i < lines; i++ {
		if got := reg.Broadcast(fmt.Sprintf("line %d", i)); got != subscribers {
			t.Fatalf("delivered = %d, want %d", got, subscribers)
		}
	}
	for _, rec := range recs {
		got := rec.received()
		if len(got) != lines {
			t.Fatalf("%s received %d lines", rec.id, len(got))
		}
		for i, line := range got {
			if line != fmt.Sprintf("line %d", i) {
				t.Fatalf("%s line %d = %q", rec.id, i, line)
			}
		}
	}
}

func TestFailingSubscriberIsRemoved(t *testing.T) {
	var dropped []string
	reg := NewRegistry(func(sub Subscriber, err error) {
		dropped = append(dropped, sub.ID())
	})
	healthy := &recorder{id: "healthy"}
	broken := &recorder{id: "broken"}
	reg.Register(healthy)
	reg.Register(broken)

	reg.Broadcast("first")
	broken.fail.Store(true)
	if got := reg.Broadcast("second"); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
	if len(dropped) != 1 || dropped[0] != "broken" {
		t.Fatalf("dropped = %v", dropped)
	}
	reg.Broadcast("third")
	if got := healthy.received(); len(got) != 3 {
		t.Fatalf("healthy received %v", got)
	}
	if got := broken.received(); len(got) != 1 {
		t.Fatalf("broken received %v", got)
	}
}

func TestRegisterIsIdempotentAndUnregisterReports(t *testing.T) {
	reg := NewRegistry(nil)
	sub := &recorder{id: "a"}
	if !reg.Register(sub) || reg.Register(sub) {
		t.Fatal("expected first register to succeed and second to be rejected")
	}
	if !reg.Unregister(sub) || reg.Unregister(sub) {
		t.Fatal("expected single successful unregister")
	}
	if reg.Broadcast("x") != 0 {
		t.Fatal("empty registry should deliver nothing")
	}
}

func TestConcurrentMutationDuringBroadcast(t *testing.T) {
	reg := NewRegistry(nil)
	stable := &recorder{id: "stable"}
	reg.Register(stable)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			sub := &recorder{id: fmt.Sprintf("churn-%d", i)}
			reg.Register(sub)
			reg.Unregister(sub)
		}
	}()

	for i := 0; i < 2000; i++ {
		reg.Broadcast(fmt.Sprintf("%d", i))
	}
	close(stop)
	wg.Wait()

	if got := len(stable.received()); got != 2000 {
		t.Fatalf("stable subscriber received %d lines, want 2000", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
}

func TestCloseRejectsRegistration(t *testing.T) {
	reg := NewRegistry(nil)
	a := &recorder{id: "a"}
	reg.Register(a)
	members := reg.Close()
	if len(members) != 1 || members[0] != a {
		t.Fatalf("Close returned %v", members)
	}
	if !reg.Closed() || reg.Len() != 0 {
		t.Fatal("expected closed empty registry")
	}
	if reg.Register(&recorder{id: "b"}) {
		t.Fatal("register after close should fail")
	}
	if reg.Close() != nil {
		t.Fatal("second close should return nothing")
	}
}
