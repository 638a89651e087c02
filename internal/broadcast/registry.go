// Package broadcast fans text lines out to a changing set of subscribers.
//
// A Registry keeps its members in an immutable slice behind an atomic
// pointer. Broadcasts iterate whatever snapshot they loaded; Register and
// Unregister build a new slice and swap it in with compare-and-swap, so
// neither side ever waits for the other.
package broadcast

import (
	"sync/atomic"
)

// Subscriber receives broadcast lines. Send must not block; an error marks
// the subscriber unreachable and removes it from the registry.
type Subscriber interface {
	ID() string
	Send(line string) error
}

// LineSink accepts lines from a producer that is not a file, such as the
// daemon's own logger.
type LineSink interface {
	Publish(line string)
}

// FailureFunc is told about subscribers dropped because Send failed.
type FailureFunc func(sub Subscriber, err error)

// closedMembers marks a registry that accepts no further members.
var closedMembers = new([]Subscriber)

// Registry is a copy-on-write set of subscribers.
type Registry struct {
	members   atomic.Pointer[[]Subscriber]
	onFailure FailureFunc
}

// NewRegistry returns an empty registry. onFailure may be nil.
func NewRegistry(onFailure FailureFunc) *Registry {
	r := &Registry{onFailure: onFailure}
	r.members.Store(new([]Subscriber))
	return r
}

// Register adds sub. It reports false when the registry is closed or sub is
// already a member.
func (r *Registry) Register(sub Subscriber) bool {
	if sub == nil {
		return false
	}
	return r.update(func(cur []Subscriber) ([]Subscriber, bool) {
		for _, existing := range cur {
			if existing == sub {
				return nil, false
			}
		}
		next := make([]Subscriber, len(cur), len(cur)+1)
		copy(next, cur)
		return append(next, sub), true
	})
}

// Unregister removes sub and reports whether it was a member.
func (r *Registry) Unregister(sub Subscriber) bool {
	return r.update(func(cur []Subscriber) ([]Subscriber, bool) {
		idx := -1
		for i, existing := range cur {
			if existing == sub {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, false
		}
		next := make([]Subscriber, 0, len(cur)-1)
		next = append(next, cur[:idx]...)
		return append(next, cur[idx+1:]...), true
	})
}

// Broadcast sends line to every current member and returns how many accepted
// it. Members whose Send fails are unregistered; the rest are unaffected.
func (r *Registry) Broadcast(line string) int {
	snapshot := r.members.Load()
	if snapshot == nil {
		return 0
	}
	delivered := 0
	for _, sub := range *snapshot {
		if err := sub.Send(line); err != nil {
			if r.Unregister(sub) && r.onFailure != nil {
				r.onFailure(sub, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the current member count.
func (r *Registry) Len() int {
	if p := r.members.Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Snapshot returns a copy of the current members.
func (r *Registry) Snapshot() []Subscriber {
	p := r.members.Load()
	if p == nil {
		return nil
	}
	return append([]Subscriber(nil), *p...)
}

// Close empties the registry, refuses future registrations, and returns the
// members it held.
func (r *Registry) Close() []Subscriber {
	for {
		old := r.members.Load()
		if old == closedMembers {
			return nil
		}
		if r.members.CompareAndSwap(old, closedMembers) {
			if old == nil {
				return nil
			}
			return *old
		}
	}
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool {
	return r.members.Load() == closedMembers
}

func (r *Registry) update(fn func(cur []Subscriber) ([]Subscriber, bool)) bool {
	for {
		old := r.members.Load()
		if old == closedMembers {
			return false
		}
		var cur []Subscriber
		if old != nil {
			cur = *old
		}
		next, changed := fn(cur)
		if !changed {
			return false
		}
		if r.members.CompareAndSwap(old, &next) {
			return true
		}
	}
}
