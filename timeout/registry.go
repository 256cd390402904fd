// File: timeout/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fixed-duration timeout registry with O(1) schedule and cancel. All
// entries of one registry share a duration, so the internal list stays
// deadline-ordered by construction and a tick only inspects the head.

package timeout

import "time"

// Clock supplies the registry's notion of now. Production code uses
// SystemClock; tests substitute a settable fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Timeout is one scheduled deadline. Cancel and Refresh are O(1) and safe
// to call from inside a firing callback.
type Timeout struct {
	reg        *Registry
	fn         func()
	deadline   time.Time
	prev, next *Timeout
	scheduled  bool
}

// Scheduled reports whether the timeout is still pending.
func (t *Timeout) Scheduled() bool { return t.scheduled }

// Cancel unlinks the timeout; firing no longer happens. Idempotent.
func (t *Timeout) Cancel() {
	if !t.scheduled {
		return
	}
	t.reg.unlink(t)
}

// Refresh pushes the deadline out by the registry duration, moving the
// entry to the list tail.
func (t *Timeout) Refresh() {
	if t.scheduled {
		t.reg.unlink(t)
	}
	t.reg.link(t)
}

// Registry maintains scheduled deadlines of one shared duration, fired by
// an explicit Tick from the owner's event loop. Not safe for concurrent
// use; a registry belongs to one connection goroutine.
type Registry struct {
	clock      Clock
	dur        time.Duration
	head, tail *Timeout
	size       int
}

// NewRegistry creates a registry firing callbacks dur after scheduling.
func NewRegistry(clock Clock, dur time.Duration) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{clock: clock, dur: dur}
}

// Duration returns the shared timeout duration.
func (r *Registry) Duration() time.Duration { return r.dur }

// Len is the number of pending timeouts.
func (r *Registry) Len() int { return r.size }

// Schedule arms fn to fire after the registry duration.
func (r *Registry) Schedule(fn func()) *Timeout {
	t := &Timeout{reg: r, fn: fn}
	r.link(t)
	return t
}

// NextDeadline reports the earliest pending deadline.
func (r *Registry) NextDeadline() (time.Time, bool) {
	if r.head == nil {
		return time.Time{}, false
	}
	return r.head.deadline, true
}

// Tick fires every expired timeout and returns how many fired. Callbacks
// may schedule, refresh or cancel entries of this registry; entries armed
// during the tick get a fresh deadline and do not fire in the same pass.
func (r *Registry) Tick() int {
	now := r.clock.Now()
	fired := 0
	for r.head != nil && !r.head.deadline.After(now) {
		t := r.head
		r.unlink(t)
		fired++
		t.fn()
	}
	return fired
}

func (r *Registry) link(t *Timeout) {
	t.deadline = r.clock.Now().Add(r.dur)
	t.prev = r.tail
	t.next = nil
	if r.tail != nil {
		r.tail.next = t
	} else {
		r.head = t
	}
	r.tail = t
	t.scheduled = true
	r.size++
}

func (r *Registry) unlink(t *Timeout) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		r.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		r.tail = t.prev
	}
	t.prev, t.next = nil, nil
	t.scheduled = false
	r.size--
}
