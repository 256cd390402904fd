// File: egress/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Priority scheduler for ready-to-write transactions. Strict priority
// across bands; weighted round-robin inside a band with FIFO tie-break.

package egress

import "github.com/eapache/queue"

type entry[T comparable] struct {
	item     T
	band     uint8
	weight   uint8
	turns    uint8
	seq      uint64
	canceled bool
}

// Scheduler orders ready items into an egress sequence. An item in a
// numerically smaller band is always selected over any item in a larger
// band. Within a band, an item keeps the head of the queue for `weight`
// consecutive turns before rotating to the tail, so larger weights get
// proportionally more turns. Not safe for concurrent use.
type Scheduler[T comparable] struct {
	bands   []*queue.Queue
	entries map[T]*entry[T]
	seq     uint64
}

// New creates a scheduler with the codec-defined number of priority bands.
func New[T comparable](bands int) *Scheduler[T] {
	if bands < 1 {
		bands = 1
	}
	s := &Scheduler[T]{
		bands:   make([]*queue.Queue, bands),
		entries: make(map[T]*entry[T]),
	}
	for i := range s.bands {
		s.bands[i] = queue.New()
	}
	return s
}

// Bands returns the configured band count.
func (s *Scheduler[T]) Bands() int { return len(s.bands) }

// Enqueue marks item ready in the given band. A no-op when the item is
// already queued; re-enqueueing after Next popped it joins the band tail.
func (s *Scheduler[T]) Enqueue(item T, band, weight uint8) {
	if _, ok := s.entries[item]; ok {
		return
	}
	if int(band) >= len(s.bands) {
		band = uint8(len(s.bands) - 1)
	}
	if weight == 0 {
		weight = 1
	}
	s.seq++
	e := &entry[T]{item: item, band: band, weight: weight, seq: s.seq}
	s.entries[item] = e
	s.bands[band].Add(e)
}

// Remove takes item out of the scheduler (drained or paused). Removal is
// lazy: the queue slot is skipped when reached.
func (s *Scheduler[T]) Remove(item T) {
	if e, ok := s.entries[item]; ok {
		e.canceled = true
		delete(s.entries, item)
	}
}

// IsQueued reports whether item is currently scheduled.
func (s *Scheduler[T]) IsQueued(item T) bool {
	_, ok := s.entries[item]
	return ok
}

// Len is the number of live scheduled items.
func (s *Scheduler[T]) Len() int { return len(s.entries) }

// Next selects the item owed the next egress turn, or ok=false when
// nothing is runnable. The item is dequeued once its weight's worth of
// consecutive turns is used up; callers re-Enqueue after the turn if the
// item still has bytes queued.
func (s *Scheduler[T]) Next() (item T, ok bool) {
	for _, q := range s.bands {
		for q.Length() > 0 {
			e := q.Peek().(*entry[T])
			if e.canceled {
				q.Remove()
				continue
			}
			e.turns++
			if e.turns >= e.weight {
				q.Remove()
				delete(s.entries, e.item)
			}
			return e.item, true
		}
	}
	return item, false
}
