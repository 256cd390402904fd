// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations of the core interfaces for tests and development.
// Predictable and fully controllable; interchangeable with the production
// variants.

package fake

import (
	"sync"
	"time"
)

// Clock is a settable timeout.Clock. The zero of the fake is a fixed
// arbitrary instant; tests move it forward explicitly.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(1700000000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
