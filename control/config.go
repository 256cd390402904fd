// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe store for serving limits with hot-reload propagation. The
// acceptor reads a snapshot per accepted connection, so limit changes
// apply to new sessions without disturbing live ones.

package control

import (
	"sync"
	"time"
)

// ServingLimits are the per-session knobs an operator may retune at
// runtime.
type ServingLimits struct {
	MaxConcurrentStreams uint32
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
}

// ConfigStore holds the current limits and notifies listeners on change.
type ConfigStore struct {
	mu        sync.RWMutex
	limits    ServingLimits
	listeners []func(ServingLimits)
}

// NewConfigStore initializes a store with the given starting limits.
func NewConfigStore(initial ServingLimits) *ConfigStore {
	return &ConfigStore{limits: initial}
}

// Snapshot returns the current limits.
func (cs *ConfigStore) Snapshot() ServingLimits {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.limits
}

// Update replaces the limits and dispatches reload listeners.
func (cs *ConfigStore) Update(limits ServingLimits) {
	cs.mu.Lock()
	cs.limits = limits
	listeners := make([]func(ServingLimits), len(cs.listeners))
	copy(listeners, cs.listeners)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(limits)
	}
}

// OnReload registers a listener invoked after every Update.
func (cs *ConfigStore) OnReload(fn func(ServingLimits)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
