// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for session-layer monitoring: streams served, bytes
// written, errors by kind. Counters are shared across connection
// goroutines, so access is atomic.

package control

import (
	"sync"
	"sync/atomic"
)

// Counter names used by the session layer.
const (
	MetricSessionsAccepted = "sessions.accepted"
	MetricSessionsClosed   = "sessions.closed"
	MetricTxnCreated       = "txn.created"
	MetricTxnAborted       = "txn.aborted"
	MetricTxnDeferred      = "txn.deferred"
	MetricBytesWritten     = "bytes.written"
	MetricParseErrors      = "errors.parse"
	MetricTimeouts         = "errors.timeout"
	MetricStrayIngress     = "errors.stray_ingress"
)

// MetricsRegistry holds named monotonic counters with dynamic registration.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*int64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{counters: make(map[string]*int64)}
}

func (mr *MetricsRegistry) counter(name string) *int64 {
	mr.mu.RLock()
	c := mr.counters[name]
	mr.mu.RUnlock()
	if c != nil {
		return c
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if c = mr.counters[name]; c == nil {
		c = new(int64)
		mr.counters[name] = c
	}
	return c
}

// Inc adds one to the named counter.
func (mr *MetricsRegistry) Inc(name string) { mr.Add(name, 1) }

// Add adds delta to the named counter.
func (mr *MetricsRegistry) Add(name string, delta int64) {
	atomic.AddInt64(mr.counter(name), delta)
}

// Get reads the named counter.
func (mr *MetricsRegistry) Get(name string) int64 {
	return atomic.LoadInt64(mr.counter(name))
}

// Snapshot returns all counters at a point in time.
func (mr *MetricsRegistry) Snapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.counters))
	for k, v := range mr.counters {
		out[k] = atomic.LoadInt64(v)
	}
	return out
}
