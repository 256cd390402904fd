// File: transport/tcp/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package tcp provides the production api.Transport over net.Conn plus the
// acceptor that binds listeners, controllers and session configuration
// together.
//
// Each connection is served by one event-loop goroutine that owns the
// session: reads, write completions and timer ticks are funneled through a
// single select so the session never needs internal locking. A reader and
// a writer goroutine perform the blocking I/O and hand results back to the
// loop.
package tcp
