// File: session/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package session implements the connection-scoped orchestration layer:
// a Session owns one transport/codec pair and demultiplexes its byte
// stream into per-stream Transactions, enforcing flow control,
// concurrency limits, priority-ordered egress, read/write timeouts and
// graceful drain.
//
// All mutation for one session happens on a single goroutine; the
// transport delivers events into it and no call ever blocks.
package session
