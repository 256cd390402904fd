// File: codec/http1/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package http1 implements the serial HTTP/1.x server codec: one message
// at a time on the wire, sequential stream IDs, keep-alive and pipelining,
// chunked transfer framing, and CONNECT/Upgrade tunnelling.
package http1
