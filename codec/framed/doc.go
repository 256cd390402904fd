// File: codec/framed/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package framed implements a binary multiplexing codec: every message
// travels in length-prefixed frames tagged with a stream ID, so many
// streams interleave on one connection with per-stream reset, priority
// bands, settings exchange and window-update flow control.
package framed
