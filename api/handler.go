// File: api/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Application-facing contracts: Txn is the egress surface a handler drives,
// Handler receives the per-stream ingress events, Controller is the
// handler factory shared across sessions.

package api

import "net"

// Txn is the egress surface of one transaction, handed to the handler via
// SetTransaction. Egress calls never block: when window or transport
// capacity is missing, the transaction pauses and the handler is told via
// OnEgressPaused.
type Txn interface {
	ID() StreamID

	SendHeaders(msg *Message)
	SendBody(data []byte)
	SendChunkHeader(length int)
	SendChunkTerminator()
	SendTrailers(trailers Headers)
	SendEOM()
	// SendAbort resets the stream (where the codec supports it) and moves
	// both directions to their aborted state. Idempotent.
	SendAbort()

	// SetPriority fixes the scheduling band and fairness weight. Effective
	// only before the first egress operation; later calls do not reorder
	// bytes already handed to the codec.
	SetPriority(band, weight uint8)

	// PauseIngress stops ingress event delivery until ResumeIngress.
	PauseIngress()
	ResumeIngress()
}

// Handler receives the ingress side of one transaction. Implementations may
// call back into the Txn synchronously from any of these callbacks.
type Handler interface {
	SetTransaction(txn Txn)
	// DetachTransaction is the handler's only guaranteed cleanup signal,
	// invoked exactly once when both directions are terminal.
	DetachTransaction()

	OnHeadersComplete(msg *Message)
	OnBody(data []byte)
	OnChunkHeader(length int)
	OnChunkComplete()
	OnTrailers(trailers Headers)
	OnEOM()
	// OnUpgrade fires once when an accepted CONNECT/Upgrade switches the
	// stream into tunnel mode.
	OnUpgrade(protocol string)
	OnError(err *Error)
	OnEgressPaused()
	OnEgressResumed()
}

// SessionInfo is the restricted session view handed to controllers and
// handlers.
type SessionInfo interface {
	ID() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// NotifyPendingShutdown starts a graceful drain: in-flight streams
	// finish, no new ones are admitted.
	NotifyPendingShutdown()
}

// Controller creates handlers for new streams and observes session
// lifecycle. One controller serves many sessions concurrently and must be
// safe for use from multiple connection goroutines.
type Controller interface {
	GetRequestHandler(sess SessionInfo, peer net.Addr) Handler
	AttachSession(sess SessionInfo)
	DetachSession(sess SessionInfo)
}
