// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Transport abstracts the raw byte stream under a session. Implementations
// deliver read events and backpressure signals to the registered handler;
// the session never blocks on I/O.

package api

import "net"

// TransportHandler is the session-facing side of a transport. All calls for
// one connection are made from a single goroutine.
type TransportHandler interface {
	// OnBytes delivers inbound bytes. The slice is only valid for the call.
	OnBytes(b []byte)
	// OnEOF signals an orderly end of the read side.
	OnEOF()
	// OnTransportError signals an unrecoverable I/O failure.
	OnTransportError(err error)
	// OnWritesPaused signals write backpressure; the session must stop
	// producing egress until OnWritesResumed.
	OnWritesPaused()
	OnWritesResumed()
}

// Transport is a full-duplex byte stream owned by exactly one session.
type Transport interface {
	SetHandler(h TransportHandler)

	// Write queues b for transmission; done is invoked once the bytes are
	// flushed (or with the write error). b must not be modified until done.
	Write(b []byte, done func(error))

	// PauseReads stops delivery of OnBytes until ResumeReads; bytes arriving
	// in between are buffered by the transport.
	PauseReads()
	ResumeReads()

	// CloseNow tears the connection down without waiting for pending writes.
	CloseNow()

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
