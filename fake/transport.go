// File: fake/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scripted api.Transport: tests deliver read events (whole, split, or one
// byte at a time), toggle write backpressure, and inspect every write the
// session issued.

package fake

import (
	"net"

	"github.com/momentics/hioload-http/api"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// Transport is a fake implementation of api.Transport. All methods are
// synchronous: DeliverBytes invokes the session handler inline, and write
// completion callbacks run inside Write unless writes are paused.
type Transport struct {
	handler api.TransportHandler

	writes    [][]byte
	pendingCb []func(error)

	writesPaused bool
	holdWrites   bool
	readsPaused  bool
	readQueue    [][]byte
	eofQueued    bool
	closed       bool

	local, remote net.Addr
}

func NewTransport() *Transport {
	return &Transport{
		local:  fakeAddr("local:0"),
		remote: fakeAddr("remote:0"),
	}
}

func (t *Transport) SetHandler(h api.TransportHandler) { t.handler = h }

func (t *Transport) Write(b []byte, done func(error)) {
	if t.closed {
		if done != nil {
			done(api.NewError(api.ErrCodeTransport, "write on closed transport"))
		}
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	t.writes = append(t.writes, cp)
	if t.writesPaused || t.holdWrites {
		if done != nil {
			t.pendingCb = append(t.pendingCb, done)
		}
		return
	}
	if done != nil {
		done(nil)
	}
}

// HoldWriteCompletions accepts writes but delays their completion
// callbacks without signaling backpressure, modelling a socket that
// buffers data it never flushes.
func (t *Transport) HoldWriteCompletions() { t.holdWrites = true }

// ReleaseWrites invokes every held completion callback.
func (t *Transport) ReleaseWrites() {
	t.holdWrites = false
	cbs := t.pendingCb
	t.pendingCb = nil
	for _, cb := range cbs {
		cb(nil)
	}
}

func (t *Transport) PauseReads()  { t.readsPaused = true }
func (t *Transport) ResumeReads() {
	t.readsPaused = false
	for !t.readsPaused && len(t.readQueue) > 0 {
		b := t.readQueue[0]
		t.readQueue = t.readQueue[1:]
		t.handler.OnBytes(b)
	}
	if !t.readsPaused && t.eofQueued && len(t.readQueue) == 0 {
		t.eofQueued = false
		t.handler.OnEOF()
	}
}

func (t *Transport) CloseNow() { t.closed = true }

func (t *Transport) LocalAddr() net.Addr  { return t.local }
func (t *Transport) RemoteAddr() net.Addr { return t.remote }

// Closed reports whether the session tore the connection down.
func (t *Transport) Closed() bool { return t.closed }

// DeliverBytes feeds inbound bytes to the session, honoring read pauses.
func (t *Transport) DeliverBytes(b []byte) {
	if t.closed {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	if t.readsPaused {
		t.readQueue = append(t.readQueue, cp)
		return
	}
	t.handler.OnBytes(cp)
}

// DeliverString feeds s as a single read event.
func (t *Transport) DeliverString(s string) { t.DeliverBytes([]byte(s)) }

// DeliverByByte feeds s one byte per read event.
func (t *Transport) DeliverByByte(s string) {
	for i := 0; i < len(s); i++ {
		t.DeliverBytes([]byte{s[i]})
	}
}

// DeliverEOF signals read-side end of stream.
func (t *Transport) DeliverEOF() {
	if t.closed {
		return
	}
	if t.readsPaused || len(t.readQueue) > 0 {
		t.eofQueued = true
		return
	}
	t.handler.OnEOF()
}

// DeliverError signals an unrecoverable I/O failure.
func (t *Transport) DeliverError(err error) {
	if !t.closed {
		t.handler.OnTransportError(err)
	}
}

// PauseWrites simulates a full socket buffer: writes are still accepted,
// but their completion callbacks are held until ResumeWrites.
func (t *Transport) PauseWrites() {
	if t.writesPaused {
		return
	}
	t.writesPaused = true
	t.handler.OnWritesPaused()
}

// ResumeWrites releases held write callbacks, then signals the session.
func (t *Transport) ResumeWrites() {
	if !t.writesPaused {
		return
	}
	t.writesPaused = false
	cbs := t.pendingCb
	t.pendingCb = nil
	for _, cb := range cbs {
		cb(nil)
	}
	t.handler.OnWritesResumed()
}

// Writes returns every write operation the session issued, in order.
func (t *Transport) Writes() [][]byte { return t.writes }

// WriteCount is the number of distinct transport write operations.
func (t *Transport) WriteCount() int { return len(t.writes) }

// Written concatenates all written bytes.
func (t *Transport) Written() []byte {
	var out []byte
	for _, w := range t.writes {
		out = append(out, w...)
	}
	return out
}

// ResetWrites clears the recorded writes.
func (t *Transport) ResetWrites() { t.writes = nil }
