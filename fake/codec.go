// File: fake/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scriptable api.Codec: tests emit arbitrary callback sequences through
// Callback() and assert on the generate operations the session requested.

package fake

import (
	"bytes"
	"fmt"

	"github.com/momentics/hioload-http/api"
)

// Codec is a fake implementation of api.Codec. Parsing consumes everything
// and produces nothing; tests drive the callback directly. Every Generate*
// call is logged as a compact op string such as "rst:3" or "goaway:1".
type Codec struct {
	cb api.CodecCallback

	Parallel bool
	Bands    int
	Reusable bool

	egressSettings  *api.Settings
	ingressSettings *api.Settings

	Ops      []string
	Consumed int
	EOFSeen  bool
	Draining bool
}

// NewCodec returns a parallel fake codec with 8 bands.
func NewCodec() *Codec {
	return &Codec{
		Parallel:        true,
		Bands:           8,
		Reusable:        true,
		egressSettings:  api.NewSettings(),
		ingressSettings: api.NewSettings(),
	}
}

// Callback exposes the session's callback for test-driven event injection.
func (c *Codec) Callback() api.CodecCallback { return c.cb }

func (c *Codec) SetCallback(cb api.CodecCallback) { c.cb = cb }

func (c *Codec) OnIngress(b []byte) int {
	c.Consumed += len(b)
	return len(b)
}

func (c *Codec) OnIngressEOF() { c.EOFSeen = true }

func (c *Codec) SupportsParallelStreams() bool { return c.Parallel }
func (c *Codec) PriorityBandCount() int        { return c.Bands }
func (c *Codec) IsReusable() bool              { return c.Reusable }

func (c *Codec) EgressSettings() *api.Settings  { return c.egressSettings }
func (c *Codec) IngressSettings() *api.Settings { return c.ingressSettings }

func (c *Codec) log(format string, args ...any) {
	c.Ops = append(c.Ops, fmt.Sprintf(format, args...))
}

func (c *Codec) GenerateHeader(w *bytes.Buffer, id api.StreamID, msg *api.Message) {
	c.log("headers:%d:%d", id, msg.StatusCode)
	fmt.Fprintf(w, "[hdr %d]", id)
}

func (c *Codec) GenerateBody(w *bytes.Buffer, id api.StreamID, data []byte) int {
	c.log("body:%d:%d", id, len(data))
	w.Write(data)
	return len(data)
}

func (c *Codec) GenerateChunkHeader(w *bytes.Buffer, id api.StreamID, length int) {
	c.log("chunkhdr:%d:%d", id, length)
}

func (c *Codec) GenerateChunkTerminator(w *bytes.Buffer, id api.StreamID) {
	c.log("chunkend:%d", id)
}

func (c *Codec) GenerateTrailers(w *bytes.Buffer, id api.StreamID, trailers api.Headers) {
	c.log("trailers:%d", id)
}

func (c *Codec) GenerateEOM(w *bytes.Buffer, id api.StreamID) {
	c.log("eom:%d", id)
	fmt.Fprintf(w, "[eom %d]", id)
}

func (c *Codec) GenerateRstStream(w *bytes.Buffer, id api.StreamID, code api.ErrorCode) {
	c.log("rst:%d", id)
	fmt.Fprintf(w, "[rst %d]", id)
}

func (c *Codec) GenerateWindowUpdate(w *bytes.Buffer, id api.StreamID, delta int) {
	c.log("winupdate:%d:%d", id, delta)
}

func (c *Codec) GenerateSettings(w *bytes.Buffer) {
	c.log("settings")
}

func (c *Codec) GenerateGoaway(w *bytes.Buffer, last api.StreamID, code api.ErrorCode) {
	c.log("goaway:%d", last)
}

func (c *Codec) OnUpgradeAccepted(id api.StreamID) { c.log("upgrade-accept:%d", id) }
func (c *Codec) OnUpgradeRejected(id api.StreamID) { c.log("upgrade-reject:%d", id) }
func (c *Codec) NotifyDraining()                   { c.Draining = true }

// HasOp reports whether op was generated.
func (c *Codec) HasOp(op string) bool {
	for _, o := range c.Ops {
		if o == op {
			return true
		}
	}
	return false
}
