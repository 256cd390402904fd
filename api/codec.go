// File: api/codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Codec abstracts a wire protocol: parsing inbound bytes into per-stream
// events and serializing egress commands into bytes. The session core never
// touches wire grammar directly.

package api

import "bytes"

// CodecCallback receives per-stream parse events. The session implements it
// and routes events to the matching transaction.
type CodecCallback interface {
	OnMessageBegin(id StreamID)
	OnHeadersComplete(id StreamID, msg *Message)
	OnBody(id StreamID, data []byte)
	OnChunkHeader(id StreamID, length int)
	OnChunkComplete(id StreamID)
	OnTrailersComplete(id StreamID, trailers Headers)
	OnMessageComplete(id StreamID, upgraded bool)
	// OnError reports a parse or protocol failure. ingress is true when the
	// failure was detected on the read path.
	OnError(id StreamID, err *Error, ingress bool)
	// OnAbort reports a stream reset received from the peer.
	OnAbort(id StreamID, code ErrorCode)
	// OnWindowUpdate grants egress window credit; id 0 is connection scope.
	OnWindowUpdate(id StreamID, delta int)
	OnSettings(settings []Setting)
	// OnGoaway announces that the peer stopped accepting new streams.
	OnGoaway(lastGoodStream StreamID, code ErrorCode)
}

// Codec is a server-side wire protocol implementation. OnIngress consumes
// as much of b as it can and reports parse events through the callback;
// a return of 0 means no progress is possible (incomplete input, or the
// codec is waiting on an upgrade decision).
type Codec interface {
	SetCallback(cb CodecCallback)
	OnIngress(b []byte) int
	// OnIngressEOF tells the codec the read side is done. Tunnelled streams
	// complete; a partial in-flight message is a parse error.
	OnIngressEOF()

	// SupportsParallelStreams distinguishes parallel codecs (independent
	// streams with per-stream abort) from strictly serial ones.
	SupportsParallelStreams() bool
	// PriorityBandCount is the number of egress priority bands.
	PriorityBandCount() int
	// IsReusable reports whether the connection can carry further messages.
	IsReusable() bool

	// EgressSettings are the parameters this side advertises,
	// IngressSettings the ones the peer announced.
	EgressSettings() *Settings
	IngressSettings() *Settings

	GenerateHeader(w *bytes.Buffer, id StreamID, msg *Message)
	// GenerateBody returns the number of payload bytes serialized.
	GenerateBody(w *bytes.Buffer, id StreamID, data []byte) int
	GenerateChunkHeader(w *bytes.Buffer, id StreamID, length int)
	GenerateChunkTerminator(w *bytes.Buffer, id StreamID)
	GenerateTrailers(w *bytes.Buffer, id StreamID, trailers Headers)
	GenerateEOM(w *bytes.Buffer, id StreamID)
	GenerateRstStream(w *bytes.Buffer, id StreamID, code ErrorCode)
	GenerateWindowUpdate(w *bytes.Buffer, id StreamID, delta int)
	GenerateSettings(w *bytes.Buffer)
	GenerateGoaway(w *bytes.Buffer, lastGoodStream StreamID, code ErrorCode)

	// OnUpgradeAccepted switches the stream into tunnel mode: subsequent
	// ingress arrives as opaque body, egress is written unframed.
	OnUpgradeAccepted(id StreamID)
	// OnUpgradeRejected resumes normal framing after a refused CONNECT or
	// Upgrade; the pending request message completes immediately.
	OnUpgradeRejected(id StreamID)
	// NotifyDraining flags subsequent responses to prevent keep-alive on
	// codecs that signal connection close in-band.
	NotifyDraining()
}
