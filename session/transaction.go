// File: session/transaction.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transaction is the per-stream state machine: it validates ingress event
// phase, forwards events to the bound handler, queues egress segments and
// accounts them against the stream windows. Egress never blocks; when
// window or transport capacity is missing the transaction parks and the
// handler is told.

package session

import (
	"bytes"
	"net/http"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/flowcontrol"
	"github.com/momentics/hioload-http/timeout"
)

type segKind int

const (
	segHeaders segKind = iota
	segBody
	segChunkHeader
	segChunkTerminator
	segTrailers
	segEOM
)

type segment struct {
	kind     segKind
	msg      *api.Message
	data     []byte
	length   int
	trailers api.Headers
}

// Transaction implements api.Txn for one stream of a session.
type Transaction struct {
	id      api.StreamID
	sess    *Session
	handler api.Handler

	ingressPhase api.IngressPhase
	egressPhase  api.EgressPhase

	band          uint8
	weight        uint8
	egressStarted bool

	recvWindow *flowcontrol.Window
	sendWindow *flowcontrol.Window
	ackPending int

	segments []segment

	upgradeRequest bool
	upgradeDecided bool
	upgradeProto   string
	tunnel         bool

	ingressPaused bool
	buffered      []func()

	// parked: serial codec egress waiting for an earlier response to
	// finish. windowBlocked: stalled on an exhausted egress window.
	parked           bool
	windowBlocked    bool
	egressPausedSent bool

	writeTimer *timeout.Timeout
	detached   bool
}

func newTransaction(s *Session, id api.StreamID, h api.Handler) *Transaction {
	sendCap := serialWindow
	recvCap := serialWindow
	if s.windowed {
		sendCap = s.peerInitialWindow
		recvCap = int(s.cfg.ReceiveWindow)
	}
	return &Transaction{
		id:         id,
		sess:       s,
		handler:    h,
		weight:     1,
		recvWindow: flowcontrol.New(recvCap),
		sendWindow: flowcontrol.New(sendCap),
	}
}

func (t *Transaction) ID() api.StreamID { return t.id }

func (t *Transaction) ingressTerminal() bool {
	return t.ingressPhase == api.IngressDone || t.ingressPhase == api.IngressAborted
}

func (t *Transaction) egressTerminal() bool {
	return t.egressPhase == api.EgressDone || t.egressPhase == api.EgressAborted
}

func (t *Transaction) terminated() bool {
	return t.ingressTerminal() && t.egressTerminal()
}

func (t *Transaction) hasEgress() bool { return len(t.segments) > 0 }

// deliver invokes fn now, or buffers it while the handler has ingress
// paused.
func (t *Transaction) deliver(fn func()) {
	if t.ingressPaused {
		t.buffered = append(t.buffered, fn)
		return
	}
	fn()
}

func (t *Transaction) protocolError(msg string) {
	t.sess.streamProtocolError(t, api.NewStreamError(api.ErrCodeProtocol, t.id, msg))
}

func (t *Transaction) onIngressHeaders(msg *api.Message) {
	if t.ingressPhase != api.IngressStart {
		t.protocolError("headers out of phase")
		return
	}
	t.ingressPhase = api.IngressHeaders
	if !t.egressStarted && t.sess.windowed {
		t.band = msg.Priority
		if msg.Weight > 0 {
			t.weight = msg.Weight
		}
	}
	if msg.IsConnect() || msg.RequestsUpgrade() {
		t.upgradeRequest = true
		t.upgradeProto = msg.UpgradeProtocol()
	}
	t.deliver(func() { t.handler.OnHeadersComplete(msg) })
}

func (t *Transaction) onIngressBody(data []byte) {
	switch t.ingressPhase {
	case api.IngressHeaders:
		t.ingressPhase = api.IngressBody
	case api.IngressBody, api.IngressChunkBody:
	case api.IngressChunkHeader:
		t.ingressPhase = api.IngressChunkBody
	default:
		t.protocolError("body out of phase")
		return
	}
	n := len(data)
	if t.ingressPaused {
		data = append([]byte(nil), data...)
	}
	t.deliver(func() {
		t.handler.OnBody(data)
		t.sess.ackIngress(t, n)
	})
}

func (t *Transaction) onIngressChunkHeader(length int) {
	switch t.ingressPhase {
	case api.IngressHeaders, api.IngressBody:
		t.ingressPhase = api.IngressChunkHeader
	default:
		t.protocolError("chunk header out of phase")
		return
	}
	t.deliver(func() { t.handler.OnChunkHeader(length) })
}

func (t *Transaction) onIngressChunkComplete() {
	switch t.ingressPhase {
	case api.IngressChunkHeader, api.IngressChunkBody:
		t.ingressPhase = api.IngressBody
	default:
		t.protocolError("chunk complete out of phase")
		return
	}
	t.deliver(func() { t.handler.OnChunkComplete() })
}

func (t *Transaction) onIngressTrailers(trailers api.Headers) {
	switch t.ingressPhase {
	case api.IngressHeaders, api.IngressBody:
		t.ingressPhase = api.IngressTrailers
	default:
		t.protocolError("trailers out of phase")
		return
	}
	t.deliver(func() { t.handler.OnTrailers(trailers) })
}

func (t *Transaction) onIngressEOM() {
	switch t.ingressPhase {
	case api.IngressHeaders, api.IngressBody, api.IngressChunkHeader, api.IngressTrailers:
	default:
		t.protocolError("eom out of phase")
		return
	}
	t.ingressPhase = api.IngressDone
	t.deliver(func() {
		if !t.detached {
			t.handler.OnEOM()
		}
	})
	t.maybeDetach()
}

// onPeerAbort handles a stream reset received from the peer.
func (t *Transaction) onPeerAbort(code api.ErrorCode) {
	if t.detached {
		return
	}
	if code == api.ErrCodeNone {
		code = api.ErrCodeProtocol
	}
	t.handler.OnError(api.NewStreamError(code, t.id, "stream reset by peer"))
	t.abortLocal()
	t.maybeDetach()
}

// abortLocal moves both directions to ABORTED and drops queued egress,
// without generating anything on the wire.
func (t *Transaction) abortLocal() {
	t.ingressPhase = api.IngressAborted
	t.egressPhase = api.EgressAborted
	t.segments = nil
	t.buffered = nil
	t.sess.scheduler.Remove(t)
	if t.writeTimer != nil {
		t.writeTimer.Cancel()
	}
}

func (t *Transaction) maybeDetach() {
	// Events held back by PauseIngress still belong to the handler; the
	// transaction stays attached until ResumeIngress has drained them.
	if t.detached || !t.terminated() || len(t.buffered) > 0 {
		return
	}
	t.detached = true
	t.buffered = nil
	if t.writeTimer != nil {
		t.writeTimer.Cancel()
	}
	t.handler.DetachTransaction()
	t.sess.detachTxn(t)
}

func (t *Transaction) SendHeaders(msg *api.Message) {
	defer t.sess.begin()()
	if t.detached || t.egressPhase != api.EgressStart {
		t.sess.log.Warn("SendHeaders out of phase dropped", "stream", t.id, "phase", t.egressPhase)
		return
	}
	t.egressStarted = true
	if t.upgradeRequest && !t.upgradeDecided {
		t.decideUpgrade(msg)
	}
	t.egressPhase = api.EgressHeadersSent
	t.segments = append(t.segments, segment{kind: segHeaders, msg: msg})
	t.sess.txnEgressReady(t)
}

// decideUpgrade resolves a pending CONNECT/Upgrade: any 2xx accepts a
// CONNECT, exactly 101 accepts an Upgrade, anything else rejects and
// normal framing resumes.
func (t *Transaction) decideUpgrade(msg *api.Message) {
	t.upgradeDecided = true
	accepted := false
	if t.upgradeProto == "CONNECT" {
		accepted = msg.StatusCode >= 200 && msg.StatusCode < 300
	} else {
		accepted = msg.StatusCode == http.StatusSwitchingProtocols
	}
	if accepted {
		t.tunnel = true
		msg.Upgraded = true
		t.sess.codec.OnUpgradeAccepted(t.id)
		t.handler.OnUpgrade(t.upgradeProto)
	} else {
		t.sess.codec.OnUpgradeRejected(t.id)
	}
	t.sess.kickIngress()
}

func (t *Transaction) SendBody(data []byte) {
	defer t.sess.begin()()
	if t.detached || (t.egressPhase != api.EgressHeadersSent && t.egressPhase != api.EgressBody) {
		t.sess.log.Warn("SendBody out of phase dropped", "stream", t.id, "phase", t.egressPhase)
		return
	}
	t.egressPhase = api.EgressBody
	cp := append([]byte(nil), data...)
	t.segments = append(t.segments, segment{kind: segBody, data: cp})
	t.sess.txnEgressReady(t)
}

func (t *Transaction) SendChunkHeader(length int) {
	defer t.sess.begin()()
	if t.detached || (t.egressPhase != api.EgressHeadersSent && t.egressPhase != api.EgressBody) {
		return
	}
	t.egressPhase = api.EgressBody
	t.segments = append(t.segments, segment{kind: segChunkHeader, length: length})
	t.sess.txnEgressReady(t)
}

func (t *Transaction) SendChunkTerminator() {
	defer t.sess.begin()()
	if t.detached || t.egressPhase != api.EgressBody {
		return
	}
	t.segments = append(t.segments, segment{kind: segChunkTerminator})
	t.sess.txnEgressReady(t)
}

func (t *Transaction) SendTrailers(trailers api.Headers) {
	defer t.sess.begin()()
	if t.detached || (t.egressPhase != api.EgressHeadersSent && t.egressPhase != api.EgressBody) {
		return
	}
	t.segments = append(t.segments, segment{kind: segTrailers, trailers: trailers})
	t.sess.txnEgressReady(t)
}

func (t *Transaction) SendEOM() {
	defer t.sess.begin()()
	switch t.egressPhase {
	case api.EgressHeadersSent, api.EgressBody:
	default:
		t.sess.log.Warn("SendEOM out of phase dropped", "stream", t.id, "phase", t.egressPhase)
		return
	}
	if t.detached {
		return
	}
	t.egressPhase = api.EgressEOMSent
	t.segments = append(t.segments, segment{kind: segEOM})
	t.sess.txnEgressReady(t)
}

func (t *Transaction) SendAbort() {
	defer t.sess.begin()()
	t.abort(api.ErrCodeNone)
}

// abort resets the stream. Idempotent; a second call is a no-op.
func (t *Transaction) abort(code api.ErrorCode) {
	if t.detached || (t.ingressPhase == api.IngressAborted && t.egressPhase == api.EgressAborted) {
		return
	}
	t.abortLocal()
	t.sess.metrics.Inc(abortedMetric)
	if t.sess.windowed {
		t.sess.writeRst(t.id, code)
	} else {
		// A serial stream has no reset frame; the connection itself is
		// the only thing left to sacrifice.
		t.sess.serialBroken = true
	}
	t.maybeDetach()
}

func (t *Transaction) SetPriority(band, weight uint8) {
	defer t.sess.begin()()
	if t.egressStarted {
		return
	}
	t.band = band
	if weight == 0 {
		weight = 1
	}
	t.weight = weight
}

func (t *Transaction) PauseIngress() {
	if t.ingressPaused || t.detached {
		return
	}
	t.ingressPaused = true
	t.sess.ingressPauseChanged()
}

func (t *Transaction) ResumeIngress() {
	defer t.sess.begin()()
	if !t.ingressPaused {
		return
	}
	t.ingressPaused = false
	for len(t.buffered) > 0 && !t.ingressPaused && !t.detached {
		fn := t.buffered[0]
		t.buffered = t.buffered[1:]
		fn()
	}
	t.sess.ingressPauseChanged()
	t.maybeDetach()
}

func (t *Transaction) notifyEgressPaused() {
	if t.egressPausedSent || t.detached {
		return
	}
	t.egressPausedSent = true
	t.handler.OnEgressPaused()
}

func (t *Transaction) notifyEgressResumed() {
	if !t.egressPausedSent || t.detached {
		return
	}
	t.egressPausedSent = false
	t.handler.OnEgressResumed()
}

func (t *Transaction) onWriteTimeout() {
	if t.detached {
		return
	}
	t.sess.metrics.Inc(timeoutMetric)
	t.handler.OnError(api.NewStreamError(api.ErrCodeWriteTimeout, t.id, "egress stalled past write timeout"))
	// The handler gets first say; if it did not resolve the stall the
	// transaction is aborted on its behalf.
	if !t.detached && !t.terminated() {
		t.abort(api.ErrCodeWriteTimeout)
	}
}

// serializeTurn asks the codec to serialize queued segments into buf,
// spending at most budget body bytes. Body segments also debit the stream
// and connection egress windows; running out of either parks the
// transaction until a window update.
func (t *Transaction) serializeTurn(buf *bytes.Buffer, budget int) {
	s := t.sess
	for budget > 0 && len(t.segments) > 0 && !t.detached {
		seg := &t.segments[0]
		switch seg.kind {
		case segHeaders:
			s.codec.GenerateHeader(buf, t.id, seg.msg)
			t.popSegment()
		case segBody:
			n := len(seg.data)
			if n > budget {
				n = budget
			}
			if s.windowed {
				if a := t.sendWindow.Available(); n > a {
					n = a
				}
				if a := s.connSend.Available(); n > a {
					n = a
				}
				if n <= 0 {
					t.windowBlocked = true
					return
				}
			}
			written := s.codec.GenerateBody(buf, t.id, seg.data[:n])
			if s.windowed {
				if err := t.sendWindow.Consume(written); err != nil {
					s.streamProtocolError(t, api.NewStreamError(api.ErrCodeFlowControl, t.id, err.Error()))
					return
				}
				if err := s.connSend.Consume(written); err != nil {
					s.shutdownWithError(api.NewError(api.ErrCodeFlowControl, err.Error()))
					return
				}
			}
			budget -= written
			seg.data = seg.data[written:]
			if len(seg.data) == 0 {
				t.popSegment()
			}
		case segChunkHeader:
			s.codec.GenerateChunkHeader(buf, t.id, seg.length)
			t.popSegment()
		case segChunkTerminator:
			s.codec.GenerateChunkTerminator(buf, t.id)
			t.popSegment()
		case segTrailers:
			s.codec.GenerateTrailers(buf, t.id, seg.trailers)
			t.popSegment()
		case segEOM:
			s.codec.GenerateEOM(buf, t.id)
			t.popSegment()
			t.egressPhase = api.EgressDone
			t.maybeDetach()
			return
		}
	}
}

func (t *Transaction) popSegment() {
	t.segments = t.segments[1:]
	if len(t.segments) == 0 {
		t.segments = nil
	}
}
