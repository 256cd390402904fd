// File: session/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session receives every transport and codec event for one connection and
// routes it: codec parse events to transactions, handler egress to the
// priority scheduler, scheduler turns to codec generation and transport
// writes. Reentrancy is handled with an in-use guard: teardown requested
// from inside a callback stack is deferred until the stack unwinds.

package session

import (
	"bytes"
	"log/slog"
	"net"
	"sort"

	"github.com/google/uuid"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/egress"
	"github.com/momentics/hioload-http/flowcontrol"
	"github.com/momentics/hioload-http/pool"
	"github.com/momentics/hioload-http/timeout"
)

const (
	abortedMetric = control.MetricTxnAborted
	timeoutMetric = control.MetricTimeouts
)

type pendingEventKind int

const (
	pevHeaders pendingEventKind = iota
	pevBody
	pevChunkHeader
	pevChunkComplete
	pevTrailers
	pevEOM
)

type pendingEvent struct {
	kind     pendingEventKind
	msg      *api.Message
	data     []byte
	length   int
	trailers api.Headers
}

// pendingStream buffers codec events for a stream that arrived while the
// concurrency limit was saturated; the events replay on admission.
type pendingStream struct {
	id     api.StreamID
	events []pendingEvent
	// bodyBytes tracks connection-window credit held by buffered DATA; it
	// is returned if the stream is dropped before admission.
	bodyBytes int
}

// Session drives one connection. It implements api.CodecCallback,
// api.TransportHandler and api.SessionInfo.
type Session struct {
	id         string
	transport  api.Transport
	codec      api.Codec
	controller api.Controller
	cfg        Config
	log        *slog.Logger
	metrics    *control.MetricsRegistry

	// windowed is true for parallel codecs, which carry wire-level flow
	// control; serial codecs get effectively unlimited windows.
	windowed bool
	serial   bool

	txns         map[api.StreamID]*Transaction
	pending      map[api.StreamID]*pendingStream
	pendingOrder []api.StreamID
	refused      map[api.StreamID]bool

	scheduler *egress.Scheduler[*Transaction]

	connSend          *flowcontrol.Window
	connRecv          *flowcontrol.Window
	connAckPending    int
	peerInitialWindow int
	peerMaxStreams    uint32

	readTimeouts    *timeout.Registry
	writeTimeouts   *timeout.Registry
	readTimer       *timeout.Timeout
	drainWriteTimer *timeout.Timeout

	inbuf     []byte
	parsing   bool
	pumping   bool
	admitting bool

	writesPaused  bool
	pendingWrites int

	state             api.DrainState
	lastIngressStream api.StreamID

	// Serial egress ordering: only the transaction at the gate may write;
	// later pipelined responses park until the gate advances.
	serialGate   api.StreamID
	serialBroken bool

	ingressEOF    bool
	inCallback    int
	closeRequested bool
	shuttingDown  bool
	destroyed     bool
	started       bool

	bufpool *pool.BufferPool
}

// Option customizes a Session at construction.
type Option func(*Session)

// WithLogger sets the structured logger; default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

// WithMetrics sets a shared metrics registry.
func WithMetrics(m *control.MetricsRegistry) Option { return func(s *Session) { s.metrics = m } }

// WithClock sets the clock driving both timeout registries.
func WithClock(c timeout.Clock) Option {
	return func(s *Session) {
		s.readTimeouts = timeout.NewRegistry(c, s.cfg.ReadTimeout)
		s.writeTimeouts = timeout.NewRegistry(c, s.cfg.WriteTimeout)
	}
}

// New wires a session over a transport/codec pair. The session registers
// itself as the transport handler and codec callback; call Start before
// delivering events.
func New(transport api.Transport, codec api.Codec, controller api.Controller, cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:                uuid.NewString(),
		transport:         transport,
		codec:             codec,
		controller:        controller,
		cfg:               cfg,
		txns:              make(map[api.StreamID]*Transaction),
		pending:           make(map[api.StreamID]*pendingStream),
		refused:           make(map[api.StreamID]bool),
		peerInitialWindow: DefaultInitialWindow,
		bufpool:           pool.NewBufferPool(cfg.PacketSize),
	}
	s.windowed = codec.SupportsParallelStreams()
	s.serial = !s.windowed
	s.scheduler = egress.New[*Transaction](codec.PriorityBandCount())
	if s.windowed {
		s.connSend = flowcontrol.New(DefaultInitialWindow)
		s.connRecv = flowcontrol.New(int(cfg.ReceiveWindow))
	} else {
		s.connSend = flowcontrol.New(serialWindow)
		s.connRecv = flowcontrol.New(serialWindow)
	}
	s.readTimeouts = timeout.NewRegistry(nil, cfg.ReadTimeout)
	s.writeTimeouts = timeout.NewRegistry(nil, cfg.WriteTimeout)
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = control.NewMetricsRegistry()
	}
	transport.SetHandler(s)
	codec.SetCallback(s)
	return s
}

// Start announces the session to the controller and performs the initial
// settings handshake on parallel codecs: advertise limits, and when the
// configured receive window exceeds the protocol default, grant the peer
// the difference on the connection scope.
func (s *Session) Start() {
	defer s.begin()()
	if s.started {
		return
	}
	s.started = true
	s.controller.AttachSession(s)
	s.metrics.Inc(control.MetricSessionsAccepted)

	es := s.codec.EgressSettings()
	es.Set(api.SettingMaxConcurrentStreams, s.cfg.MaxConcurrentStreams)
	es.Set(api.SettingInitialWindowSize, s.cfg.ReceiveWindow)
	if s.windowed {
		s.writeControl(func(w *bytes.Buffer) {
			s.codec.GenerateSettings(w)
			if delta := int(s.cfg.ReceiveWindow) - DefaultInitialWindow; delta > 0 {
				s.codec.GenerateWindowUpdate(w, 0, delta)
			}
		})
	}
	s.log.Debug("session started", "id", s.id, "peer", s.transport.RemoteAddr().String())
}

// SessionInfo surface.

func (s *Session) ID() string           { return s.id }
func (s *Session) LocalAddr() net.Addr  { return s.transport.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.transport.RemoteAddr() }

func (s *Session) State() api.DrainState { return s.state }

// NotifyPendingShutdown starts a graceful drain: parallel codecs announce
// it with GOAWAY, serial codecs flag subsequent responses to defeat
// keep-alive. In-flight transactions run to completion.
func (s *Session) NotifyPendingShutdown() {
	defer s.begin()()
	if s.state != api.SessionRunning || s.destroyed {
		return
	}
	s.state = api.SessionPendingShutdown
	s.log.Info("session draining", "id", s.id, "streams", len(s.txns))
	if s.windowed {
		last := s.lastIngressStream
		s.writeControl(func(w *bytes.Buffer) {
			s.codec.GenerateGoaway(w, last, api.ErrCodeNone)
		})
	} else {
		s.codec.NotifyDraining()
	}
}

// begin is the reentrancy guard around every external entry point. The
// returned finish func runs the egress pump and timer bookkeeping at the
// outermost frame only, then performs destruction if one was requested
// while the stack was live.
func (s *Session) begin() func() {
	s.inCallback++
	return func() {
		if s.inCallback == 1 && !s.destroyed && !s.closeRequested {
			s.pump()
			s.updateTimers()
			s.maybeClose()
		}
		s.inCallback--
		if s.inCallback == 0 && s.closeRequested && !s.destroyed {
			s.destroy()
		}
	}
}

func (s *Session) sortedTxns() []*Transaction {
	out := make([]*Transaction, 0, len(s.txns))
	for _, t := range s.txns {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Transport handler surface.

func (s *Session) OnBytes(b []byte) {
	defer s.begin()()
	if s.destroyed || s.closeRequested {
		return
	}
	if s.readTimer != nil && s.readTimer.Scheduled() {
		s.readTimer.Refresh()
	}
	s.inbuf = append(s.inbuf, b...)
	s.parse()
}

func (s *Session) OnEOF() {
	defer s.begin()()
	if s.destroyed || s.closeRequested {
		return
	}
	s.ingressEOF = true
	s.codec.OnIngressEOF()
}

func (s *Session) OnTransportError(err error) {
	defer s.begin()()
	s.shutdownWithError(api.NewError(api.ErrCodeTransport, err.Error()))
}

func (s *Session) OnWritesPaused() {
	defer s.begin()()
	s.writesPaused = true
	for _, t := range s.sortedTxns() {
		if t.hasEgress() {
			t.notifyEgressPaused()
		}
	}
}

func (s *Session) OnWritesResumed() {
	defer s.begin()()
	s.writesPaused = false
	for _, t := range s.sortedTxns() {
		if !t.windowBlocked {
			t.notifyEgressResumed()
		}
	}
}

// Tick fires expired timeouts. Read timeouts fire before write timeouts
// when both expire in the same tick.
func (s *Session) Tick() {
	defer s.begin()()
	if s.destroyed {
		return
	}
	s.readTimeouts.Tick()
	s.writeTimeouts.Tick()
}

// parse feeds buffered ingress to the codec until it stops making
// progress. On serial codecs a handler-paused stream stalls the whole
// connection, so parsing pauses with it.
func (s *Session) parse() {
	if s.parsing {
		return
	}
	s.parsing = true
	defer func() { s.parsing = false }()
	for len(s.inbuf) > 0 && !s.destroyed && !s.closeRequested {
		if s.serial && s.anyIngressPaused() {
			return
		}
		n := s.codec.OnIngress(s.inbuf)
		if n == 0 {
			return
		}
		s.inbuf = s.inbuf[n:]
	}
	if len(s.inbuf) == 0 {
		s.inbuf = nil
	}
}

// kickIngress re-attempts parsing after a state change unstalled the
// codec (upgrade decision, resumed stream).
func (s *Session) kickIngress() {
	if s.destroyed || s.closeRequested {
		return
	}
	s.parse()
}

func (s *Session) anyIngressPaused() bool {
	for _, t := range s.txns {
		if t.ingressPaused {
			return true
		}
	}
	return false
}

func (s *Session) ingressPauseChanged() {
	if !s.serial || s.destroyed {
		return
	}
	if s.anyIngressPaused() {
		s.transport.PauseReads()
	} else {
		s.transport.ResumeReads()
		s.kickIngress()
	}
}

// Codec callback surface.

func (s *Session) OnMessageBegin(id api.StreamID) {
	defer s.begin()()
	if s.destroyed || s.closeRequested {
		return
	}
	if id > s.lastIngressStream {
		s.lastIngressStream = id
	}
	if s.state != api.SessionRunning {
		// Draining sessions admit nothing new. Parallel peers get told
		// per stream; serial pipelined requests ride out on the codec's
		// connection-close flagging.
		if s.windowed {
			s.refused[id] = true
			s.writeRst(id, api.ErrCodeNone)
			return
		}
	}
	if len(s.txns) >= int(s.cfg.MaxConcurrentStreams) {
		s.deferStream(id)
		return
	}
	s.admitStream(id)
}

func (s *Session) deferStream(id api.StreamID) {
	if len(s.pendingOrder) >= int(s.cfg.MaxConcurrentStreams) {
		// Deferral can no longer make progress; last-resort hard cap.
		if s.windowed {
			s.refused[id] = true
			s.writeRst(id, api.ErrCodeConcurrencyLimit)
			return
		}
		s.shutdownWithError(api.NewError(api.ErrCodeConcurrencyLimit, "pipelined requests exceed concurrency limit"))
		return
	}
	s.metrics.Inc(control.MetricTxnDeferred)
	s.pending[id] = &pendingStream{id: id}
	s.pendingOrder = append(s.pendingOrder, id)
}

func (s *Session) admitStream(id api.StreamID) {
	h := s.controller.GetRequestHandler(s, s.transport.RemoteAddr())
	t := newTransaction(s, id, h)
	s.txns[id] = t
	s.metrics.Inc(control.MetricTxnCreated)
	if s.serial && s.serialGate == 0 {
		s.serialGate = id
	}
	h.SetTransaction(t)
}

// admitPending replays deferred streams while capacity allows. A replayed
// stream can complete synchronously and re-enter through detachTxn, so
// the loop is guarded against recursion.
func (s *Session) admitPending() {
	if s.admitting {
		return
	}
	s.admitting = true
	defer func() { s.admitting = false }()
	if s.state != api.SessionRunning {
		for _, id := range s.pendingOrder {
			if p := s.pending[id]; p != nil {
				s.ackConnIngress(p.bodyBytes)
			}
			delete(s.pending, id)
			if s.windowed {
				s.writeRst(id, api.ErrCodeNone)
			}
		}
		s.pendingOrder = nil
		return
	}
	for len(s.pendingOrder) > 0 && len(s.txns) < int(s.cfg.MaxConcurrentStreams) && !s.destroyed {
		id := s.pendingOrder[0]
		s.pendingOrder = s.pendingOrder[1:]
		p := s.pending[id]
		delete(s.pending, id)
		s.admitStream(id)
		t := s.txns[id]
		for i, ev := range p.events {
			if t.detached || s.destroyed {
				for _, rem := range p.events[i:] {
					if rem.kind == pevBody {
						s.ackConnIngress(len(rem.data))
					}
				}
				break
			}
			s.replayEvent(t, ev)
		}
	}
}

func (s *Session) replayEvent(t *Transaction, ev pendingEvent) {
	switch ev.kind {
	case pevHeaders:
		t.onIngressHeaders(ev.msg)
	case pevBody:
		if s.windowed {
			if err := t.recvWindow.Consume(len(ev.data)); err != nil {
				s.streamProtocolError(t, api.NewStreamError(api.ErrCodeFlowControl, t.id, err.Error()))
				s.ackConnIngress(len(ev.data))
				return
			}
		}
		t.onIngressBody(ev.data)
	case pevChunkHeader:
		t.onIngressChunkHeader(ev.length)
	case pevChunkComplete:
		t.onIngressChunkComplete()
	case pevTrailers:
		t.onIngressTrailers(ev.trailers)
	case pevEOM:
		t.onIngressEOM()
	}
}

func (s *Session) bufferPending(id api.StreamID, ev pendingEvent) bool {
	p, ok := s.pending[id]
	if !ok {
		return false
	}
	p.events = append(p.events, ev)
	return true
}

func (s *Session) OnHeadersComplete(id api.StreamID, msg *api.Message) {
	defer s.begin()()
	if s.destroyed || s.refused[id] {
		return
	}
	if s.bufferPending(id, pendingEvent{kind: pevHeaders, msg: msg}) {
		return
	}
	if t := s.txns[id]; t != nil {
		t.onIngressHeaders(msg)
	} else {
		s.log.Debug("headers for unknown stream dropped", "id", s.id, "stream", id)
		s.metrics.Inc(control.MetricStrayIngress)
	}
}

func (s *Session) OnBody(id api.StreamID, data []byte) {
	defer s.begin()()
	if s.destroyed {
		return
	}
	n := len(data)
	if s.windowed {
		if err := s.connRecv.Consume(n); err != nil {
			s.shutdownWithError(api.NewError(api.ErrCodeFlowControl, err.Error()))
			return
		}
	}
	if s.refused[id] {
		// The peer debited its connection window before it saw the reset;
		// the bytes are dropped but the credit goes straight back.
		s.ackConnIngress(n)
		return
	}
	if p, ok := s.pending[id]; ok {
		cp := append([]byte(nil), data...)
		p.events = append(p.events, pendingEvent{kind: pevBody, data: cp})
		p.bodyBytes += n
		return
	}
	t := s.txns[id]
	if t == nil {
		s.log.Debug("body for unknown stream dropped", "id", s.id, "stream", id, "bytes", n)
		s.metrics.Inc(control.MetricStrayIngress)
		s.ackConnIngress(n)
		return
	}
	if s.windowed {
		if err := t.recvWindow.Consume(n); err != nil {
			s.streamProtocolError(t, api.NewStreamError(api.ErrCodeFlowControl, t.id, err.Error()))
			s.ackConnIngress(n)
			return
		}
	}
	t.onIngressBody(data)
}

func (s *Session) OnChunkHeader(id api.StreamID, length int) {
	defer s.begin()()
	if s.destroyed || s.refused[id] {
		return
	}
	if s.bufferPending(id, pendingEvent{kind: pevChunkHeader, length: length}) {
		return
	}
	if t := s.txns[id]; t != nil {
		t.onIngressChunkHeader(length)
	}
}

func (s *Session) OnChunkComplete(id api.StreamID) {
	defer s.begin()()
	if s.destroyed || s.refused[id] {
		return
	}
	if s.bufferPending(id, pendingEvent{kind: pevChunkComplete}) {
		return
	}
	if t := s.txns[id]; t != nil {
		t.onIngressChunkComplete()
	}
}

func (s *Session) OnTrailersComplete(id api.StreamID, trailers api.Headers) {
	defer s.begin()()
	if s.destroyed || s.refused[id] {
		return
	}
	if s.bufferPending(id, pendingEvent{kind: pevTrailers, trailers: trailers}) {
		return
	}
	if t := s.txns[id]; t != nil {
		t.onIngressTrailers(trailers)
	}
}

func (s *Session) OnMessageComplete(id api.StreamID, upgraded bool) {
	defer s.begin()()
	if s.destroyed {
		return
	}
	if s.refused[id] {
		delete(s.refused, id)
		return
	}
	if s.bufferPending(id, pendingEvent{kind: pevEOM}) {
		return
	}
	if t := s.txns[id]; t != nil {
		t.onIngressEOM()
	}
}

func (s *Session) OnError(id api.StreamID, err *api.Error, ingress bool) {
	defer s.begin()()
	if s.destroyed {
		return
	}
	s.metrics.Inc(control.MetricParseErrors)
	if s.windowed && id != 0 {
		if t := s.txns[id]; t != nil {
			t.handler.OnError(err)
			t.abort(err.Code)
			return
		}
		// No live transaction: the peer is still told to stop.
		if _, ok := s.pending[id]; ok {
			s.dropPending(id)
		}
		s.writeRst(id, err.Code)
		return
	}
	s.shutdownWithError(err)
}

func (s *Session) dropPending(id api.StreamID) {
	if p, ok := s.pending[id]; ok {
		s.ackConnIngress(p.bodyBytes)
	}
	delete(s.pending, id)
	for i, pid := range s.pendingOrder {
		if pid == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) OnAbort(id api.StreamID, code api.ErrorCode) {
	defer s.begin()()
	if s.destroyed {
		return
	}
	if _, ok := s.pending[id]; ok {
		s.dropPending(id)
		return
	}
	if t := s.txns[id]; t != nil {
		t.onPeerAbort(code)
	}
}

func (s *Session) OnWindowUpdate(id api.StreamID, delta int) {
	defer s.begin()()
	if s.destroyed || !s.windowed {
		return
	}
	if id == 0 {
		resumed, err := s.connSend.Grant(delta)
		if err != nil {
			s.shutdownWithError(api.NewError(api.ErrCodeFlowControl, err.Error()))
			return
		}
		if resumed {
			s.resumeWindowBlocked()
		}
		return
	}
	t := s.txns[id]
	if t == nil {
		// Updates racing a completed stream are harmless.
		return
	}
	resumed, err := t.sendWindow.Grant(delta)
	if err != nil {
		s.streamProtocolError(t, api.NewStreamError(api.ErrCodeFlowControl, t.id, err.Error()))
		return
	}
	if resumed && t.windowBlocked && s.connSend.Available() > 0 {
		t.windowBlocked = false
		t.notifyEgressResumed()
		s.txnEgressReady(t)
	}
}

func (s *Session) resumeWindowBlocked() {
	for _, t := range s.sortedTxns() {
		if t.windowBlocked && t.sendWindow.Available() > 0 {
			t.windowBlocked = false
			t.notifyEgressResumed()
			s.txnEgressReady(t)
		}
	}
}

func (s *Session) OnSettings(settings []api.Setting) {
	defer s.begin()()
	if s.destroyed {
		return
	}
	for _, set := range settings {
		switch set.ID {
		case api.SettingInitialWindowSize:
			nv := int(set.Value)
			delta := nv - s.peerInitialWindow
			s.peerInitialWindow = nv
			if !s.windowed || delta == 0 {
				continue
			}
			// The new initial size re-bases every live stream window; a
			// shrink can push streams negative until they drain.
			for _, t := range s.sortedTxns() {
				resumed, err := t.sendWindow.Grant(delta)
				if err != nil {
					s.streamProtocolError(t, api.NewStreamError(api.ErrCodeFlowControl, t.id, err.Error()))
					continue
				}
				if resumed && t.windowBlocked && s.connSend.Available() > 0 {
					t.windowBlocked = false
					t.notifyEgressResumed()
					s.txnEgressReady(t)
				}
			}
		case api.SettingMaxConcurrentStreams:
			s.peerMaxStreams = set.Value
		}
	}
}

func (s *Session) OnGoaway(lastGoodStream api.StreamID, code api.ErrorCode) {
	defer s.begin()()
	if s.destroyed {
		return
	}
	s.log.Info("goaway received", "id", s.id, "lastStream", uint32(lastGoodStream), "code", code.String())
	if s.state == api.SessionRunning {
		s.state = api.SessionPendingShutdown
	}
}

// streamProtocolError resolves a stream-attributable failure: isolated
// abort on parallel codecs, connection teardown on serial ones.
func (s *Session) streamProtocolError(t *Transaction, err *api.Error) {
	if s.destroyed || t.detached {
		return
	}
	if s.windowed {
		t.handler.OnError(err)
		t.abort(err.Code)
		return
	}
	s.shutdownWithError(err)
}

// ackIngress returns window credit once bytes reached the handler and
// emits a window update when half the window is pending acknowledgement.
func (s *Session) ackIngress(t *Transaction, n int) {
	if !s.windowed || n == 0 || s.destroyed {
		return
	}
	if err := t.recvWindow.ReturnCredit(n); err == nil {
		t.ackPending += n
		if t.ackPending*2 >= t.recvWindow.Granted() && !t.ingressTerminal() {
			s.writeWindowUpdate(t.id, t.ackPending)
			t.ackPending = 0
		}
	}
	s.ackConnIngress(n)
}

// ackConnIngress returns connection-scope credit for ingress bytes that
// were consumed against the connection window but will never be delivered
// through a transaction: bodies for refused, unknown or dropped-pending
// streams. The peer debited its send window for them, so skipping the
// credit would desynchronize the windows for every sibling stream.
func (s *Session) ackConnIngress(n int) {
	if !s.windowed || n == 0 || s.destroyed {
		return
	}
	if err := s.connRecv.ReturnCredit(n); err == nil {
		s.connAckPending += n
		if s.connAckPending*2 >= s.connRecv.Granted() {
			s.writeWindowUpdate(0, s.connAckPending)
			s.connAckPending = 0
		}
	}
}

// Egress side.

// txnEgressReady schedules t for an egress turn. On serial codecs only
// the transaction at the gate may write; later pipelined responses park
// until their turn.
func (s *Session) txnEgressReady(t *Transaction) {
	if t.detached || !t.hasEgress() || t.windowBlocked || s.destroyed {
		return
	}
	if s.serial && t.id != s.serialGate {
		t.parked = true
		return
	}
	t.parked = false
	s.scheduler.Enqueue(t, t.band, t.weight)
}

// pump drains the scheduler: one bounded packet per turn until the
// transport pushes back or nothing is runnable.
func (s *Session) pump() {
	if s.pumping || s.destroyed || s.closeRequested {
		return
	}
	s.pumping = true
	defer func() { s.pumping = false }()
	for !s.writesPaused && !s.destroyed && !s.closeRequested {
		t, ok := s.scheduler.Next()
		if !ok {
			return
		}
		s.egressTurn(t)
	}
}

func (s *Session) egressTurn(t *Transaction) {
	buf := s.bufpool.Get()
	t.serializeTurn(buf, s.cfg.PacketSize)
	if buf.Len() > 0 {
		s.write(buf)
	} else {
		s.bufpool.Put(buf)
	}
	if !t.detached && t.hasEgress() && !t.windowBlocked && !s.scheduler.IsQueued(t) {
		s.scheduler.Enqueue(t, t.band, t.weight)
	}
	if t.windowBlocked {
		s.scheduler.Remove(t)
		t.notifyEgressPaused()
	}
}

func (s *Session) writeControl(fn func(*bytes.Buffer)) {
	buf := s.bufpool.Get()
	fn(buf)
	if buf.Len() == 0 {
		s.bufpool.Put(buf)
		return
	}
	s.write(buf)
}

func (s *Session) writeRst(id api.StreamID, code api.ErrorCode) {
	s.writeControl(func(w *bytes.Buffer) { s.codec.GenerateRstStream(w, id, code) })
}

func (s *Session) writeWindowUpdate(id api.StreamID, delta int) {
	s.writeControl(func(w *bytes.Buffer) { s.codec.GenerateWindowUpdate(w, id, delta) })
}

func (s *Session) write(buf *bytes.Buffer) {
	data := buf.Bytes()
	s.pendingWrites++
	s.metrics.Add(control.MetricBytesWritten, int64(len(data)))
	s.transport.Write(data, func(werr error) {
		finish := s.begin()
		defer finish()
		s.pendingWrites--
		s.bufpool.Put(buf)
		if werr != nil && !s.destroyed {
			s.shutdownWithError(api.NewError(api.ErrCodeTransport, werr.Error()))
		}
	})
}

// Lifecycle.

func (s *Session) detachTxn(t *Transaction) {
	delete(s.txns, t.id)
	s.scheduler.Remove(t)
	if s.serial {
		if t.id == s.serialGate {
			s.serialGate++
			if nt := s.txns[s.serialGate]; nt != nil && nt.parked {
				nt.parked = false
				s.txnEgressReady(nt)
			}
		}
		if s.serialBroken {
			s.requestClose()
			return
		}
	}
	s.admitPending()
}

func (s *Session) updateTimers() {
	s.updateReadTimer()
	s.updateWriteTimers()
}

// needReadTimer: armed while some stream still owes us ingress, or while
// the connection sits idle. Explicitly not armed when every live stream
// is blocked purely on egress window; that stall belongs to the write
// timer.
func (s *Session) needReadTimer() bool {
	if s.destroyed || s.closeRequested || s.ingressEOF {
		return false
	}
	if len(s.txns) == 0 && len(s.pending) == 0 {
		return s.state == api.SessionRunning
	}
	if len(s.pending) > 0 {
		return true
	}
	for _, t := range s.txns {
		if !t.ingressTerminal() && !t.ingressPaused {
			return true
		}
	}
	return false
}

func (s *Session) updateReadTimer() {
	if s.needReadTimer() {
		if s.readTimer == nil || !s.readTimer.Scheduled() {
			s.readTimer = s.readTimeouts.Schedule(s.onReadTimeout)
		}
		return
	}
	if s.readTimer != nil {
		s.readTimer.Cancel()
	}
}

func (s *Session) updateWriteTimers() {
	for _, t := range s.txns {
		stalled := t.hasEgress() && (s.writesPaused || t.windowBlocked || t.parked)
		if stalled {
			if t.writeTimer == nil || !t.writeTimer.Scheduled() {
				txn := t
				t.writeTimer = s.writeTimeouts.Schedule(txn.onWriteTimeout)
			}
		} else if t.writeTimer != nil {
			t.writeTimer.Cancel()
		}
	}
	// Shutdown-time writes that never drain get their own deadline.
	drainStalled := len(s.txns) == 0 && s.pendingWrites > 0
	if drainStalled {
		if s.drainWriteTimer == nil || !s.drainWriteTimer.Scheduled() {
			s.drainWriteTimer = s.writeTimeouts.Schedule(s.onWriteDrainTimeout)
		}
	} else if s.drainWriteTimer != nil {
		s.drainWriteTimer.Cancel()
	}
}

func (s *Session) onReadTimeout() {
	s.metrics.Inc(timeoutMetric)
	if len(s.txns) == 0 && len(s.pending) == 0 {
		s.log.Debug("idle session timed out", "id", s.id)
		s.requestClose()
		return
	}
	if !s.windowed {
		s.shutdownWithError(api.NewError(api.ErrCodeReadTimeout, "ingress stalled past read timeout"))
		return
	}
	for _, t := range s.sortedTxns() {
		if !t.ingressTerminal() && !t.detached {
			t.handler.OnError(api.NewStreamError(api.ErrCodeReadTimeout, t.id, "ingress stalled past read timeout"))
			t.abort(api.ErrCodeReadTimeout)
		}
	}
	for _, id := range s.pendingOrder {
		if p := s.pending[id]; p != nil {
			s.ackConnIngress(p.bodyBytes)
		}
		delete(s.pending, id)
		s.writeRst(id, api.ErrCodeReadTimeout)
	}
	s.pendingOrder = nil
}

func (s *Session) onWriteDrainTimeout() {
	s.metrics.Inc(timeoutMetric)
	s.shutdownWithError(api.NewError(api.ErrCodeWriteTimeout, "pending writes stalled past write timeout"))
}

func (s *Session) maybeClose() {
	if s.destroyed || s.closeRequested {
		return
	}
	if len(s.txns) > 0 || len(s.pendingOrder) > 0 || s.pendingWrites > 0 {
		return
	}
	done := s.ingressEOF || s.state != api.SessionRunning || !s.codec.IsReusable() || s.serialBroken
	if !done {
		return
	}
	if s.state != api.SessionClosed {
		s.state = api.SessionDraining
	}
	s.requestClose()
}

// shutdownWithError is the connection-fatal path: every live transaction
// is notified and detached, then the transport is torn down.
func (s *Session) shutdownWithError(err *api.Error) {
	if s.destroyed || s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.log.Error("session shutdown", "id", s.id, "code", err.Code.String(), "err", err.Message)
	for _, t := range s.sortedTxns() {
		t.forceDetach(err)
	}
	s.txns = make(map[api.StreamID]*Transaction)
	s.pending = make(map[api.StreamID]*pendingStream)
	s.pendingOrder = nil
	s.requestClose()
}

// forceDetach tears one transaction down during connection shutdown.
func (t *Transaction) forceDetach(err *api.Error) {
	if t.detached {
		return
	}
	t.ingressPhase = api.IngressAborted
	t.egressPhase = api.EgressAborted
	t.segments = nil
	t.buffered = nil
	if t.writeTimer != nil {
		t.writeTimer.Cancel()
	}
	t.detached = true
	if err != nil {
		t.handler.OnError(err)
	}
	t.handler.DetachTransaction()
}

func (s *Session) requestClose() {
	s.closeRequested = true
	if s.inCallback == 0 {
		s.destroy()
	}
}

func (s *Session) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.state = api.SessionClosed
	for _, t := range s.sortedTxns() {
		t.forceDetach(nil)
	}
	s.txns = make(map[api.StreamID]*Transaction)
	s.pending = make(map[api.StreamID]*pendingStream)
	s.pendingOrder = nil
	if s.readTimer != nil {
		s.readTimer.Cancel()
	}
	if s.drainWriteTimer != nil {
		s.drainWriteTimer.Cancel()
	}
	s.transport.CloseNow()
	s.controller.DetachSession(s)
	s.metrics.Inc(control.MetricSessionsClosed)
	s.log.Debug("session closed", "id", s.id)
}
