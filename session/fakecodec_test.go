// File: session/fakecodec_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scenarios driven through the scriptable fake codec: event sequences that
// are awkward to produce with a real wire format.

package session_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/fake"
	"github.com/momentics/hioload-http/session"
)

func newFakeCodecSession(ctrl *testController, cfg session.Config) (*session.Session, *fake.Transport, *fake.Codec) {
	tr := fake.NewTransport()
	codec := fake.NewCodec()
	clk := fake.NewClock()
	s := session.New(tr, codec, ctrl, cfg, session.WithClock(clk), session.WithLogger(quietLogger()))
	s.Start()
	return s, tr, codec
}

func hasOpPrefix(codec *fake.Codec, prefix string) bool {
	for _, op := range codec.Ops {
		if strings.HasPrefix(op, prefix) {
			return true
		}
	}
	return false
}

func TestParseErrorWithoutTransactionStillResetsStream(t *testing.T) {
	ctrl := &testController{}
	_, tr, codec := newFakeCodecSession(ctrl, testConfig())

	codec.Callback().OnError(3, api.NewStreamError(api.ErrCodeParse, 3, "garbled frame"), true)

	assert.True(t, codec.HasOp("rst:3"))
	assert.Empty(t, ctrl.handlers)
	assert.False(t, tr.Closed())
}

func TestPeerInitialWindowAppliesToNewStreams(t *testing.T) {
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) { h.respond(200, strings.Repeat("x", 5000)) }
	}}
	_, _, codec := newFakeCodecSession(ctrl, testConfig())
	cb := codec.Callback()

	// The peer announces a small initial window before opening a stream.
	cb.OnSettings([]api.Setting{{ID: api.SettingInitialWindowSize, Value: 1000}})

	cb.OnMessageBegin(1)
	msg := &api.Message{Method: "GET", Headers: api.NewHeaders()}
	msg.SetURL("/")
	cb.OnHeadersComplete(1, msg)
	cb.OnMessageComplete(1, false)

	h := ctrl.handlers[0]
	assert.True(t, codec.HasOp("body:1:1000"), "egress stops at the stream window")
	assert.False(t, codec.HasOp("eom:1"))
	assert.Contains(t, h.events, "egress-paused")

	cb.OnWindowUpdate(1, 10000)
	assert.True(t, codec.HasOp("body:1:4000"))
	assert.True(t, codec.HasOp("eom:1"))
	assert.Contains(t, h.events, "egress-resumed")
	assert.Equal(t, 1, h.detached)
}

func TestIngressAcksCoalesceIntoWindowUpdates(t *testing.T) {
	ctrl := &testController{}
	_, _, codec := newFakeCodecSession(ctrl, testConfig())
	cb := codec.Callback()

	cb.OnMessageBegin(1)
	msg := &api.Message{Method: "POST", Headers: api.NewHeaders()}
	msg.SetURL("/upload")
	cb.OnHeadersComplete(1, msg)

	cb.OnBody(1, make([]byte, 20000))
	assert.False(t, hasOpPrefix(codec, "winupdate:"),
		"below half the window nothing is acked yet")

	cb.OnBody(1, make([]byte, 20000))
	assert.True(t, codec.HasOp("winupdate:1:40000"))
	assert.True(t, codec.HasOp("winupdate:0:40000"))
}

func TestRefusedStreamDataReturnsConnectionCredit(t *testing.T) {
	ctrl := &testController{}
	s, _, codec := newFakeCodecSession(ctrl, testConfig())
	cb := codec.Callback()

	// A live stream keeps the drain from closing the session.
	cb.OnMessageBegin(1)
	msg := &api.Message{Method: "POST", Headers: api.NewHeaders()}
	msg.SetURL("/upload")
	cb.OnHeadersComplete(1, msg)
	require.Len(t, ctrl.handlers, 1)

	s.NotifyPendingShutdown()
	cb.OnMessageBegin(3)
	assert.True(t, codec.HasOp("rst:3"), "new streams are refused while draining")

	// DATA already in flight for the refused stream: the bytes drop, but
	// the connection window credit has to come back or siblings stall.
	cb.OnBody(3, make([]byte, 40000))
	assert.True(t, codec.HasOp("winupdate:0:40000"))
	assert.False(t, hasOpPrefix(codec, "winupdate:3"), "no stream grant for a refused stream")
}

func TestUnknownStreamBodyIsDroppedAndCounted(t *testing.T) {
	ctrl := &testController{}
	m := control.NewMetricsRegistry()
	tr := fake.NewTransport()
	codec := fake.NewCodec()
	s := session.New(tr, codec, ctrl, testConfig(),
		session.WithClock(fake.NewClock()), session.WithLogger(quietLogger()),
		session.WithMetrics(m))
	s.Start()
	cb := codec.Callback()

	cb.OnMessageBegin(1)
	msg := &api.Message{Method: "POST", Headers: api.NewHeaders()}
	msg.SetURL("/upload")
	cb.OnHeadersComplete(1, msg)

	cb.OnBody(5, make([]byte, 40000))
	assert.Equal(t, int64(1), m.Get(control.MetricStrayIngress))
	assert.True(t, codec.HasOp("winupdate:0:40000"), "dropped bytes still return connection credit")
	assert.False(t, tr.Closed(), "stray data is not fatal")
}

func TestConnectionFlowControlViolationIsFatal(t *testing.T) {
	ctrl := &testController{}
	cfg := testConfig()
	_, tr, codec := newFakeCodecSession(ctrl, cfg)
	cb := codec.Callback()

	cb.OnMessageBegin(1)
	msg := &api.Message{Method: "POST", Headers: api.NewHeaders()}
	msg.SetURL("/upload")
	cb.OnHeadersComplete(1, msg)

	require.Len(t, ctrl.handlers, 1)
	cb.OnBody(1, make([]byte, int(cfg.ReceiveWindow)+1))

	h := ctrl.handlers[0]
	require.Len(t, h.errors, 1)
	assert.Equal(t, api.ErrCodeFlowControl, h.errors[0].Code)
	assert.True(t, tr.Closed())
}

func TestPeerGoawayDrainsIdleSession(t *testing.T) {
	ctrl := &testController{}
	s, tr, codec := newFakeCodecSession(ctrl, testConfig())

	codec.Callback().OnGoaway(0, api.ErrCodeNone)
	assert.True(t, tr.Closed(), "an idle session closes as soon as the peer drains")
	assert.Equal(t, api.SessionClosed, s.State())
	assert.Equal(t, 1, ctrl.detachedSessions)
}
