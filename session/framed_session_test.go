// File: session/framed_session_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Parallel-codec session scenarios: flow control, priorities, deferred
// admission and drain over the framed codec. A client-direction codec
// decodes everything the session wrote to the fake transport.

package session_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/codec/framed"
	"github.com/momentics/hioload-http/fake"
	"github.com/momentics/hioload-http/session"
)

// framedClient plays the remote peer: it generates request frames for the
// session and decodes the session's output back into codec events.
type framedClient struct {
	tr    *fake.Transport
	codec *framed.Codec
	rec   *fake.CodecEvents
	read  int
}

func newFramedSession(ctrl *testController, cfg session.Config) (*session.Session, *framedClient, *fake.Clock) {
	tr := fake.NewTransport()
	clk := fake.NewClock()
	s := session.New(tr, framed.NewServerCodec(), ctrl, cfg,
		session.WithClock(clk), session.WithLogger(quietLogger()))
	s.Start()

	fc := &framedClient{tr: tr, codec: framed.NewClientCodec(), rec: fake.NewCodecEvents()}
	fc.codec.SetCallback(fc.rec)
	return s, fc, clk
}

// decode runs the session's unread output through the client codec.
func (fc *framedClient) decode() *fake.CodecEvents {
	out := fc.tr.Written()
	n := fc.codec.OnIngress(out[fc.read:])
	fc.read += n
	return fc.rec
}

func (fc *framedClient) request(id api.StreamID, band, weight uint8, fin bool) {
	msg := &api.Message{Method: "GET", Headers: api.NewHeaders(), Priority: band, Weight: weight}
	msg.SetURL("/")
	msg.Headers.Add("host", "example.com")
	var w bytes.Buffer
	fc.codec.GenerateHeader(&w, id, msg)
	if fin {
		fc.codec.GenerateEOM(&w, id)
	}
	fc.tr.DeliverBytes(w.Bytes())
}

func (fc *framedClient) data(id api.StreamID, body []byte, fin bool) {
	var w bytes.Buffer
	if len(body) > 0 {
		fc.codec.GenerateBody(&w, id, body)
	}
	if fin {
		fc.codec.GenerateEOM(&w, id)
	}
	fc.tr.DeliverBytes(w.Bytes())
}

func (fc *framedClient) windowUpdate(id api.StreamID, delta int) {
	var w bytes.Buffer
	fc.codec.GenerateWindowUpdate(&w, id, delta)
	fc.tr.DeliverBytes(w.Bytes())
}

func (fc *framedClient) rst(id api.StreamID, code api.ErrorCode) {
	var w bytes.Buffer
	fc.codec.GenerateRstStream(&w, id, code)
	fc.tr.DeliverBytes(w.Bytes())
}

// eventIndex returns the position of the first event matching prefix, or -1.
func eventIndex(events []string, prefix string) int {
	for i, e := range events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func TestFramedSessionAdvertisesSettingsAndWindow(t *testing.T) {
	ctrl := &testController{}
	cfg := testConfig()
	cfg.ReceiveWindow = 131072
	_, fc, _ := newFramedSession(ctrl, cfg)

	rec := fc.decode()
	assert.Contains(t, rec.Events, "settings")
	assert.Contains(t, rec.Events, "winupdate:0:65536",
		"receive window above the default is advertised as a connection grant")
}

func TestFramedRequestResponseRoundTrip(t *testing.T) {
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) { h.respond(200, "hello") }
	}}
	_, fc, _ := newFramedSession(ctrl, testConfig())

	fc.request(1, 0, 1, true)
	require.Len(t, ctrl.handlers, 1)
	assert.Equal(t, 1, ctrl.handlers[0].detached)

	rec := fc.decode()
	require.NotNil(t, rec.Messages[1])
	assert.Equal(t, 200, rec.Messages[1].StatusCode)
	assert.Equal(t, []byte("hello"), rec.Bodies[1])
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
	assert.False(t, fc.tr.Closed(), "parallel sessions stay open between requests")
}

func TestFramedPriorityBandsDrainInOrder(t *testing.T) {
	const bodySize = 12 * 1024
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) {
			h.respond(200, strings.Repeat("x", bodySize))
		}
	}}
	_, fc, _ := newFramedSession(ctrl, testConfig())

	// Both streams arrive in one read event so their responses compete:
	// low priority first on the wire, high priority second.
	var w bytes.Buffer
	for _, req := range []struct {
		id   api.StreamID
		band uint8
	}{{1, 7}, {3, 0}} {
		msg := &api.Message{Method: "GET", Headers: api.NewHeaders(), Priority: req.band, Weight: 1}
		msg.SetURL("/")
		msg.Headers.Add("host", "example.com")
		fc.codec.GenerateHeader(&w, req.id, msg)
		fc.codec.GenerateEOM(&w, req.id)
	}
	fc.tr.DeliverBytes(w.Bytes())
	require.Len(t, ctrl.handlers, 2)

	rec := fc.decode()
	assert.Equal(t, bodySize, len(rec.Bodies[1]))
	assert.Equal(t, bodySize, len(rec.Bodies[3]))
	assert.Less(t, eventIndex(rec.Events, "complete:3"), eventIndex(rec.Events, "headers:1"),
		"band 0 drains completely before band 7 starts")
}

func TestFramedParseErrorIsIsolatedToStream(t *testing.T) {
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) { h.respond(200, "ok") }
	}}
	_, fc, _ := newFramedSession(ctrl, testConfig())

	fc.request(1, 0, 1, true)

	// SYN for stream 3 whose header block claims pairs it does not carry.
	payload := []byte{0, 1, 0, 9}
	frame := make([]byte, 10)
	frame[0] = framed.FrameSyn
	frame[5] = 3
	frame[9] = byte(len(payload))
	fc.tr.DeliverBytes(append(frame, payload...))

	require.Len(t, ctrl.handlers, 1)
	rec := fc.decode()
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
	assert.Contains(t, rec.Events, "abort:3", "broken stream is reset")
	assert.False(t, fc.tr.Closed(), "other streams are unaffected")

	// The connection still accepts new streams.
	fc.request(5, 0, 1, true)
	require.Len(t, ctrl.handlers, 2)
	assert.Contains(t, fc.decode().Completed, api.StreamID(5))
}

func TestFramedConcurrencyLimitDefersStreams(t *testing.T) {
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) { h.respond(200, "ok") }
	}}
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	_, fc, _ := newFramedSession(ctrl, cfg)

	fc.request(1, 0, 1, false)
	fc.request(3, 0, 1, true)
	require.Len(t, ctrl.handlers, 1, "second stream waits for capacity")

	// Finishing stream 1 admits the deferred stream with its buffered events.
	fc.data(1, nil, true)
	require.Len(t, ctrl.handlers, 2)
	assert.Equal(t, 1, ctrl.handlers[1].detached)

	rec := fc.decode()
	assert.ElementsMatch(t, []api.StreamID{1, 3}, rec.Completed)
}

func TestFramedEgressObeysFlowControl(t *testing.T) {
	const bodySize = 100 * 1024
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) {
			h.respond(200, strings.Repeat("x", bodySize))
		}
	}}
	_, fc, _ := newFramedSession(ctrl, testConfig())

	fc.request(1, 0, 1, true)
	h := ctrl.handlers[0]

	rec := fc.decode()
	assert.Equal(t, 65536, len(rec.Bodies[1]), "egress stops at the initial window")
	assert.Contains(t, h.events, "egress-paused")
	assert.Zero(t, h.detached)

	// Stream credit alone is not enough while the connection window is dry.
	fc.windowUpdate(1, 40000)
	assert.Equal(t, 65536, len(fc.decode().Bodies[1]))

	fc.windowUpdate(0, 40000)
	rec = fc.decode()
	assert.Equal(t, bodySize, len(rec.Bodies[1]))
	assert.Contains(t, h.events, "egress-resumed")
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
	assert.Equal(t, 1, h.detached)
}

func TestFramedWindowStallTriggersWriteTimeoutNotReadTimeout(t *testing.T) {
	const bodySize = 100 * 1024
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) {
			h.respond(200, strings.Repeat("x", bodySize))
		}
	}}
	s, fc, clk := newFramedSession(ctrl, testConfig())

	fc.request(1, 0, 1, true)
	h := ctrl.handlers[0]
	assert.Contains(t, h.events, "egress-paused")

	clk.Advance(6 * time.Second)
	s.Tick()

	require.Len(t, h.errors, 1)
	assert.Equal(t, api.ErrCodeWriteTimeout, h.errors[0].Code,
		"a window-starved stream is a write stall, not an idle peer")
	assert.Equal(t, 1, h.detached)
	assert.Contains(t, fc.decode().Events, "abort:1")
	assert.False(t, fc.tr.Closed(), "the connection survives one starved stream")
}

func TestFramedPeerAbortNotifiesHandler(t *testing.T) {
	ctrl := &testController{}
	_, fc, _ := newFramedSession(ctrl, testConfig())

	fc.request(1, 0, 1, false)
	require.Len(t, ctrl.handlers, 1)
	h := ctrl.handlers[0]

	fc.rst(1, api.ErrCodeProtocol)
	require.Len(t, h.errors, 1)
	assert.Equal(t, api.ErrCodeProtocol, h.errors[0].Code)
	assert.Equal(t, 1, h.detached)
	assert.False(t, fc.tr.Closed())
}

func TestFramedDrainSendsGoawayAndRefusesNewStreams(t *testing.T) {
	ctrl := &testController{configure: func(h *testHandler) {
		h.onEOM = func(h *testHandler) { h.respond(200, "bye") }
	}}
	s, fc, _ := newFramedSession(ctrl, testConfig())

	fc.request(1, 0, 1, false)
	require.Len(t, ctrl.handlers, 1)

	s.NotifyPendingShutdown()
	rec := fc.decode()
	assert.Contains(t, rec.Events, "goaway:1")

	// A stream arriving after the drain started is refused, not served.
	fc.request(3, 0, 1, true)
	assert.Len(t, ctrl.handlers, 1)
	assert.Contains(t, fc.decode().Events, "abort:3")

	// The in-flight stream finishes, then the session closes.
	assert.False(t, fc.tr.Closed())
	fc.data(1, nil, true)
	assert.Equal(t, 1, ctrl.handlers[0].detached)
	assert.True(t, fc.tr.Closed())
	assert.Equal(t, api.SessionClosed, s.State())
}
