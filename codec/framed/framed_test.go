package framed_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/codec/framed"
	"github.com/momentics/hioload-http/fake"
)

func newRequest(method, url string, band, weight uint8) *api.Message {
	msg := &api.Message{
		Method:   method,
		Headers:  api.NewHeaders(),
		Priority: band,
		Weight:   weight,
	}
	msg.SetURL(url)
	msg.Headers.Add("host", "example.com")
	return msg
}

func TestRequestRoundTrip(t *testing.T) {
	client := framed.NewClientCodec()
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)

	var wire bytes.Buffer
	client.GenerateHeader(&wire, 1, newRequest("POST", "/submit?x=1", 2, 4))
	client.GenerateBody(&wire, 1, []byte("payload"))
	client.GenerateEOM(&wire, 1)

	n := server.OnIngress(wire.Bytes())
	assert.Equal(t, wire.Len(), n)

	msg := rec.Messages[1]
	require.NotNil(t, msg)
	assert.Equal(t, "POST", msg.Method)
	assert.Equal(t, "/submit", msg.Path)
	assert.Equal(t, "x=1", msg.Query)
	assert.Equal(t, "example.com", msg.Headers.Get("host"))
	assert.Equal(t, uint8(2), msg.Priority)
	assert.Equal(t, uint8(4), msg.Weight)
	assert.Equal(t, []byte("payload"), rec.Bodies[1])
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
}

func TestResponseRoundTrip(t *testing.T) {
	server := framed.NewServerCodec()
	client := framed.NewClientCodec()
	rec := fake.NewCodecEvents()
	client.SetCallback(rec)

	resp := &api.Message{StatusCode: 200, Headers: api.NewHeaders()}
	resp.Headers.Add("content-type", "text/plain")
	var wire bytes.Buffer
	server.GenerateHeader(&wire, 1, resp)
	server.GenerateBody(&wire, 1, []byte("ok"))
	server.GenerateEOM(&wire, 1)

	client.OnIngress(wire.Bytes())
	require.NotNil(t, rec.Messages[1])
	assert.Equal(t, 200, rec.Messages[1].StatusCode)
	assert.Equal(t, "text/plain", rec.Messages[1].Headers.Get("content-type"))
	assert.Equal(t, []byte("ok"), rec.Bodies[1])
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
}

func TestIncompleteFrameConsumesNothing(t *testing.T) {
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)

	client := framed.NewClientCodec()
	var wire bytes.Buffer
	client.GenerateHeader(&wire, 1, newRequest("GET", "/", 0, 1))

	full := wire.Bytes()
	assert.Equal(t, 0, server.OnIngress(full[:5]))
	assert.Equal(t, 0, server.OnIngress(full[:len(full)-1]))
	assert.Equal(t, len(full), server.OnIngress(full))
	assert.NotNil(t, rec.Messages[1])
}

func TestEvenStreamIDIsProtocolError(t *testing.T) {
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)

	client := framed.NewClientCodec()
	var wire bytes.Buffer
	client.GenerateHeader(&wire, 2, newRequest("GET", "/", 0, 1))
	server.OnIngress(wire.Bytes())

	require.Len(t, rec.Errors, 1)
	assert.Equal(t, api.ErrCodeProtocol, rec.Errors[0].Code)
	assert.Equal(t, api.StreamID(0), rec.Errors[0].Stream)
	assert.False(t, server.IsReusable())
}

func TestDecreasingStreamIDIsProtocolError(t *testing.T) {
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)

	client := framed.NewClientCodec()
	var wire bytes.Buffer
	client.GenerateHeader(&wire, 5, newRequest("GET", "/", 0, 1))
	client.GenerateHeader(&wire, 3, newRequest("GET", "/", 0, 1))
	server.OnIngress(wire.Bytes())
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, api.ErrCodeProtocol, rec.Errors[0].Code)
}

func TestMalformedHeaderBlockIsStreamError(t *testing.T) {
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)

	// SYN for stream 3 whose header block claims pairs it does not carry.
	var wire bytes.Buffer
	payload := []byte{0, 1, 0, 9} // band 0, weight 1, pair count 9, no data
	hdr := make([]byte, 10)
	hdr[0] = framed.FrameSyn
	binary.BigEndian.PutUint32(hdr[2:6], 3)
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(payload)))
	wire.Write(hdr)
	wire.Write(payload)

	server.OnIngress(wire.Bytes())
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, api.ErrCodeParse, rec.Errors[0].Code)
	assert.Equal(t, api.StreamID(3), rec.Errors[0].Stream)
	// Stream-scoped failure: the connection stays usable.
	assert.True(t, server.IsReusable())
}

func TestRstAndControlFrames(t *testing.T) {
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)
	client := framed.NewClientCodec()

	var wire bytes.Buffer
	client.GenerateHeader(&wire, 1, newRequest("GET", "/", 0, 1))
	client.GenerateRstStream(&wire, 1, api.ErrCodeProtocol)
	client.GenerateWindowUpdate(&wire, 0, 4096)
	client.EgressSettings().Set(api.SettingInitialWindowSize, 131072)
	client.GenerateSettings(&wire)
	client.GenerateGoaway(&wire, 1, api.ErrCodeNone)

	server.OnIngress(wire.Bytes())
	assert.Contains(t, rec.Events, "abort:1")
	assert.Contains(t, rec.Events, "winupdate:0:4096")
	assert.Contains(t, rec.Events, "settings")
	assert.Contains(t, rec.Events, "goaway:1")
	v, ok := server.IngressSettings().Get(api.SettingInitialWindowSize)
	assert.True(t, ok)
	assert.Equal(t, uint32(131072), v)
	assert.False(t, server.IsReusable())
}

func TestEOFMidStreamReportsStreamError(t *testing.T) {
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)
	client := framed.NewClientCodec()

	var wire bytes.Buffer
	client.GenerateHeader(&wire, 1, newRequest("POST", "/", 0, 1))
	server.OnIngress(wire.Bytes())
	server.OnIngressEOF()

	require.Len(t, rec.Errors, 1)
	assert.Equal(t, api.StreamID(1), rec.Errors[0].Stream)
}

func TestTrailersRoundTrip(t *testing.T) {
	server := framed.NewServerCodec()
	rec := fake.NewCodecEvents()
	server.SetCallback(rec)
	client := framed.NewClientCodec()

	var wire bytes.Buffer
	client.GenerateHeader(&wire, 1, newRequest("POST", "/", 0, 1))
	client.GenerateBody(&wire, 1, []byte("data"))
	trailers := api.NewHeaders()
	trailers.Add("x-checksum", "abc")
	client.GenerateTrailers(&wire, 1, trailers)
	client.GenerateEOM(&wire, 1)

	server.OnIngress(wire.Bytes())
	assert.Contains(t, rec.Events, "trailers:1")
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
}
