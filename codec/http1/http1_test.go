package http1_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/codec/http1"
	"github.com/momentics/hioload-http/fake"
)

// feed delivers input the way a session does: appending to a pending
// buffer and dropping whatever the codec consumed.
func feed(c *http1.Codec, chunks ...string) []byte {
	var pending []byte
	for _, ch := range chunks {
		pending = append(pending, ch...)
		n := c.OnIngress(pending)
		pending = pending[n:]
	}
	return pending
}

func splitBytes(s string) []string {
	out := make([]string, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = s[i : i+1]
	}
	return out
}

func TestRequestParsedIdenticallyRegardlessOfDelivery(t *testing.T) {
	const req = "GET /somepath.php?param=foo HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Connection: close\r\n\r\n"

	whole := fake.NewCodecEvents()
	c1 := http1.NewCodec()
	c1.SetCallback(whole)
	feed(c1, req)

	byByte := fake.NewCodecEvents()
	c2 := http1.NewCodec()
	c2.SetCallback(byByte)
	feed(c2, splitBytes(req)...)

	assert.Equal(t, whole.Events, byByte.Events)
	for _, rec := range []*fake.CodecEvents{whole, byByte} {
		msg := rec.Messages[1]
		require.NotNil(t, msg)
		assert.Equal(t, "GET", msg.Method)
		assert.Equal(t, "/somepath.php?param=foo", msg.URL)
		assert.Equal(t, "/somepath.php", msg.Path)
		assert.Equal(t, "param=foo", msg.Query)
		assert.Equal(t, 1, msg.VersionMajor)
		assert.Equal(t, 1, msg.VersionMinor)
		assert.Equal(t, "example.com", msg.Headers.Get("Host"))
		assert.False(t, msg.WantsKeepAlive)
		assert.Equal(t, []api.StreamID{1}, rec.Completed)
	}
}

func TestContentLengthBodyAcrossReads(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c,
		"POST /upload HTTP/1.1\r\nHost: x\r\nContent-Length: 11\r\n\r\nhello",
		" wor", "ld")
	assert.Equal(t, []byte("hello world"), rec.Bodies[1])
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
	assert.True(t, c.IsReusable())
}

func TestChunkedBodyWithTrailers(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "POST /u HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Checksum: abc\r\n\r\n")

	assert.Equal(t, []byte("hello world"), rec.Bodies[1])
	assert.Contains(t, rec.Events, "chunkhdr:1:5")
	assert.Contains(t, rec.Events, "chunkhdr:1:6")
	assert.Contains(t, rec.Events, "trailers:1")
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
	require.NotNil(t, rec.Messages[1])
	assert.True(t, rec.Messages[1].Chunked)
}

func TestPipelinedRequestsGetSequentialStreams(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, []api.StreamID{1, 2}, rec.Completed)
	assert.Equal(t, "/a", rec.Messages[1].Path)
	assert.Equal(t, "/b", rec.Messages[2].Path)
}

func TestHTTP10DefaultsToClose(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "GET / HTTP/1.0\r\n\r\n")
	require.NotNil(t, rec.Messages[1])
	assert.False(t, rec.Messages[1].WantsKeepAlive)
	assert.False(t, c.IsReusable())
}

func TestMalformedRequestLineReportsParseError(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "this is not http\r\n\r\n")
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, api.ErrCodeParse, rec.Errors[0].Code)
	assert.False(t, c.IsReusable())
}

func TestEOFMidMessageIsParseError(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "POST /u HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc")
	c.OnIngressEOF()
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, api.ErrCodeParse, rec.Errors[0].Code)
}

func TestConnectStallsUntilDecision(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)

	left := feed(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\nRAWDATA")
	// Tunnel payload must not be parsed before the handler decides.
	assert.Equal(t, []byte("RAWDATA"), left)
	assert.Empty(t, rec.Bodies[1])

	c.OnUpgradeAccepted(1)
	left = feed(c, string(left))
	assert.Empty(t, left)
	assert.Equal(t, []byte("RAWDATA"), rec.Bodies[1])
	assert.Empty(t, rec.Completed)

	c.OnIngressEOF()
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
}

func TestConnectRejectedResumesRequestParsing(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n")
	c.OnUpgradeRejected(1)
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
	assert.True(t, c.IsReusable(), "no tunnel means an ordinary finished message")

	// The next request on the wire parses as usual.
	feed(c, "GET /after HTTP/1.1\r\nHost: x\r\n\r\n")
	require.NotNil(t, rec.Messages[2])
	assert.Equal(t, "/after", rec.Messages[2].Path)
	assert.Equal(t, []api.StreamID{1, 2}, rec.Completed)
}

func TestUpgradeRejectedResumesBodyFraming(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	left := feed(c, "POST /ws HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nContent-Length: 4\r\n\r\nbody")
	assert.Equal(t, []byte("body"), left)
	assert.Empty(t, rec.Completed)
	c.OnUpgradeRejected(1)
	left = feed(c, string(left))
	assert.Empty(t, left)
	assert.Equal(t, []byte("body"), rec.Bodies[1])
	assert.Equal(t, []api.StreamID{1}, rec.Completed)
}

func TestGenerateResponseWithContentLength(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	msg := &api.Message{StatusCode: 200, Headers: api.NewHeaders()}
	msg.Headers.Add("Content-Length", "5")
	var w bytes.Buffer
	c.GenerateHeader(&w, 1, msg)
	c.GenerateBody(&w, 1, []byte("hello"))
	c.GenerateEOM(&w, 1)

	out := w.String()
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.NotContains(t, out, "Connection: close")
	assert.Contains(t, out, "hello")
	assert.True(t, c.IsReusable())
}

func TestGenerateAutoChunkedResponse(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	msg := &api.Message{StatusCode: 200, Chunked: true, Headers: api.NewHeaders()}
	var w bytes.Buffer
	c.GenerateHeader(&w, 1, msg)
	c.GenerateBody(&w, 1, []byte("hello"))
	c.GenerateEOM(&w, 1)

	out := w.String()
	assert.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, out, "5\r\nhello\r\n")
	assert.Contains(t, out, "0\r\n\r\n")
}

func TestGenerateExplicitChunksAndTrailers(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	msg := &api.Message{StatusCode: 200, Chunked: true, Headers: api.NewHeaders()}
	var w bytes.Buffer
	c.GenerateHeader(&w, 1, msg)
	c.GenerateChunkHeader(&w, 1, 10)
	c.GenerateBody(&w, 1, []byte("0123456789"))
	c.GenerateChunkTerminator(&w, 1)
	trailers := api.NewHeaders()
	trailers.Add("X-Trailer", "1")
	c.GenerateTrailers(&w, 1, trailers)
	c.GenerateEOM(&w, 1)

	out := w.String()
	assert.Contains(t, out, "a\r\n0123456789\r\n")
	assert.Contains(t, out, "0\r\nX-Trailer: 1\r\n\r\n")
	// Trailers already terminated the body; EOM must not add another
	// terminating chunk.
	assert.Equal(t, 1, bytes.Count(w.Bytes(), []byte("0\r\nX-Trailer")))
}

func TestDrainingFlagsResponseClose(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	c.NotifyDraining()

	msg := &api.Message{StatusCode: 200, Headers: api.NewHeaders()}
	msg.Headers.Add("Content-Length", "0")
	var w bytes.Buffer
	c.GenerateHeader(&w, 1, msg)
	c.GenerateEOM(&w, 1)

	assert.Contains(t, w.String(), "Connection: close\r\n")
	assert.False(t, c.IsReusable())
}

func TestResponseWithoutLengthForcesClose(t *testing.T) {
	rec := fake.NewCodecEvents()
	c := http1.NewCodec()
	c.SetCallback(rec)
	feed(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	msg := &api.Message{StatusCode: 200, Headers: api.NewHeaders()}
	var w bytes.Buffer
	c.GenerateHeader(&w, 1, msg)
	c.GenerateBody(&w, 1, []byte("unbounded"))
	c.GenerateEOM(&w, 1)

	assert.Contains(t, w.String(), "Connection: close\r\n")
	assert.False(t, c.IsReusable())
}
