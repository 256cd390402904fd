// File: codec/http1/http1.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Incremental HTTP/1.x request parser and response serializer. OnIngress
// consumes only complete syntactic units (a full line, available body
// bytes) and reports how far it got; the caller re-presents the remainder
// once more bytes arrive.

package http1

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/momentics/hioload-http/api"
)

const maxLineLength = 8192

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkDataCRLF
	stateTrailers
	stateTunnel
	stateClosed
)

type streamInfo struct {
	keepAlive bool
	is10      bool
}

// Codec is a server-side HTTP/1.x codec. Streams are numbered 1, 2, 3, ...
// in arrival order; at most one message is in flight on ingress at a time.
type Codec struct {
	cb     api.CodecCallback
	nextID api.StreamID

	state          parseState
	curID          api.StreamID
	msg            *api.Message
	bodyRemaining  int64
	chunkRemaining int64
	trailers       api.Headers
	parseFailed    bool
	pendingUpgrade bool
	tunnel         bool

	// Ingress facts egress needs later, keyed by stream. Entries are
	// dropped once the matching response finishes.
	requests map[api.StreamID]streamInfo

	draining      bool
	egressClosed  bool
	ingressClosed bool

	egChunked    map[api.StreamID]bool
	egInChunk    map[api.StreamID]bool
	egTerminated map[api.StreamID]bool
	egCloseAfter map[api.StreamID]bool

	egressSettings  *api.Settings
	ingressSettings *api.Settings
}

// NewCodec creates a server-direction HTTP/1.x codec.
func NewCodec() *Codec {
	return &Codec{
		nextID:          1,
		requests:        make(map[api.StreamID]streamInfo),
		egChunked:       make(map[api.StreamID]bool),
		egInChunk:       make(map[api.StreamID]bool),
		egTerminated:    make(map[api.StreamID]bool),
		egCloseAfter:    make(map[api.StreamID]bool),
		egressSettings:  api.NewSettings(),
		ingressSettings: api.NewSettings(),
	}
}

func (c *Codec) SetCallback(cb api.CodecCallback) { c.cb = cb }

func (c *Codec) SupportsParallelStreams() bool { return false }
func (c *Codec) PriorityBandCount() int        { return 1 }

func (c *Codec) IsReusable() bool {
	return !c.egressClosed && !c.ingressClosed && !c.parseFailed && !c.draining
}

func (c *Codec) EgressSettings() *api.Settings  { return c.egressSettings }
func (c *Codec) IngressSettings() *api.Settings { return c.ingressSettings }

func (c *Codec) NotifyDraining() { c.draining = true }

// line extracts one CRLF-terminated line from b. A bare LF is tolerated.
func line(b []byte) (ln []byte, n int, ok bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, 0, false
	}
	ln = b[:i]
	if len(ln) > 0 && ln[len(ln)-1] == '\r' {
		ln = ln[:len(ln)-1]
	}
	return ln, i + 1, true
}

func (c *Codec) OnIngress(b []byte) int {
	consumed := 0
	for consumed < len(b) {
		if c.parseFailed || c.pendingUpgrade || c.state == stateClosed {
			return consumed
		}
		n := c.step(b[consumed:])
		if n == 0 {
			return consumed
		}
		consumed += n
	}
	return consumed
}

// step consumes one syntactic unit from b and returns how many bytes it
// took, or 0 when b does not yet hold a complete unit.
func (c *Codec) step(b []byte) int {
	switch c.state {
	case stateRequestLine:
		return c.stepRequestLine(b)
	case stateHeaders:
		return c.stepHeaderLine(b)
	case stateBody:
		n := int64(len(b))
		if n > c.bodyRemaining {
			n = c.bodyRemaining
		}
		c.cb.OnBody(c.curID, b[:n])
		c.bodyRemaining -= n
		if c.bodyRemaining == 0 {
			c.finishMessage(false)
		}
		return int(n)
	case stateChunkSize:
		return c.stepChunkSize(b)
	case stateChunkData:
		n := int64(len(b))
		if n > c.chunkRemaining {
			n = c.chunkRemaining
		}
		c.cb.OnBody(c.curID, b[:n])
		c.chunkRemaining -= n
		if c.chunkRemaining == 0 {
			c.state = stateChunkDataCRLF
		}
		return int(n)
	case stateChunkDataCRLF:
		_, n, ok := line(b)
		if !ok {
			return c.stall(b)
		}
		c.cb.OnChunkComplete(c.curID)
		c.state = stateChunkSize
		return n
	case stateTrailers:
		return c.stepTrailerLine(b)
	case stateTunnel:
		c.cb.OnBody(c.curID, b)
		return len(b)
	}
	return 0
}

// stall reports no progress, or fails the parse when the unterminated
// line already exceeds the limit.
func (c *Codec) stall(b []byte) int {
	if len(b) > maxLineLength {
		c.fail("line exceeds length limit")
	}
	return 0
}

func (c *Codec) fail(msg string) {
	c.parseFailed = true
	id := c.curID
	c.cb.OnError(id, api.NewStreamError(api.ErrCodeParse, id, msg), true)
}

func (c *Codec) stepRequestLine(b []byte) int {
	ln, n, ok := line(b)
	if !ok {
		return c.stall(b)
	}
	if len(ln) == 0 {
		// Tolerate a stray empty line between pipelined requests.
		return n
	}
	parts := strings.SplitN(string(ln), " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		c.curID = c.nextID
		c.fail("malformed request line")
		return n
	}
	major, minor, ok := parseVersion(parts[2])
	if !ok {
		c.curID = c.nextID
		c.fail("unsupported HTTP version")
		return n
	}

	c.curID = c.nextID
	c.nextID++
	c.msg = &api.Message{
		Method:       parts[0],
		VersionMajor: major,
		VersionMinor: minor,
		Headers:      api.NewHeaders(),
	}
	c.msg.SetURL(parts[1])
	c.cb.OnMessageBegin(c.curID)
	c.state = stateHeaders
	return n
}

func parseVersion(s string) (major, minor int, ok bool) {
	s = strings.TrimPrefix(s, "HTTP/")
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(s[:dot])
	minor, err2 := strconv.Atoi(s[dot+1:])
	if err1 != nil || err2 != nil || major != 1 {
		return 0, 0, false
	}
	return major, minor, true
}

func (c *Codec) stepHeaderLine(b []byte) int {
	ln, n, ok := line(b)
	if !ok {
		return c.stall(b)
	}
	if len(ln) > 0 {
		if !addHeaderLine(&c.msg.Headers, ln) {
			c.fail("malformed header field")
		}
		return n
	}
	c.onHeadersDone()
	return n
}

func addHeaderLine(h *api.Headers, ln []byte) bool {
	colon := bytes.IndexByte(ln, ':')
	if colon <= 0 {
		return false
	}
	name := string(ln[:colon])
	value := strings.TrimSpace(string(ln[colon+1:]))
	h.Add(name, value)
	return true
}

func (c *Codec) onHeadersDone() {
	msg := c.msg

	conn := strings.ToLower(msg.Headers.Get("connection"))
	if msg.VersionMinor >= 1 {
		msg.WantsKeepAlive = !strings.Contains(conn, "close")
	} else {
		msg.WantsKeepAlive = strings.Contains(conn, "keep-alive")
	}
	c.requests[c.curID] = streamInfo{
		keepAlive: msg.WantsKeepAlive,
		is10:      msg.VersionMinor == 0,
	}

	te := strings.ToLower(msg.Headers.Get("transfer-encoding"))
	chunked := strings.Contains(te, "chunked")
	msg.Chunked = chunked

	var bodyLen int64 = -1
	if !chunked {
		if cl := msg.Headers.Get("content-length"); cl != "" {
			v, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || v < 0 {
				c.fail("invalid content-length")
				return
			}
			bodyLen = v
		}
	}

	c.cb.OnHeadersComplete(c.curID, msg)

	if msg.IsConnect() || msg.RequestsUpgrade() {
		// Parsing stops until the handler decides the request's fate.
		c.pendingUpgrade = true
		return
	}

	switch {
	case chunked:
		c.state = stateChunkSize
	case bodyLen > 0:
		c.bodyRemaining = bodyLen
		c.state = stateBody
	default:
		c.finishMessage(false)
	}
}

func (c *Codec) stepChunkSize(b []byte) int {
	ln, n, ok := line(b)
	if !ok {
		return c.stall(b)
	}
	size := string(ln)
	if semi := strings.IndexByte(size, ';'); semi >= 0 {
		size = size[:semi]
	}
	v, err := strconv.ParseInt(strings.TrimSpace(size), 16, 64)
	if err != nil || v < 0 {
		c.fail("invalid chunk size")
		return n
	}
	if v == 0 {
		c.trailers = api.NewHeaders()
		c.state = stateTrailers
		return n
	}
	c.cb.OnChunkHeader(c.curID, int(v))
	c.chunkRemaining = v
	c.state = stateChunkData
	return n
}

func (c *Codec) stepTrailerLine(b []byte) int {
	ln, n, ok := line(b)
	if !ok {
		return c.stall(b)
	}
	if len(ln) > 0 {
		if !addHeaderLine(&c.trailers, ln) {
			c.fail("malformed trailer field")
		}
		return n
	}
	if c.trailers.Len() > 0 {
		c.cb.OnTrailersComplete(c.curID, c.trailers)
	}
	c.finishMessage(false)
	return n
}

func (c *Codec) finishMessage(upgraded bool) {
	id := c.curID
	keepAlive := c.msg == nil || c.msg.WantsKeepAlive
	c.msg = nil
	c.tunnel = false
	c.cb.OnMessageComplete(id, upgraded)
	if upgraded || !keepAlive {
		c.ingressClosed = true
		c.state = stateClosed
		return
	}
	c.state = stateRequestLine
}

func (c *Codec) OnIngressEOF() {
	switch c.state {
	case stateTunnel:
		c.finishMessage(true)
	case stateRequestLine, stateClosed:
		// Clean close between messages.
	default:
		if c.pendingUpgrade {
			return
		}
		c.fail("connection closed mid-message")
	}
	c.ingressClosed = true
}

func (c *Codec) OnUpgradeAccepted(id api.StreamID) {
	if !c.pendingUpgrade || id != c.curID {
		return
	}
	c.pendingUpgrade = false
	c.tunnel = true
	if c.msg != nil {
		c.msg.Upgraded = true
	}
	c.state = stateTunnel
	c.egressClosed = true // the connection now belongs to the tunnel
}

func (c *Codec) OnUpgradeRejected(id api.StreamID) {
	if !c.pendingUpgrade || id != c.curID {
		return
	}
	c.pendingUpgrade = false
	msg := c.msg
	if msg.IsConnect() {
		// A CONNECT carries no body; the rejected request completes and
		// request-line parsing resumes under the usual keep-alive rules.
		// Speculative tunnel payload, if any, fails the next parse.
		c.finishMessage(false)
		return
	}
	// A refused Upgrade falls back to the request's ordinary body framing.
	switch {
	case msg.Chunked:
		c.state = stateChunkSize
	default:
		cl := msg.Headers.Get("content-length")
		v, _ := strconv.ParseInt(cl, 10, 64)
		if v > 0 {
			c.bodyRemaining = v
			c.state = stateBody
		} else {
			c.finishMessage(false)
		}
	}
}

// statusHasNoBody reports statuses that forbid a message body.
func statusHasNoBody(code int) bool {
	return code < 200 || code == 204 || code == 304
}

func (c *Codec) GenerateHeader(w *bytes.Buffer, id api.StreamID, msg *api.Message) {
	info := c.requests[id]

	status := msg.StatusMessage
	if status == "" {
		status = http.StatusText(msg.StatusCode)
	}
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", msg.StatusCode, status)

	chunked := msg.Chunked && !info.is10 && !statusHasNoBody(msg.StatusCode)
	c.egChunked[id] = chunked

	hasLength := msg.Headers.Exists("content-length")
	msg.Headers.Each(func(name, value string) {
		fmt.Fprintf(w, "%s: %s\r\n", headerCase(name), value)
	})
	if chunked {
		w.WriteString("Transfer-Encoding: chunked\r\n")
	}

	tunnel := msg.Upgraded ||
		msg.StatusCode == http.StatusSwitchingProtocols ||
		(msg.StatusCode >= 200 && msg.StatusCode < 300 && c.tunnel)
	closeAfter := false
	if !tunnel {
		delimited := chunked || hasLength || statusHasNoBody(msg.StatusCode)
		closeAfter = c.draining || c.ingressClosed || !info.keepAlive || !delimited
		if closeAfter {
			w.WriteString("Connection: close\r\n")
		} else if info.is10 {
			w.WriteString("Connection: keep-alive\r\n")
		}
	}
	c.egCloseAfter[id] = closeAfter

	w.WriteString("\r\n")

	if statusHasNoBody(msg.StatusCode) && !tunnel {
		c.endOfResponse(id)
	}
}

// headerCase restores conventional Header-Name casing for the wire.
func headerCase(name string) string {
	b := []byte(name)
	upper := true
	for i, ch := range b {
		if upper && 'a' <= ch && ch <= 'z' {
			b[i] = ch - 'a' + 'A'
		}
		upper = ch == '-'
	}
	return string(b)
}

func (c *Codec) GenerateBody(w *bytes.Buffer, id api.StreamID, data []byte) int {
	if c.egChunked[id] && !c.egInChunk[id] {
		fmt.Fprintf(w, "%x\r\n", len(data))
		w.Write(data)
		w.WriteString("\r\n")
		return len(data)
	}
	w.Write(data)
	return len(data)
}

func (c *Codec) GenerateChunkHeader(w *bytes.Buffer, id api.StreamID, length int) {
	if !c.egChunked[id] {
		return
	}
	fmt.Fprintf(w, "%x\r\n", length)
	c.egInChunk[id] = true
}

func (c *Codec) GenerateChunkTerminator(w *bytes.Buffer, id api.StreamID) {
	if !c.egInChunk[id] {
		return
	}
	w.WriteString("\r\n")
	c.egInChunk[id] = false
}

func (c *Codec) GenerateTrailers(w *bytes.Buffer, id api.StreamID, trailers api.Headers) {
	if !c.egChunked[id] {
		return
	}
	w.WriteString("0\r\n")
	trailers.Each(func(name, value string) {
		fmt.Fprintf(w, "%s: %s\r\n", headerCase(name), value)
	})
	w.WriteString("\r\n")
	c.egTerminated[id] = true
}

func (c *Codec) GenerateEOM(w *bytes.Buffer, id api.StreamID) {
	if c.egChunked[id] && !c.egTerminated[id] {
		w.WriteString("0\r\n\r\n")
		c.egTerminated[id] = true
	}
	c.endOfResponse(id)
}

func (c *Codec) endOfResponse(id api.StreamID) {
	if c.egCloseAfter[id] {
		c.egressClosed = true
	}
	delete(c.requests, id)
	delete(c.egChunked, id)
	delete(c.egInChunk, id)
	delete(c.egTerminated, id)
	delete(c.egCloseAfter, id)
}

// Serial connections have no stream-scoped control frames; aborting a
// stream or announcing shutdown happens by closing the connection.
func (c *Codec) GenerateRstStream(w *bytes.Buffer, id api.StreamID, code api.ErrorCode) {}

func (c *Codec) GenerateWindowUpdate(w *bytes.Buffer, id api.StreamID, delta int) {}

func (c *Codec) GenerateSettings(w *bytes.Buffer) {}

func (c *Codec) GenerateGoaway(w *bytes.Buffer, lastGoodStream api.StreamID, code api.ErrorCode) {}
