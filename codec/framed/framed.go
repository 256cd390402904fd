// File: codec/framed/framed.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Wire grammar: a fixed 10-byte frame header (type u8, flags u8,
// stream u32, payload length u32, big endian) followed by the payload.
// Header blocks are u16-counted name/value pairs with u16 length
// prefixes; request and response heads ride in pseudo-headers
// (":method", ":path", ":status").

package framed

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-http/api"
)

const (
	frameHeaderLen = 10

	// FrameData through FrameTrailers are the wire frame types.
	FrameData     uint8 = 0
	FrameSyn      uint8 = 1
	FrameSynReply uint8 = 2
	FrameRst      uint8 = 3
	FrameWindow   uint8 = 4
	FrameSettings uint8 = 5
	FrameGoaway   uint8 = 6
	FrameTrailers uint8 = 7

	// FlagFin marks the sender's last frame on the stream.
	FlagFin uint8 = 0x01

	// Bands is the number of egress priority bands.
	Bands = 8

	maxFramePayload = 1 << 20
)

// Direction selects which frame types a codec parses and which it emits.
type Direction int

const (
	// DirServer parses SYN and emits SYN_REPLY.
	DirServer Direction = iota
	// DirClient parses SYN_REPLY and emits SYN. Tests use it to decode
	// server output.
	DirClient
)

type streamState struct {
	headersSeen bool
	finSeen     bool
}

// Codec is a parallel framed codec for one connection direction pair.
type Codec struct {
	cb  api.CodecCallback
	dir Direction

	streams      map[api.StreamID]*streamState
	lastIngress  api.StreamID
	nextEgressID api.StreamID

	goawaySent     bool
	goawayReceived bool
	failed         bool

	egressSettings  *api.Settings
	ingressSettings *api.Settings
}

func newCodec(dir Direction) *Codec {
	c := &Codec{
		dir:             dir,
		streams:         make(map[api.StreamID]*streamState),
		egressSettings:  api.NewSettings(),
		ingressSettings: api.NewSettings(),
	}
	if dir == DirClient {
		c.nextEgressID = 1
	}
	return c
}

// NewServerCodec creates the codec a server session uses.
func NewServerCodec() *Codec { return newCodec(DirServer) }

// NewClientCodec creates the client-direction codec.
func NewClientCodec() *Codec { return newCodec(DirClient) }

func (c *Codec) SetCallback(cb api.CodecCallback) { c.cb = cb }

func (c *Codec) SupportsParallelStreams() bool { return true }
func (c *Codec) PriorityBandCount() int        { return Bands }

func (c *Codec) IsReusable() bool {
	return !c.failed && !c.goawaySent && !c.goawayReceived
}

func (c *Codec) EgressSettings() *api.Settings  { return c.egressSettings }
func (c *Codec) IngressSettings() *api.Settings { return c.ingressSettings }

// NotifyDraining is a serial-codec concern; framed connections drain via
// GOAWAY.
func (c *Codec) NotifyDraining() {}

func (c *Codec) OnIngress(b []byte) int {
	consumed := 0
	for !c.failed {
		if len(b)-consumed < frameHeaderLen {
			return consumed
		}
		hdr := b[consumed:]
		ftype := hdr[0]
		flags := hdr[1]
		stream := api.StreamID(binary.BigEndian.Uint32(hdr[2:6]))
		plen := binary.BigEndian.Uint32(hdr[6:10])
		if plen > maxFramePayload {
			c.connError(fmt.Sprintf("frame payload %d exceeds limit", plen))
			return consumed
		}
		if len(b)-consumed < frameHeaderLen+int(plen) {
			return consumed
		}
		payload := b[consumed+frameHeaderLen : consumed+frameHeaderLen+int(plen)]
		consumed += frameHeaderLen + int(plen)
		c.onFrame(ftype, flags, stream, payload)
	}
	return consumed
}

func (c *Codec) connError(msg string) {
	c.failed = true
	c.cb.OnError(0, api.NewError(api.ErrCodeProtocol, msg), true)
}

func (c *Codec) onFrame(ftype, flags uint8, stream api.StreamID, payload []byte) {
	switch ftype {
	case FrameSyn:
		c.onSyn(flags, stream, payload)
	case FrameSynReply:
		c.onSynReply(flags, stream, payload)
	case FrameData:
		c.onData(flags, stream, payload)
	case FrameTrailers:
		c.onTrailers(flags, stream, payload)
	case FrameRst:
		if len(payload) != 4 {
			c.connError("malformed RST frame")
			return
		}
		code := api.ErrorCode(binary.BigEndian.Uint32(payload))
		delete(c.streams, stream)
		c.cb.OnAbort(stream, code)
	case FrameWindow:
		if len(payload) != 4 {
			c.connError("malformed WINDOW_UPDATE frame")
			return
		}
		delta := int(int32(binary.BigEndian.Uint32(payload)))
		if delta <= 0 {
			c.connError("non-positive window update")
			return
		}
		c.cb.OnWindowUpdate(stream, delta)
	case FrameSettings:
		c.onSettings(payload)
	case FrameGoaway:
		if len(payload) != 8 {
			c.connError("malformed GOAWAY frame")
			return
		}
		last := api.StreamID(binary.BigEndian.Uint32(payload[0:4]))
		code := api.ErrorCode(binary.BigEndian.Uint32(payload[4:8]))
		c.goawayReceived = true
		c.cb.OnGoaway(last, code)
	default:
		c.connError(fmt.Sprintf("unknown frame type %d", ftype))
	}
}

func (c *Codec) onSyn(flags uint8, stream api.StreamID, payload []byte) {
	if c.dir != DirServer {
		c.connError("SYN on client-bound direction")
		return
	}
	if stream%2 == 0 || stream <= c.lastIngress {
		c.connError(fmt.Sprintf("invalid stream id %d", stream))
		return
	}
	if len(payload) < 2 {
		c.connError("truncated SYN frame")
		return
	}
	band := payload[0]
	weight := payload[1]
	headers, ok := parseHeaderBlock(payload[2:])
	if !ok {
		c.streamError(stream, "malformed SYN header block")
		return
	}

	c.lastIngress = stream
	st := &streamState{headersSeen: true}
	c.streams[stream] = st
	c.cb.OnMessageBegin(stream)

	msg := &api.Message{
		Headers:      api.NewHeaders(),
		VersionMajor: 1,
		VersionMinor: 1,
		Priority:     band,
		Weight:       weight,
	}
	if band >= Bands {
		msg.Priority = Bands - 1
	}
	headers.Each(func(name, value string) {
		switch name {
		case ":method":
			msg.Method = value
		case ":path":
			msg.SetURL(value)
		default:
			msg.Headers.Add(name, value)
		}
	})
	if msg.Method == "" || msg.URL == "" {
		c.streamError(stream, "SYN missing required pseudo-headers")
		return
	}
	msg.WantsKeepAlive = true
	c.cb.OnHeadersComplete(stream, msg)
	if flags&FlagFin != 0 {
		c.endStream(stream)
	}
}

func (c *Codec) onSynReply(flags uint8, stream api.StreamID, payload []byte) {
	if c.dir != DirClient {
		c.connError("SYN_REPLY on server-bound direction")
		return
	}
	headers, ok := parseHeaderBlock(payload)
	if !ok {
		c.streamError(stream, "malformed SYN_REPLY header block")
		return
	}
	if c.streams[stream] == nil {
		c.streams[stream] = &streamState{}
		c.cb.OnMessageBegin(stream)
	}
	c.streams[stream].headersSeen = true

	msg := &api.Message{
		Headers:        api.NewHeaders(),
		VersionMajor:   1,
		VersionMinor:   1,
		WantsKeepAlive: true,
	}
	headers.Each(func(name, value string) {
		switch name {
		case ":status":
			fmt.Sscanf(value, "%d", &msg.StatusCode)
		default:
			msg.Headers.Add(name, value)
		}
	})
	c.cb.OnHeadersComplete(stream, msg)
	if flags&FlagFin != 0 {
		c.endStream(stream)
	}
}

func (c *Codec) onData(flags uint8, stream api.StreamID, payload []byte) {
	st := c.streams[stream]
	if st == nil || st.finSeen {
		// Frames racing a reset are dropped, not fatal.
		return
	}
	if len(payload) > 0 {
		c.cb.OnBody(stream, payload)
	}
	if flags&FlagFin != 0 {
		c.endStream(stream)
	}
}

func (c *Codec) onTrailers(flags uint8, stream api.StreamID, payload []byte) {
	st := c.streams[stream]
	if st == nil || st.finSeen {
		return
	}
	trailers, ok := parseHeaderBlock(payload)
	if !ok {
		c.streamError(stream, "malformed trailer block")
		return
	}
	c.cb.OnTrailersComplete(stream, trailers)
	if flags&FlagFin != 0 {
		c.endStream(stream)
	}
}

func (c *Codec) onSettings(payload []byte) {
	if len(payload)%6 != 0 {
		c.connError("malformed SETTINGS frame")
		return
	}
	settings := make([]api.Setting, 0, len(payload)/6)
	for off := 0; off < len(payload); off += 6 {
		s := api.Setting{
			ID:    api.SettingID(binary.BigEndian.Uint16(payload[off : off+2])),
			Value: binary.BigEndian.Uint32(payload[off+2 : off+6]),
		}
		c.ingressSettings.Set(s.ID, s.Value)
		settings = append(settings, s)
	}
	c.cb.OnSettings(settings)
}

func (c *Codec) endStream(stream api.StreamID) {
	st := c.streams[stream]
	st.finSeen = true
	delete(c.streams, stream)
	c.cb.OnMessageComplete(stream, false)
}

func (c *Codec) streamError(stream api.StreamID, msg string) {
	delete(c.streams, stream)
	c.cb.OnError(stream, api.NewStreamError(api.ErrCodeParse, stream, msg), true)
}

func (c *Codec) OnIngressEOF() {
	for stream := range c.streams {
		c.streamError(stream, "connection closed mid-stream")
	}
}

// Tunnelling on a framed connection needs no state switch: DATA frames
// already carry opaque bytes per stream.
func (c *Codec) OnUpgradeAccepted(id api.StreamID) {}
func (c *Codec) OnUpgradeRejected(id api.StreamID) {}

func writeFrameHeader(w *bytes.Buffer, ftype, flags uint8, stream api.StreamID, plen int) {
	var hdr [frameHeaderLen]byte
	hdr[0] = ftype
	hdr[1] = flags
	binary.BigEndian.PutUint32(hdr[2:6], uint32(stream))
	binary.BigEndian.PutUint32(hdr[6:10], uint32(plen))
	w.Write(hdr[:])
}

func parseHeaderBlock(b []byte) (api.Headers, bool) {
	h := api.NewHeaders()
	if len(b) < 2 {
		return h, len(b) == 0
	}
	count := int(binary.BigEndian.Uint16(b[:2]))
	off := 2
	for i := 0; i < count; i++ {
		name, n, ok := readString(b[off:])
		if !ok {
			return h, false
		}
		off += n
		value, n, ok := readString(b[off:])
		if !ok {
			return h, false
		}
		off += n
		h.Add(name, value)
	}
	return h, off == len(b)
}

func readString(b []byte) (string, int, bool) {
	if len(b) < 2 {
		return "", 0, false
	}
	l := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+l {
		return "", 0, false
	}
	return string(b[2 : 2+l]), 2 + l, true
}

func writeHeaderBlock(w *bytes.Buffer, h api.Headers) {
	var lenbuf [2]byte
	binary.BigEndian.PutUint16(lenbuf[:], uint16(h.Len()))
	w.Write(lenbuf[:])
	h.Each(func(name, value string) {
		writeString(w, name)
		writeString(w, value)
	})
}

func writeString(w *bytes.Buffer, s string) {
	var lenbuf [2]byte
	binary.BigEndian.PutUint16(lenbuf[:], uint16(len(s)))
	w.Write(lenbuf[:])
	w.WriteString(s)
}

func (c *Codec) GenerateHeader(w *bytes.Buffer, id api.StreamID, msg *api.Message) {
	var block bytes.Buffer
	if c.dir == DirServer {
		h := api.NewHeaders()
		h.Add(":status", fmt.Sprintf("%d", msg.StatusCode))
		msg.Headers.Each(h.Add)
		writeHeaderBlock(&block, h)
		writeFrameHeader(w, FrameSynReply, 0, id, block.Len())
	} else {
		var prio [2]byte
		prio[0] = msg.Priority
		prio[1] = msg.Weight
		h := api.NewHeaders()
		h.Add(":method", msg.Method)
		h.Add(":path", msg.URL)
		msg.Headers.Each(h.Add)
		writeHeaderBlock(&block, h)
		writeFrameHeader(w, FrameSyn, 0, id, 2+block.Len())
		w.Write(prio[:])
	}
	w.Write(block.Bytes())
}

func (c *Codec) GenerateBody(w *bytes.Buffer, id api.StreamID, data []byte) int {
	writeFrameHeader(w, FrameData, 0, id, len(data))
	w.Write(data)
	return len(data)
}

// Chunk boundaries are an HTTP/1.x wire artifact; framed bodies are
// already delimited per frame.
func (c *Codec) GenerateChunkHeader(w *bytes.Buffer, id api.StreamID, length int) {}
func (c *Codec) GenerateChunkTerminator(w *bytes.Buffer, id api.StreamID)        {}

func (c *Codec) GenerateTrailers(w *bytes.Buffer, id api.StreamID, trailers api.Headers) {
	var block bytes.Buffer
	writeHeaderBlock(&block, trailers)
	writeFrameHeader(w, FrameTrailers, 0, id, block.Len())
	w.Write(block.Bytes())
}

func (c *Codec) GenerateEOM(w *bytes.Buffer, id api.StreamID) {
	writeFrameHeader(w, FrameData, FlagFin, id, 0)
}

func (c *Codec) GenerateRstStream(w *bytes.Buffer, id api.StreamID, code api.ErrorCode) {
	writeFrameHeader(w, FrameRst, 0, id, 4)
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))
	w.Write(payload[:])
}

func (c *Codec) GenerateWindowUpdate(w *bytes.Buffer, id api.StreamID, delta int) {
	writeFrameHeader(w, FrameWindow, 0, id, 4)
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(int32(delta)))
	w.Write(payload[:])
}

func (c *Codec) GenerateSettings(w *bytes.Buffer) {
	list := c.egressSettings.List()
	writeFrameHeader(w, FrameSettings, 0, 0, len(list)*6)
	for _, s := range list {
		var entry [6]byte
		binary.BigEndian.PutUint16(entry[0:2], uint16(s.ID))
		binary.BigEndian.PutUint32(entry[2:6], s.Value)
		w.Write(entry[:])
	}
}

func (c *Codec) GenerateGoaway(w *bytes.Buffer, lastGoodStream api.StreamID, code api.ErrorCode) {
	c.goawaySent = true
	writeFrameHeader(w, FrameGoaway, 0, 0, 8)
	var payload [8]byte
	binary.BigEndian.PutUint32(payload[0:4], uint32(lastGoodStream))
	binary.BigEndian.PutUint32(payload[4:8], uint32(code))
	w.Write(payload[:])
}
