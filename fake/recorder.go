// File: fake/recorder.go
// Author: momentics <momentics@gmail.com>
//
// CodecEvents records every api.CodecCallback invocation, for tests that
// parse session output back through a client-direction codec.

package fake

import (
	"fmt"

	"github.com/momentics/hioload-http/api"
)

// CodecEvents is an api.CodecCallback that records events as compact
// strings ("begin:1", "body:1:5", ...) plus structured captures of the
// pieces tests assert on.
type CodecEvents struct {
	Events    []string
	Messages  map[api.StreamID]*api.Message
	Bodies    map[api.StreamID][]byte
	Completed []api.StreamID
	Errors    []*api.Error
}

func NewCodecEvents() *CodecEvents {
	return &CodecEvents{
		Messages: make(map[api.StreamID]*api.Message),
		Bodies:   make(map[api.StreamID][]byte),
	}
}

func (r *CodecEvents) add(format string, args ...any) {
	r.Events = append(r.Events, fmt.Sprintf(format, args...))
}

func (r *CodecEvents) OnMessageBegin(id api.StreamID) { r.add("begin:%d", id) }

func (r *CodecEvents) OnHeadersComplete(id api.StreamID, msg *api.Message) {
	r.Messages[id] = msg
	r.add("headers:%d", id)
}

func (r *CodecEvents) OnBody(id api.StreamID, data []byte) {
	r.Bodies[id] = append(r.Bodies[id], data...)
	r.add("body:%d:%d", id, len(data))
}

func (r *CodecEvents) OnChunkHeader(id api.StreamID, length int) {
	r.add("chunkhdr:%d:%d", id, length)
}

func (r *CodecEvents) OnChunkComplete(id api.StreamID) { r.add("chunkend:%d", id) }

func (r *CodecEvents) OnTrailersComplete(id api.StreamID, trailers api.Headers) {
	r.add("trailers:%d", id)
}

func (r *CodecEvents) OnMessageComplete(id api.StreamID, upgraded bool) {
	r.Completed = append(r.Completed, id)
	r.add("complete:%d", id)
}

func (r *CodecEvents) OnError(id api.StreamID, err *api.Error, ingress bool) {
	r.Errors = append(r.Errors, err)
	r.add("error:%d", id)
}

func (r *CodecEvents) OnAbort(id api.StreamID, code api.ErrorCode) { r.add("abort:%d", id) }

func (r *CodecEvents) OnWindowUpdate(id api.StreamID, delta int) {
	r.add("winupdate:%d:%d", id, delta)
}

func (r *CodecEvents) OnSettings(settings []api.Setting) { r.add("settings") }

func (r *CodecEvents) OnGoaway(last api.StreamID, code api.ErrorCode) {
	r.add("goaway:%d", last)
}
