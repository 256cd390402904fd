// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared type declarations for streams, phases, drain states and settings.

package api

// StreamID identifies one logical request/response exchange within a
// connection. Serial codecs assign sequentially (1, 2, 3, ...); parallel
// codecs follow the peer's assignment (odd, strictly increasing).
type StreamID uint32

// DrainState tracks the connection-scoped shutdown progression.
type DrainState int

const (
	SessionRunning DrainState = iota
	SessionPendingShutdown
	SessionDraining
	SessionClosed
)

func (s DrainState) String() string {
	switch s {
	case SessionRunning:
		return "running"
	case SessionPendingShutdown:
		return "pending-shutdown"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// IngressPhase tracks per-stream receive progress.
type IngressPhase int

const (
	IngressStart IngressPhase = iota
	IngressHeaders
	IngressBody
	IngressChunkHeader
	IngressChunkBody
	IngressTrailers
	IngressEOM
	IngressDone
	IngressAborted
)

// EgressPhase tracks per-stream send progress.
type EgressPhase int

const (
	EgressStart EgressPhase = iota
	EgressHeadersSent
	EgressBody
	EgressEOMSent
	EgressDone
	EgressAborted
)

// SettingID enumerates the negotiable connection parameters.
type SettingID uint16

const (
	SettingInitialWindowSize SettingID = iota + 1
	SettingMaxConcurrentStreams
)

// Setting is one id/value pair as carried on the wire.
type Setting struct {
	ID    SettingID
	Value uint32
}

// Settings is a small mutable set of connection parameters.
type Settings struct {
	m map[SettingID]uint32
}

func NewSettings() *Settings {
	return &Settings{m: make(map[SettingID]uint32)}
}

func (s *Settings) Get(id SettingID) (uint32, bool) {
	v, ok := s.m[id]
	return v, ok
}

// GetOr returns the setting value, or def when unset.
func (s *Settings) GetOr(id SettingID, def uint32) uint32 {
	if v, ok := s.m[id]; ok {
		return v
	}
	return def
}

func (s *Settings) Set(id SettingID, value uint32) {
	s.m[id] = value
}

// List returns the settings in unspecified order.
func (s *Settings) List() []Setting {
	out := make([]Setting, 0, len(s.m))
	for id, v := range s.m {
		out = append(out, Setting{ID: id, Value: v})
	}
	return out
}
