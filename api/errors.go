// Package api
// Author: momentics <momentics@gmail.com>
//
// Structured error types for the session layer.

package api

import "fmt"

// ErrorCode classifies a session-layer failure. The code decides routing:
// stream-isolatable codes abort one transaction on parallel codecs, the
// rest tear down the connection.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeParse
	ErrCodeFlowControl
	ErrCodeProtocol
	ErrCodeReadTimeout
	ErrCodeWriteTimeout
	ErrCodeConcurrencyLimit
	ErrCodeTransport
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeParse:
		return "parse error"
	case ErrCodeFlowControl:
		return "flow control violation"
	case ErrCodeProtocol:
		return "protocol violation"
	case ErrCodeReadTimeout:
		return "read timeout"
	case ErrCodeWriteTimeout:
		return "write timeout"
	case ErrCodeConcurrencyLimit:
		return "concurrency limit exceeded"
	case ErrCodeTransport:
		return "transport error"
	}
	return "unknown"
}

// Error is a structured session-layer error with a code and the stream it
// is attributable to. Stream 0 means the error is connection-scoped.
type Error struct {
	Code    ErrorCode
	Stream  StreamID
	Message string
}

func (e *Error) Error() string {
	if e.Stream != 0 {
		return fmt.Sprintf("%s on stream %d: %s", e.Code, e.Stream, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a connection-scoped structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewStreamError creates an error attributed to one stream.
func NewStreamError(code ErrorCode, stream StreamID, message string) *Error {
	return &Error{Code: code, Stream: stream, Message: message}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeNone for foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrCodeNone
}
