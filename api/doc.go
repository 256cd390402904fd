// Package api
// Author: momentics <momentics@gmail.com>
//
// Capability interfaces and shared types for the hioload-http session layer.
// The session core consumes a Codec (wire parsing/generation), a Transport
// (raw byte I/O) and a Controller (handler factory), and exposes a Handler
// contract to application code. Production and test implementations of each
// interface are interchangeable variants, not subclasses with shared state.
package api
