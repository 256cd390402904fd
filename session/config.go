// File: session/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultInitialWindow is the flow-control window both sides assume for
// every scope before any settings exchange.
const DefaultInitialWindow = 65536

// serialWindow is the effectively unlimited window used on codecs with no
// wire-level flow control.
const serialWindow = 1 << 30

// Config carries the per-session serving knobs. Zero values fall back to
// the defaults below.
type Config struct {
	// MaxConcurrentStreams bounds the live transaction set. Streams past
	// the limit are deferred, not refused, while deferral can make
	// progress.
	MaxConcurrentStreams uint32 `env:"HIOLOAD_HTTP_MAX_STREAMS" envDefault:"100"`

	// ReceiveWindow is the per-stream and connection ingress window this
	// side advertises on flow-controlled codecs.
	ReceiveWindow uint32 `env:"HIOLOAD_HTTP_RECV_WINDOW" envDefault:"65536"`

	// ReadTimeout bounds ingress inactivity while some stream still
	// expects bytes from the peer.
	ReadTimeout time.Duration `env:"HIOLOAD_HTTP_READ_TIMEOUT" envDefault:"5s"`

	// WriteTimeout bounds how long queued egress may sit unflushable
	// behind backpressure or an exhausted window.
	WriteTimeout time.Duration `env:"HIOLOAD_HTTP_WRITE_TIMEOUT" envDefault:"5s"`

	// PacketSize bounds one transport write operation; large handler
	// writes are sliced into packets of this size.
	PacketSize int `env:"HIOLOAD_HTTP_PACKET_SIZE" envDefault:"4096"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 100,
		ReceiveWindow:        DefaultInitialWindow,
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		PacketSize:           4096,
	}
}

// ConfigFromEnv loads the config from HIOLOAD_HTTP_* environment
// variables, falling back to the defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if c.ReceiveWindow == 0 {
		c.ReceiveWindow = def.ReceiveWindow
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PacketSize == 0 {
		c.PacketSize = def.PacketSize
	}
	return c
}
