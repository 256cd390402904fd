// File: transport/tcp/acceptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener-side wiring: accepts connections, tunes sockets, snapshots the
// current serving limits and runs one session event loop per connection.

package tcp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-http/api"
	"github.com/momentics/hioload-http/control"
	"github.com/momentics/hioload-http/session"
)

const defaultTickInterval = 100 * time.Millisecond

// Acceptor binds a listener to a controller and a codec factory. Limits
// come from an optional control.ConfigStore snapshot taken per accepted
// connection, so operator retunes apply to new sessions only.
type Acceptor struct {
	ln         net.Listener
	controller api.Controller
	newCodec   func() api.Codec
	baseCfg    session.Config

	store        *control.ConfigStore
	log          *slog.Logger
	metrics      *control.MetricsRegistry
	tickInterval time.Duration

	mu     sync.Mutex
	conns  map[*Conn]*session.Session
	closed bool
	wg     sync.WaitGroup
}

// AcceptorOption customizes an Acceptor at construction.
type AcceptorOption func(*Acceptor)

// WithConfigStore sources per-connection limits from a hot-reloadable store.
func WithConfigStore(store *control.ConfigStore) AcceptorOption {
	return func(a *Acceptor) { a.store = store }
}

func WithAcceptLogger(l *slog.Logger) AcceptorOption {
	return func(a *Acceptor) { a.log = l }
}

func WithAcceptMetrics(m *control.MetricsRegistry) AcceptorOption {
	return func(a *Acceptor) { a.metrics = m }
}

// WithTickInterval sets the timer resolution of every session event loop.
func WithTickInterval(d time.Duration) AcceptorOption {
	return func(a *Acceptor) { a.tickInterval = d }
}

// NewAcceptor listens on addr. newCodec is invoked once per connection;
// return a serial codec for plain HTTP/1.x listeners or a parallel one for
// framed listeners.
func NewAcceptor(addr string, controller api.Controller, newCodec func() api.Codec, cfg session.Config, opts ...AcceptorOption) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	a := &Acceptor{
		ln:           ln,
		controller:   controller,
		newCodec:     newCodec,
		baseCfg:      cfg,
		tickInterval: defaultTickInterval,
		conns:        make(map[*Conn]*session.Session),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = control.NewMetricsRegistry()
	}
	return a, nil
}

// Addr is the bound listener address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Serve accepts connections until the listener is closed.
func (a *Acceptor) Serve() error {
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		tuneConn(nc)
		a.serveConn(nc)
	}
}

func (a *Acceptor) serveConn(nc net.Conn) {
	cfg := a.snapshotConfig()
	conn := NewConn(nc)
	sess := session.New(conn, a.newCodec(), a.controller, cfg,
		session.WithLogger(a.log), session.WithMetrics(a.metrics))

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = nc.Close()
		return
	}
	a.conns[conn] = sess
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.conns, conn)
			a.mu.Unlock()
			a.wg.Done()
		}()
		sess.Start()
		conn.Serve(sess.Tick, a.tickInterval)
	}()
}

func (a *Acceptor) snapshotConfig() session.Config {
	cfg := a.baseCfg
	if a.store != nil {
		lim := a.store.Snapshot()
		if lim.MaxConcurrentStreams > 0 {
			cfg.MaxConcurrentStreams = lim.MaxConcurrentStreams
		}
		if lim.ReadTimeout > 0 {
			cfg.ReadTimeout = lim.ReadTimeout
		}
		if lim.WriteTimeout > 0 {
			cfg.WriteTimeout = lim.WriteTimeout
		}
	}
	return cfg
}

// Shutdown stops accepting, drains live sessions gracefully and waits for
// them up to the context deadline. Sessions still alive at the deadline
// keep running; their event loops exit when their connections do.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conns := make(map[*Conn]*session.Session, len(a.conns))
	for c, s := range a.conns {
		conns[c] = s
	}
	a.mu.Unlock()

	err := a.ln.Close()
	for c, s := range conns {
		sess := s
		c.Inject(func() { sess.NotifyPendingShutdown() })
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
