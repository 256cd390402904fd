// File: transport/tcp/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Event-loop transport over a net.Conn. All handler callbacks run on the
// goroutine that calls Serve; Write never blocks on the socket.

package tcp

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-http/api"
)

const (
	readBufferSize = 64 << 10

	// Write backpressure watermarks: the handler is paused once queued
	// egress passes the high mark and resumed when the writer drains it
	// below the low mark.
	defaultHighWatermark = 256 << 10
	defaultLowWatermark  = 64 << 10
)

type writeItem struct {
	data []byte
	done func(error)
}

// writeQueue is an unbounded FIFO between the event loop and the writer
// goroutine. Unbounded is safe: the watermark pause stops the session from
// producing long before the queue matters.
type writeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []writeItem
	closed bool
}

func newWriteQueue() *writeQueue {
	q := &writeQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *writeQueue) push(it writeItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed.
func (q *writeQueue) pop() (writeItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return writeItem{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

type readEvent struct {
	data []byte
	err  error
}

// Conn adapts a net.Conn to api.Transport. Construct with NewConn, attach
// the session, then call Serve from the goroutine that should own all
// session callbacks.
type Conn struct {
	nc      net.Conn
	handler api.TransportHandler

	readCh   chan readEvent
	writeq   *writeQueue
	doneCh   chan writeDone
	injectCh chan func()
	closeCh  chan struct{}

	// Event-loop owned state.
	queuedBytes  int
	writesPaused bool
	readsPaused  bool
	bufferedRead []readEvent
	eofSeen      bool
	closed       bool

	highWatermark int
	lowWatermark  int

	closeOnce sync.Once
}

type writeDone struct {
	n    int
	done func(error)
	err  error
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:            nc,
		readCh:        make(chan readEvent, 1),
		writeq:        newWriteQueue(),
		doneCh:        make(chan writeDone, 64),
		injectCh:      make(chan func(), 16),
		closeCh:       make(chan struct{}),
		highWatermark: defaultHighWatermark,
		lowWatermark:  defaultLowWatermark,
	}
}

func (c *Conn) SetHandler(h api.TransportHandler) { c.handler = h }

func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Write queues b and returns immediately; done fires on the event loop
// once the writer flushed the bytes. Crossing the high watermark pauses
// the handler.
func (c *Conn) Write(b []byte, done func(error)) {
	if c.closed {
		if done != nil {
			done(api.NewError(api.ErrCodeTransport, "write on closed transport"))
		}
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	c.queuedBytes += len(cp)
	c.writeq.push(writeItem{data: cp, done: done})
	if !c.writesPaused && c.queuedBytes > c.highWatermark {
		c.writesPaused = true
		c.handler.OnWritesPaused()
	}
}

func (c *Conn) PauseReads() { c.readsPaused = true }

func (c *Conn) ResumeReads() {
	c.readsPaused = false
	for !c.readsPaused && len(c.bufferedRead) > 0 {
		ev := c.bufferedRead[0]
		c.bufferedRead = c.bufferedRead[1:]
		c.dispatchRead(ev)
	}
}

// CloseNow tears the connection down. Queued writes are dropped.
func (c *Conn) CloseNow() {
	c.closed = true
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.writeq.close()
		_ = c.nc.Close()
	})
}

// Inject schedules fn on the event loop. This is the only safe way for
// another goroutine (acceptor shutdown, admin endpoints) to touch the
// session owned by this connection.
func (c *Conn) Inject(fn func()) {
	select {
	case c.injectCh <- fn:
	case <-c.closeCh:
	}
}

// Serve runs the event loop until the connection is closed or the read
// side fails. tick is invoked every tickInterval so the session can expire
// timeouts; pass a zero interval to disable ticking (tests).
func (c *Conn) Serve(tick func(), tickInterval time.Duration) {
	go c.readLoop()
	go c.writeLoop()

	var tickCh <-chan time.Time
	if tickInterval > 0 {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for !c.closed {
		select {
		case ev := <-c.readCh:
			if c.readsPaused {
				c.bufferedRead = append(c.bufferedRead, ev)
				continue
			}
			c.dispatchRead(ev)
		case wd := <-c.doneCh:
			c.onWriteDone(wd)
		case fn := <-c.injectCh:
			fn()
		case <-tickCh:
			if tick != nil {
				tick()
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) dispatchRead(ev readEvent) {
	switch {
	case len(ev.data) > 0:
		c.handler.OnBytes(ev.data)
	case ev.err == nil:
	case errors.Is(ev.err, io.EOF):
		if !c.eofSeen {
			c.eofSeen = true
			c.handler.OnEOF()
		}
	default:
		if !c.closed {
			c.handler.OnTransportError(ev.err)
		}
	}
}

func (c *Conn) onWriteDone(wd writeDone) {
	c.queuedBytes -= wd.n
	if wd.done != nil {
		wd.done(wd.err)
	}
	if c.writesPaused && c.queuedBytes <= c.lowWatermark && !c.closed {
		c.writesPaused = false
		c.handler.OnWritesResumed()
	}
}

func (c *Conn) readLoop() {
	for {
		buf := make([]byte, readBufferSize)
		n, err := c.nc.Read(buf)
		if n > 0 {
			select {
			case c.readCh <- readEvent{data: buf[:n]}:
			case <-c.closeCh:
				return
			}
		}
		if err != nil {
			select {
			case c.readCh <- readEvent{err: err}:
			case <-c.closeCh:
			}
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		it, ok := c.writeq.pop()
		if !ok {
			return
		}
		_, err := c.nc.Write(it.data)
		select {
		case c.doneCh <- writeDone{n: len(it.data), done: it.done, err: err}:
		case <-c.closeCh:
			return
		}
		if err != nil {
			return
		}
	}
}
