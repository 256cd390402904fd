// File: pool/bufferpool.go
// Author: momentics <momentics@gmail.com>
//
// Reusable egress packet buffers. The session drain loop serializes one
// bounded packet per scheduler turn; buffers cycle back once the transport
// reports the write flushed.

package pool

import (
	"bytes"
	"sync"
)

// BufferPool recycles *bytes.Buffer instances pre-grown to the packet
// size, so steady-state egress allocates nothing.
type BufferPool struct {
	size int
	p    sync.Pool
}

// NewBufferPool creates a pool of buffers with capacity hint size.
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.p.New = func() any {
		b := &bytes.Buffer{}
		b.Grow(size)
		return b
	}
	return bp
}

// Get returns an empty buffer.
func (bp *BufferPool) Get() *bytes.Buffer {
	b := bp.p.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns a buffer to the pool. Oversized buffers (a packet that
// outgrew the hint) are dropped for the GC instead of pinning memory.
func (bp *BufferPool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > 4*bp.size {
		return
	}
	bp.p.Put(b)
}
