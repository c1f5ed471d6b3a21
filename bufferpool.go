package http2

import "github.com/valyala/bytebufferpool"

// defaultMaxBufferSize is used when ServerConfig.MaxBufferSize is zero.
const defaultMaxBufferSize = 1 << 16

// BufferPool hands out zeroed byte slices for the connection's
// scratch-buffer needs (DATA frame staging, body copies) and returns
// them to a shared bytebufferpool.Pool instead of letting the GC
// collect and reallocate them every time. bytebufferpool.Pool already
// buckets by calibrated size classes internally; the wrapper's own job
// is just the max_buffer_size policy from the spec's buffer_pool
// config option: a buffer larger than that cap is let go rather than
// fed back into the shared pool, so one oversized request body
// doesn't permanently inflate every future Get() on the connection.
type BufferPool struct {
	pool          bytebufferpool.Pool
	maxBufferSize int
}

// NewBufferPool builds a BufferPool that never retains buffers larger
// than maxBufferSize. Zero or negative selects defaultMaxBufferSize.
func NewBufferPool(maxBufferSize int) *BufferPool {
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBufferSize
	}

	return &BufferPool{maxBufferSize: maxBufferSize}
}

// Acquire returns a buffer whose B field has length n. If the
// underlying buffer came from the pool, its first n bytes are zeroed.
func (p *BufferPool) Acquire(n int) *bytebufferpool.ByteBuffer {
	bb := p.pool.Get()

	if cap(bb.B) < n {
		bb.B = make([]byte, n)
		return bb
	}

	bb.B = bb.B[:n]
	for i := range bb.B {
		bb.B[i] = 0
	}

	return bb
}

// Release returns bb to the pool, unless it grew past maxBufferSize,
// in which case it's dropped so the pool's size classes don't get
// skewed by one unusually large request.
func (p *BufferPool) Release(bb *bytebufferpool.ByteBuffer) {
	if cap(bb.B) > p.maxBufferSize {
		return
	}

	p.pool.Put(bb)
}
