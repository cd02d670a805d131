package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// Pool is a thread-safe pool of byte slices used as copy buffers while
// piping segment bytes from the upstream to a client. Buffers are reused
// through valyala/bytebufferpool to keep per-request allocation flat.
type Pool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewPool creates a Pool handing out buffers of at least bufferSize bytes.
func NewPool(bufferSize int) *Pool {
	if bufferSize <= 0 {
		bufferSize = 64 * 1024
	}
	return &Pool{
		bufferSize: bufferSize,
		pool:       &bytebufferpool.Pool{},
	}
}

// Get returns a pooled buffer sized to the pool's configured buffer size.
// The returned slice aliases pooled storage; hand it back with Put when the
// copy loop is done.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	if cap(buf.B) < p.bufferSize {
		buf.B = make([]byte, 0, p.bufferSize)
	}
	buf.B = buf.B[:p.bufferSize]
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
