// Package bufpool recycles fixed-size byte buffers for stream copies and
// datagram reads.
package bufpool

import "sync"

// Pool hands out buffers of exactly Size bytes.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of exactly Size bytes.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.size {
		return make([]byte, p.size)
	}
	return (*bp)[:p.size]
}

// Put returns buf to the pool. Buffers smaller than Size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Size returns the buffer size of the pool.
func (p *Pool) Size() int {
	return p.size
}
