package bufpool

import (
	"sync"
)

// Pool hands out byte buffers of one fixed size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize byte buffers. It panics if bufSize is not positive.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufpool: bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, bufSize)
				return &b
			},
		},
	}
}

// Get returns a buffer of exactly BufSize bytes. Contents are not zeroed.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf to the pool. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

func (p *Pool) BufSize() int {
	return p.bufSize
}

var (
	sharedMu sync.Mutex
	shared   = make(map[int]*Pool)
)

// Shared returns the process-wide pool for bufSize, creating it on first use.
// Transfers running with the same block size reuse each other's buffers.
func Shared(bufSize int) *Pool {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	p, ok := shared[bufSize]
	if !ok {
		p = New(bufSize)
		shared[bufSize] = p
	}
	return p
}
