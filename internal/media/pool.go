package media

import "sync"

// BufferPool is a fixed-size block allocator for media hot-path buffers.
// All blocks share one block size; Get falls back to a fresh allocation
// when the pool is exhausted so callers never block. Blocks are not
// goroutine-affine: any goroutine may Get or Put.
type BufferPool struct {
	mu        sync.Mutex
	blockSize int
	free      [][]byte

	// Counters for observability
	hits   uint64
	misses uint64
}

// NewBufferPool creates a pool of count pre-allocated blocks of blockSize bytes.
func NewBufferPool(blockSize, count int) *BufferPool {
	p := &BufferPool{
		blockSize: blockSize,
		free:      make([][]byte, 0, count),
	}
	for i := 0; i < count; i++ {
		p.free = append(p.free, make([]byte, blockSize))
	}
	return p
}

// BlockSize returns the size of blocks handed out by the pool.
func (p *BufferPool) BlockSize() int { return p.blockSize }

// Get returns a block of BlockSize bytes. Contents are undefined.
func (p *BufferPool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		p.hits++
		return b
	}
	p.misses++
	return make([]byte, p.blockSize)
}

// Put returns a block to the pool. Blocks of the wrong size are discarded.
func (p *BufferPool) Put(b []byte) {
	if cap(b) < p.blockSize {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b[:p.blockSize])
}

// Stats returns the number of pool hits and fallback allocations.
func (p *BufferPool) Stats() (hits, misses uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}
