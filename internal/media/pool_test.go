package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPoolGetPut(t *testing.T) {
	p := NewBufferPool(160, 2)
	assert.Equal(t, 160, p.BlockSize())

	a := p.Get()
	b := p.Get()
	require.Len(t, a, 160)
	require.Len(t, b, 160)

	hits, misses := p.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(0), misses)

	p.Put(a)
	c := p.Get()
	require.Len(t, c, 160)

	hits, _ = p.Stats()
	assert.Equal(t, uint64(3), hits)
}

func TestBufferPoolFallbackAllocation(t *testing.T) {
	p := NewBufferPool(64, 1)

	_ = p.Get()
	extra := p.Get() // pool empty, allocates

	require.Len(t, extra, 64)
	hits, misses := p.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestBufferPoolDiscardsUndersizedBlocks(t *testing.T) {
	p := NewBufferPool(160, 0)

	p.Put(make([]byte, 32))
	_ = p.Get()

	_, misses := p.Stats()
	assert.Equal(t, uint64(1), misses, "undersized block must not re-enter the pool")
}

func TestBufferPoolTrimsOversizedBlocks(t *testing.T) {
	p := NewBufferPool(160, 0)

	p.Put(make([]byte, 1500))
	b := p.Get()

	assert.Len(t, b, 160)
	hits, _ := p.Stats()
	assert.Equal(t, uint64(1), hits)
}
