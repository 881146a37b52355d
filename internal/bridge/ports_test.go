package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPoolAllocateRelease(t *testing.T) {
	pool := newPortPool(10000, 10008)
	assert.Equal(t, 4, pool.availableCount())

	port, err := pool.allocate()
	require.NoError(t, err)
	assert.Equal(t, 0, port%2, "RTP port must be even")
	assert.GreaterOrEqual(t, port, 10000)
	assert.Less(t, port, 10008)
	assert.Equal(t, 3, pool.availableCount())

	pool.release(port)
	assert.Equal(t, 4, pool.availableCount())
}

func TestPortPoolExhaustion(t *testing.T) {
	pool := newPortPool(20000, 20004)

	a, err := pool.allocate()
	require.NoError(t, err)
	b, err := pool.allocate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = pool.allocate()
	assert.Error(t, err)

	pool.release(a)
	c, err := pool.allocate()
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestPortPoolOddMinRoundsUp(t *testing.T) {
	pool := newPortPool(10001, 10005)

	port, err := pool.allocate()
	require.NoError(t, err)
	assert.Equal(t, 10002, port)
}

func TestPortPoolReleaseUnknownPortIgnored(t *testing.T) {
	pool := newPortPool(30000, 30004)
	pool.release(9999)
	assert.Equal(t, 2, pool.availableCount())
}
