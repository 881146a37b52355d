package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackDelivery(t *testing.T) {
	a, b := NewLoopbackPair("a", "b")
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	n, err := a.WriteTo([]byte("hello"), LoopbackAddr("b"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 64)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, "a", from.String())
}

func TestLoopbackUnknownDestinationDropped(t *testing.T) {
	a, _ := NewLoopbackPair("a", "b")
	defer func() { _ = a.Close() }()

	// Matches UDP: sends to nowhere succeed and vanish.
	n, err := a.WriteTo([]byte("lost"), LoopbackAddr("nobody"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLoopbackCloseUnblocksReader(t *testing.T) {
	a, _ := NewLoopbackPair("a", "b")

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 8)
		_, _, err := a.ReadFrom(buf)
		done <- err
	}()

	require.NoError(t, a.Close())
	assert.ErrorIs(t, <-done, ErrClosed)

	_, err := a.WriteTo([]byte("x"), LoopbackAddr("b"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoopbackWriteRacesClose(t *testing.T) {
	for i := 0; i < 500; i++ {
		a, b := NewLoopbackPair("a", "b")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = a.WriteTo([]byte("x"), LoopbackAddr("b"))
			}
		}()
		go func() {
			defer wg.Done()
			_ = b.Close()
		}()
		wg.Wait()
		_ = a.Close()
	}
}

func TestLoopbackWriteToClosedPeerDiscarded(t *testing.T) {
	a, b := NewLoopbackPair("a", "b")
	defer func() { _ = a.Close() }()
	require.NoError(t, b.Close())

	_, err := a.WriteTo([]byte("x"), LoopbackAddr("b"))
	assert.NoError(t, err)
}
