package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLStoreBasicOperations(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Hour)
	s.Set("b", 2, time.Hour)

	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, s.Has("b"))
	assert.Equal(t, 2, s.Len())

	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.False(t, s.Has("a"))
}

func TestTTLStoreExpiry(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("short", 1, 20*time.Millisecond)
	assert.True(t, s.Has("short"))

	time.Sleep(50 * time.Millisecond)

	// Expired entries are invisible even before the sweeper runs.
	_, ok := s.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestTTLStoreRefresh(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("k", 1, 30*time.Millisecond)
	require.True(t, s.Refresh("k", time.Hour))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, s.Has("k"))

	assert.False(t, s.Refresh("missing", time.Hour))
}

func TestTTLStoreEviction(t *testing.T) {
	s := NewTTLStore[string, int](10 * time.Millisecond)
	defer s.Close()

	var mu sync.Mutex
	evicted := make(map[string]int)
	s.SetOnEvict(func(key string, value int) {
		mu.Lock()
		evicted[key] = value
		mu.Unlock()
	})

	s.Set("gone", 42, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		_, ok := evicted["gone"]
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 42, evicted["gone"])
}

func TestTTLStoreForEach(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour)
	defer s.Close()

	s.Set("a", 1, time.Hour)
	s.Set("b", 2, time.Hour)

	sum := 0
	s.ForEach(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 3, sum)

	visits := 0
	s.ForEach(func(_ string, _ int) bool {
		visits++
		return false
	})
	assert.Equal(t, 1, visits)
}
