// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

// entry wraps a value with its expiration time.
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// TTLStore is a generic in-memory store whose entries expire after a
// per-entry TTL. A background goroutine sweeps expired entries every
// cleanup interval and invokes the eviction callback, if set, for each.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*entry[V]
	stopCh   chan struct{}
	interval time.Duration
	onEvict  func(key K, value V)
}

// NewTTLStore creates a new TTL store with the specified cleanup interval.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict sets the callback invoked when entries expire during cleanup.
// It is not called on manual Delete.
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value with the given TTL, replacing any existing entry.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &entry[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Get retrieves a value by key. Returns the value and true if found and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.items[key]
	if !exists || e.expired() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a key from the store. Returns true if the key was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; exists {
		delete(s.items, key)
		return true
	}
	return false
}

// Has returns true if the key exists and is not expired
func (s *TTLStore[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.items[key]
	return exists && !e.expired()
}

// Len returns the number of non-expired entries
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.items {
		if !e.expired() {
			count++
		}
	}
	return count
}

// Refresh updates the TTL for an existing key without changing the value
func (s *TTLStore[K, V]) Refresh(key K, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.items[key]
	if !exists {
		return false
	}
	e.expiresAt = time.Now().Add(ttl)
	return true
}

// ForEach iterates over all non-expired entries, stopping when fn returns false.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, e := range s.items {
		if !e.expired() {
			if !fn(key, e.value) {
				break
			}
		}
	}
}

// Clear removes all entries from the store
func (s *TTLStore[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]*entry[V])
}

// Close stops the cleanup goroutine and clears the store
func (s *TTLStore[K, V]) Close() {
	close(s.stopCh)
	s.Clear()
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries. Eviction callbacks run outside the
// critical section so a callback may safely call back into the store.
func (s *TTLStore[K, V]) cleanup() {
	s.mu.Lock()
	type evicted struct {
		key   K
		value V
	}
	var expired []evicted

	for key, e := range s.items {
		if e.expired() {
			expired = append(expired, evicted{key, e.value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
}
