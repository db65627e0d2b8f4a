// Package lrumap provides a concurrency-safe map that is either unbounded or
// capped with least-recently-used eviction.
package lrumap

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Map[K comparable, V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[K, V]
	plain map[K]V
}

// New returns an unbounded map when capacity <= 0.
func New[K comparable, V any](capacity int) (*Map[K, V], error) {
	if capacity <= 0 {
		return &Map[K, V]{plain: map[K]V{}}, nil
	}
	cache, err := lru.New[K, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &Map[K, V]{cache: cache}, nil
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value)
}

// GetOrCreate returns the stored value for key, creating it with create when
// absent. The lookup and insert happen under one lock.
func (m *Map[K, V]) GetOrCreate(key K, create func() V) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.getLocked(key); ok {
		return v
	}
	v := create()
	m.setLocked(key, v)
	return v
}

func (m *Map[K, V]) Delete(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil {
		return m.cache.Remove(key)
	}
	if _, ok := m.plain[key]; !ok {
		return false
	}
	delete(m.plain, key)
	return true
}

func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil {
		return m.cache.Len()
	}
	return len(m.plain)
}

func (m *Map[K, V]) getLocked(key K) (V, bool) {
	if m.cache != nil {
		return m.cache.Get(key)
	}
	v, ok := m.plain[key]
	return v, ok
}

func (m *Map[K, V]) setLocked(key K, value V) {
	if m.cache != nil {
		m.cache.Add(key, value)
		return
	}
	m.plain[key] = value
}
