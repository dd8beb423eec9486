package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	Value     V
	StoredAt  time.Time
	ExpiresAt time.Time
}

// TTLMap is a mutex-guarded map whose entries carry an expiry instant. A zero
// expiry never expires.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]entry[V]{}}
}

// Get returns the stored value along with the instant it was stored at,
// ignoring expiry.
func (m *TTLMap[K, V]) Get(key K) (V, time.Time, bool) {
	var zero V
	if m == nil {
		return zero, time.Time{}, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, time.Time{}, false
	}
	return it.Value, it.StoredAt, true
}

// Fresh returns the value only while it has not expired at the given instant.
func (m *TTLMap[K, V]) Fresh(key K, now time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
		return zero, false
	}
	return it.Value, true
}

func (m *TTLMap[K, V]) Set(key K, value V, now time.Time, ttl time.Duration) {
	if m == nil {
		return
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = entry[V]{Value: value, StoredAt: now, ExpiresAt: exp}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Purge drops every entry whose expiry is at or before now.
func (m *TTLMap[K, V]) Purge(now time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	for k, it := range m.items {
		if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
