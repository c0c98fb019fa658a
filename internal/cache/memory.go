package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value   []byte
	expires time.Time
}

func (i item) expired(now time.Time) bool {
	return !i.expires.IsZero() && now.After(i.expires)
}

// Memory implements the Cache interface for in-memory caching
type Memory struct {
	mu        sync.RWMutex
	items     map[string]item
	connected bool
	stop      chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory() *Memory {
	return &Memory{items: make(map[string]item)}
}

// Connect starts the janitor that drops expired items.
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}
	m.connected = true
	m.stop = make(chan struct{})

	go func(stop <-chan struct{}) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.deleteExpired()
			case <-stop:
				return
			}
		}
	}(m.stop)
	return nil
}

// Close stops the janitor and drops every item.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	close(m.stop)
	m.connected = false
	m.items = make(map[string]item)
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Type returns the type of the cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}
	it, ok := m.items[key]
	if !ok || it.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	it := item{value: append([]byte(nil), value...)}
	if expiration > 0 {
		it.expires = time.Now().Add(expiration)
	}
	m.items[key] = it
	return nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
		}
	}
}
