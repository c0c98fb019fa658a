package spool

import (
	"sort"
	"sync"

	"github.com/busybox42/elemta-core/internal/mail"
)

// MemoryBackend keeps entries in a map. Nothing survives a restart.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*mail.Mail
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*mail.Mail)}
}

// Put implements Backend.
func (b *MemoryBackend) Put(m *mail.Mail) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[m.ID] = m.Clone()
	return nil
}

// Get implements Backend.
func (b *MemoryBackend) Get(id string) (*mail.Mail, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return ErrNotFound
	}
	delete(b.entries, id)
	return nil
}

// Keys implements Backend. Keys come back sorted so scans are stable.
func (b *MemoryBackend) Keys() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
