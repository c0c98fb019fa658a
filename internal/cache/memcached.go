package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/busybox42/elemta-core/internal/config"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client      *memcache.Client
	config      config.CacheConfig
	isConnected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(cfg config.CacheConfig) *Memcached {
	return &Memcached{config: cfg}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	port := m.config.Port
	if port == 0 {
		port = 11211 // Default Memcached port
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, port))
	m.client.Timeout = 2 * time.Second

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	return m.isConnected
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from the cache
func (m *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	if !m.isConnected {
		return nil, ErrNotConnected
	}
	it, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s from Memcached: %w", key, err)
	}
	return it.Value, nil
}

// Set stores a value in the cache. Memcached expirations have a one
// second resolution.
func (m *Memcached) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}
	var exp int32
	if expiration > 0 {
		exp = int32(expiration.Seconds())
		if exp == 0 {
			exp = 1
		}
	}
	if err := m.client.Set(&memcache.Item{Key: key, Value: value, Expiration: exp}); err != nil {
		return fmt.Errorf("failed to set %s in Memcached: %w", key, err)
	}
	return nil
}

// Delete removes a value from the cache
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.isConnected {
		return ErrNotConnected
	}
	if err := m.client.Delete(key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}
