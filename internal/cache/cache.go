// Package cache provides the byte caches used for DNS answers.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/busybox42/elemta-core/internal/config"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the interface that all cache implementations must satisfy
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Type returns the type of the cache (e.g., "redis", "memcached", etc.)
	Type() string

	// Get retrieves a value from the cache. Missing or expired keys return
	// ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an expiration. Zero means no expiration.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Open creates and connects the cache described by cfg. Type "none" or an
// empty type returns a nil Cache.
func Open(cfg config.CacheConfig) (Cache, error) {
	var c Cache
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		c = NewMemory()
	case "redis":
		c = NewRedis(cfg)
	case "memcached":
		c = NewMemcached(cfg)
	default:
		return nil, errors.New("unsupported cache type: " + cfg.Type)
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}
