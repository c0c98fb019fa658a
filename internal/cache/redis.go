package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/busybox42/elemta-core/internal/config"
)

// Redis implements the Cache interface for Redis
type Redis struct {
	config    config.CacheConfig
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis cache
func NewRedis(cfg config.CacheConfig) *Redis {
	if cfg.Port == 0 {
		cfg.Port = 6379 // Default Redis port
	}
	return &Redis{config: cfg}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}
	r.connected = false
	return r.client.Close()
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return val, nil
}

// Set stores a value in Redis
func (r *Redis) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}
	if err := r.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Del(ctx, key).Err()
}
