package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis-backed lock table.
type RedisConfig struct {
	Addr     string
	Password string
	Database int
	Prefix   string
	// TTL bounds how long a lock survives a crashed holder. A live holder
	// extends it every TTL/3 until Unlock.
	TTL     time.Duration
	Timeout time.Duration
}

// Redis is a Locker shared by every node pointing at the same server.
// Errors talking to Redis are logged and reported as "not acquired".
//
// Keys acquired through this value are kept alive in the background, so a
// session longer than the TTL does not lose its lock. If Redis stays
// unreachable for a whole TTL the key can still expire under its holder;
// the refresher logs that case.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	held map[string]context.CancelFunc
	wg   sync.WaitGroup
}

var _ Locker = (*Redis)(nil)

// NewRedis connects to Redis and returns a lock table.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "elemta:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Redis{
		client:  client,
		prefix:  cfg.Prefix,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		logger:  slog.Default().With("component", "keylock-redis"),
		held:    make(map[string]context.CancelFunc),
	}
}

// Lock implements Locker.
func (r *Redis) Lock(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		r.logger.Warn("Failed to acquire lock", "key", key, "error", err)
		return false
	}
	if ok {
		r.hold(key)
	}
	return ok
}

// Unlock implements Locker.
func (r *Redis) Unlock(key string) bool {
	r.release(key)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		r.logger.Warn("Failed to release lock", "key", key, "error", err)
		return false
	}
	return n == 1
}

// IsLocked implements Locker.
func (r *Redis) IsLocked(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		r.logger.Warn("Failed to check lock", "key", key, "error", err)
		return false
	}
	return n == 1
}

// hold refreshes the TTL of key until release is called for it.
func (r *Redis) hold(key string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if prev, ok := r.held[key]; ok {
		prev()
	}
	r.held[key] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !r.refresh(ctx, key) {
					return
				}
			}
		}
	}()
}

// refresh extends the TTL of key once. It reports false when the key is
// gone or the hold was released.
func (r *Redis) refresh(parent context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	ok, err := r.client.Expire(ctx, r.prefix+key, r.ttl).Result()
	if parent.Err() != nil {
		return false
	}
	if err != nil {
		r.logger.Warn("Failed to refresh lock", "key", key, "error", err)
		return true
	}
	if !ok {
		r.logger.Error("Lock expired while held", "key", key)
		r.release(key)
		return false
	}
	return true
}

func (r *Redis) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.held[key]; ok {
		cancel()
		delete(r.held, key)
	}
}

// Close stops refreshing held keys and closes the underlying client. Held
// keys expire after their TTL.
func (r *Redis) Close() error {
	r.mu.Lock()
	for key, cancel := range r.held {
		cancel()
		delete(r.held, key)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.client.Close()
}
