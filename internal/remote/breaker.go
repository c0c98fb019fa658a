package remote

import (
	"log/slog"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/busybox42/elemta-core/internal/config"
)

// breakers keeps one circuit breaker per remote host. Permanent failures
// count as successes: the host answered.
type breakers struct {
	cfg    config.BreakerConfig
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]*gobreaker.CircuitBreaker
}

func newBreakers(cfg config.BreakerConfig, logger *slog.Logger) *breakers {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	return &breakers{
		cfg:    cfg,
		logger: logger,
		hosts:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakers) get(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.hosts[host]; ok {
		return cb
	}
	failures := b.cfg.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval.Duration,
		Timeout:     b.cfg.Timeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Info("Circuit breaker state changed",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	b.hosts[host] = cb
	return cb
}

// do runs fn through the breaker of host.
func (b *breakers) do(host string, fn func() error) error {
	_, err := b.get(host).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state of host, or closed if it has none.
func (b *breakers) state(host string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.hosts[host]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
