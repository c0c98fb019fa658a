// Package remote delivers outbound mail to remote hosts, retrying on a
// schedule and bouncing mail that cannot be delivered.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/logging"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/metrics"
	"github.com/busybox42/elemta-core/internal/spool"
)

// Engine runs the outbound queue.
type Engine struct {
	queue     *spool.Queue
	cfg       config.RemoteConfig
	resolver  Resolver
	deliverer Deliverer
	bouncer   Bouncer
	recorder  metrics.Recorder
	breakers  *breakers
	delay     spool.DelayFunc
	logger    *slog.Logger
	mlog      *logging.MessageLogger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the destination resolver.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithDeliverer sets the per-host deliverer.
func WithDeliverer(d Deliverer) Option {
	return func(e *Engine) { e.deliverer = d }
}

// WithBouncer sets the bouncer used for undeliverable mail.
func WithBouncer(b Bouncer) Option {
	return func(e *Engine) { e.bouncer = b }
}

// WithRecorder sets the external counters store.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMessageLogger sets the lifecycle logger.
func WithMessageLogger(ml *logging.MessageLogger) Option {
	return func(e *Engine) { e.mlog = ml }
}

// NewEngine creates an engine over the outbound queue. A resolver,
// deliverer and bouncer must be supplied through options.
func NewEngine(queue *spool.Queue, cfg config.RemoteConfig, opts ...Option) (*Engine, error) {
	logger := slog.Default().With("component", "remote-engine")
	e := &Engine{
		queue:    queue,
		cfg:      cfg,
		recorder: metrics.Nop{},
		breakers: newBreakers(cfg.Breaker, logger),
		delay:    spool.Schedule(cfg.Delays()),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mlog == nil {
		e.mlog = logging.NewMessageLogger(slog.Default())
	}

	switch {
	case e.resolver == nil:
		return nil, errors.New("remote engine requires a resolver")
	case e.deliverer == nil:
		return nil, errors.New("remote engine requires a deliverer")
	case e.bouncer == nil:
		return nil, errors.New("remote engine requires a bouncer")
	}
	if e.cfg.Workers <= 0 {
		e.cfg.Workers = 1
	}
	return e, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting remote delivery",
		"workers", e.cfg.Workers,
		"max_retries", e.cfg.MaxRetries,
		"retry_delays", e.cfg.Delays(),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return e.worker(gctx, id)
		})
	}
	err := g.Wait()
	e.logger.Info("Remote delivery stopped")
	return err
}

func (e *Engine) worker(ctx context.Context, id int) error {
	logger := e.logger.With("worker_id", id)
	for {
		m, err := e.queue.AcceptDelayed(ctx, e.delay)
		if err != nil {
			if errors.Is(err, spool.ErrInterrupted) {
				return nil
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}
		logger.Debug("Accepted outbound mail", "message_id", m.ID, "attempts", m.Attempts)
		e.Process(ctx, m)
	}
}

// Process makes one delivery attempt for m, which must be locked in the
// queue. The lock is released on return.
func (e *Engine) Process(ctx context.Context, m *mail.Mail) {
	removed := false
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic during remote delivery", "message_id", m.ID, "panic", r)
		}
		if !removed {
			if err := e.queue.Unlock(m.ID); err != nil {
				e.logger.Warn("Failed to unlock outbound mail", "message_id", m.ID, "error", err)
			}
		}
	}()

	if !m.IsLive() {
		removed = e.remove(m)
		return
	}

	host, ok := singleHost(m)
	if !ok {
		removed = e.split(m)
		return
	}

	err := e.attempt(ctx, host, m)
	if err == nil {
		e.delivered(ctx, m, host)
		removed = e.remove(m)
		return
	}
	if ctx.Err() != nil {
		e.logger.Info("Delivery interrupted", "message_id", m.ID)
		return
	}
	removed = e.failed(ctx, m, err)
}

// attempt tries every destination of host in order until one accepts the
// mail or refuses it permanently.
func (e *Engine) attempt(ctx context.Context, host string, m *mail.Mail) error {
	targets, err := e.resolver.Resolve(ctx, host)
	if err != nil {
		return classify("", err)
	}
	if len(targets) == 0 {
		return Transient("", fmt.Errorf("no destinations for %s", host))
	}

	var last error
	for _, target := range targets {
		err := e.breakers.do(target, func() error {
			if err := e.deliverer.Deliver(ctx, target, m); err != nil {
				return classify(target, err)
			}
			return nil
		})
		if err == nil {
			return nil
		}
		last = classify(target, err)
		e.logger.Debug("Destination failed",
			"message_id", m.ID,
			"host", target,
			"error", last,
		)
		if IsPermanent(last) || ctx.Err() != nil {
			break
		}
	}
	return last
}

func (e *Engine) delivered(ctx context.Context, m *mail.Mail, host string) {
	metrics.RemoteAttempts.WithLabelValues(metrics.ResultDelivered).Inc()
	if err := e.recorder.IncrDelivered(ctx); err != nil {
		e.logger.Debug("Failed to record delivery", "error", err)
	}
	mctx := logging.ContextFor(m)
	mctx.Queue = e.queue.Name()
	mctx.DeliveryHost = host
	mctx.DeliveryMethod = "smtp"
	e.mlog.LogDelivery(mctx)
}

// failed records a failed attempt. The mail is bounced and removed when the
// failure is permanent or the retries are used up, and stored back for a
// later retry otherwise. A bounce that cannot be queued is logged and the
// entry is removed anyway. It reports whether the lock was released.
func (e *Engine) failed(ctx context.Context, m *mail.Mail, err error) bool {
	now := e.now()
	m.Attempts++
	m.LastError = err.Error()
	m.LastUpdated = now
	m.State = mail.StateReady

	mctx := logging.ContextFor(m)
	mctx.Queue = e.queue.Name()
	var de *DeliveryError
	if errors.As(err, &de) {
		mctx.DeliveryHost = de.Host
	}

	if IsPermanent(err) || m.Attempts > e.cfg.MaxRetries {
		e.mlog.LogBounce(mctx)
		if berr := e.bouncer.Bounce(ctx, m, m.LastError); berr != nil {
			e.logger.Error("Failed to bounce mail, dropping it",
				"message_id", m.ID,
				"sender", m.Sender,
				"reason", m.LastError,
				"error", berr,
			)
		} else {
			metrics.RemoteAttempts.WithLabelValues(metrics.ResultBounced).Inc()
		}
		if rerr := e.recorder.IncrFailed(ctx); rerr != nil {
			e.logger.Debug("Failed to record failure", "error", rerr)
		}
		for _, rcpt := range m.Recipients {
			if rerr := e.recorder.AddRecentError(ctx, m.ID, rcpt, m.LastError); rerr != nil {
				e.logger.Debug("Failed to record recent error", "error", rerr)
				break
			}
		}
		return e.remove(m)
	}

	e.mlog.LogTempFail(mctx)
	metrics.RemoteAttempts.WithLabelValues(metrics.ResultDeferred).Inc()
	if rerr := e.recorder.IncrDeferred(ctx); rerr != nil {
		e.logger.Debug("Failed to record deferral", "error", rerr)
	}
	mctx.NextRetry = now.Add(e.delay(m.Attempts))
	e.mlog.LogDeferral(mctx)
	e.store(m)
	return false
}

// split replaces an entry addressed to several domains by per-domain
// copies.
func (e *Engine) split(m *mail.Mail) bool {
	for _, c := range SplitByHost(m) {
		if err := e.queue.Store(c); err != nil {
			e.logger.Error("Failed to store per-host copy", "message_id", m.ID, "copy_id", c.ID, "error", err)
			return false
		}
	}
	return e.remove(m)
}

func (e *Engine) store(m *mail.Mail) {
	if err := e.queue.Store(m); err != nil {
		e.logger.Error("Failed to store outbound mail", "message_id", m.ID, "error", err)
	}
}

// remove deletes the entry. Remove releases the lock even when it fails,
// so this always reports true.
func (e *Engine) remove(m *mail.Mail) bool {
	if err := e.queue.Remove(m.ID); err != nil {
		e.logger.Error("Failed to remove outbound mail", "message_id", m.ID, "error", err)
	}
	return true
}
