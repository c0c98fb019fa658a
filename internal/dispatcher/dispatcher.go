// Package dispatcher runs mail from the main spool through the processing
// pipelines with a fixed pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/logging"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/metrics"
	"github.com/busybox42/elemta-core/internal/pipeline"
	"github.com/busybox42/elemta-core/internal/spool"
)

// Dispatcher takes mail from a spool queue and drives it through the
// pipeline named by its state until it is ghosted.
type Dispatcher struct {
	queue     *spool.Queue
	pipelines map[string]*pipeline.Pipeline
	cfg       config.DispatcherConfig
	recorder  metrics.Recorder
	logger    *slog.Logger
	mlog      *logging.MessageLogger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder sets the external counters store.
func WithRecorder(r metrics.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMessageLogger sets the lifecycle logger.
func WithMessageLogger(ml *logging.MessageLogger) Option {
	return func(d *Dispatcher) { d.mlog = ml }
}

// New creates a dispatcher. The root pipeline named in cfg must exist.
func New(queue *spool.Queue, pipelines map[string]*pipeline.Pipeline, cfg config.DispatcherConfig, opts ...Option) (*Dispatcher, error) {
	if cfg.Root == "" {
		cfg.Root = mail.StateRoot
	}
	if cfg.Error == "" {
		cfg.Error = mail.StateError
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 32
	}
	if _, ok := pipelines[cfg.Root]; !ok {
		return nil, fmt.Errorf("root pipeline %q is not defined", cfg.Root)
	}

	d := &Dispatcher{
		queue:     queue,
		pipelines: pipelines,
		cfg:       cfg,
		recorder:  metrics.Nop{},
		logger:    slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.mlog == nil {
		d.mlog = logging.NewMessageLogger(slog.Default())
	}
	if _, ok := pipelines[cfg.Error]; !ok {
		d.logger.Warn("No error pipeline defined, failed mail will be discarded", "pipeline", cfg.Error)
	}
	return d, nil
}

// Submit stores a new mail in the queue for processing. An empty state is
// set to the root pipeline.
func (d *Dispatcher) Submit(ctx context.Context, m *mail.Mail) error {
	if m.State == "" {
		m.State = d.cfg.Root
	}
	if err := d.queue.Store(m); err != nil {
		return err
	}

	mctx := logging.ContextFor(m)
	mctx.Queue = d.queue.Name()
	d.mlog.LogReception(mctx)
	if err := d.recorder.IncrReceived(ctx); err != nil {
		d.logger.Debug("Failed to record reception", "error", err)
	}
	return nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Starting dispatcher",
		"workers", d.cfg.Workers,
		"root", d.cfg.Root,
		"error", d.cfg.Error,
		"max_hops", d.cfg.MaxHops,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return d.worker(gctx, id)
		})
	}
	err := g.Wait()
	d.logger.Info("Dispatcher stopped")
	return err
}

func (d *Dispatcher) worker(ctx context.Context, id int) error {
	logger := d.logger.With("worker_id", id)
	for {
		m, err := d.queue.AcceptAll(ctx)
		if err != nil {
			if errors.Is(err, spool.ErrInterrupted) {
				return nil
			}
			return fmt.Errorf("worker %d: %w", id, err)
		}
		logger.Debug("Accepted mail", "message_id", m.ID, "state", m.State)
		d.Process(ctx, m)
	}
}

// resolve returns the pipeline for state, falling back to the root
// pipeline for unknown states.
func (d *Dispatcher) resolve(m *mail.Mail) *pipeline.Pipeline {
	if p, ok := d.pipelines[m.State]; ok {
		return p
	}
	d.logger.Warn("Unknown state, using root pipeline", "message_id", m.ID, "state", m.State)
	m.State = d.cfg.Root
	return d.pipelines[d.cfg.Root]
}

// Process drives m, which must be locked in the queue, until it is ghosted
// or the context ends. A ghosted mail is removed; otherwise the stored
// entry is left unchanged and unlocked for a later attempt.
func (d *Dispatcher) Process(ctx context.Context, m *mail.Mail) {
	failed := false
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while processing mail",
				"message_id", m.ID,
				"state", m.State,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			metrics.DispatcherProcessed.WithLabelValues(metrics.ResultError).Inc()
			if !failed && m.State != d.cfg.Error && d.hasError() {
				m.LastError = fmt.Sprintf("panic: %v", r)
				m.State = d.cfg.Error
				if err := d.queue.Store(m); err != nil {
					d.logger.Error("Failed to store failed mail", "message_id", m.ID, "error", err)
				}
				d.unlock(m)
				return
			}
			m.State = mail.StateGhost
		}
		d.finish(m)
	}()

	for hops := 0; ; hops++ {
		if ctx.Err() != nil {
			return
		}
		if !m.IsLive() {
			m.State = mail.StateGhost
			return
		}
		if hops >= d.cfg.MaxHops {
			d.logger.Error("Hop limit reached, discarding mail",
				"message_id", m.ID,
				"state", m.State,
				"max_hops", d.cfg.MaxHops,
			)
			metrics.DispatcherProcessed.WithLabelValues(metrics.ResultHopLimit).Inc()
			m.State = mail.StateGhost
			return
		}

		p := d.resolve(m)
		err := p.Run(ctx, m)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.DispatcherProcessed.WithLabelValues(metrics.ResultError).Inc()
			if failed || p.Name() == d.cfg.Error || !d.hasError() {
				d.logger.Error("Mail failed in error handling, discarding",
					"message_id", m.ID,
					"pipeline", p.Name(),
					"error", err,
				)
				m.State = mail.StateGhost
				return
			}
			d.logger.Warn("Pipeline failed, sending mail to error pipeline",
				"message_id", m.ID,
				"pipeline", p.Name(),
				"error", err,
			)
			failed = true
			m.State = d.cfg.Error
			continue
		}

		if m.State == mail.StateGhost {
			return
		}
		metrics.DispatcherProcessed.WithLabelValues(metrics.ResultRerouted).Inc()
	}
}

func (d *Dispatcher) hasError() bool {
	_, ok := d.pipelines[d.cfg.Error]
	return ok
}

// finish removes a ghosted mail, or releases it untouched.
func (d *Dispatcher) finish(m *mail.Mail) {
	if m.State != mail.StateGhost {
		d.unlock(m)
		return
	}
	if err := d.queue.Remove(m.ID); err != nil {
		d.logger.Error("Failed to remove finished mail", "message_id", m.ID, "error", err)
		return
	}
	metrics.DispatcherProcessed.WithLabelValues(metrics.ResultRemoved).Inc()
}

func (d *Dispatcher) unlock(m *mail.Mail) {
	if err := d.queue.Unlock(m.ID); err != nil {
		d.logger.Warn("Failed to unlock mail", "message_id", m.ID, "error", err)
	}
}
