// Package server assembles the spool, pipelines, dispatcher and remote
// engine from configuration and runs them together.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/elemta-core/internal/api"
	"github.com/busybox42/elemta-core/internal/cache"
	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/directory"
	"github.com/busybox42/elemta-core/internal/dispatcher"
	"github.com/busybox42/elemta-core/internal/logging"
	"github.com/busybox42/elemta-core/internal/management"
	"github.com/busybox42/elemta-core/internal/metrics"
	"github.com/busybox42/elemta-core/internal/pipeline"
	"github.com/busybox42/elemta-core/internal/pipeline/act"
	"github.com/busybox42/elemta-core/internal/pipeline/match"
	"github.com/busybox42/elemta-core/internal/remote"
	"github.com/busybox42/elemta-core/internal/spool"
)

const queueSampleInterval = 15 * time.Second

// Server owns every long-running component of a node.
type Server struct {
	cfg *config.Config

	stores   *spool.Stores
	main     *spool.Queue
	outgoing *spool.Queue

	cache     cache.Cache
	directory *directory.LDAP
	stats     *metrics.ValkeyStore

	dispatcher *dispatcher.Dispatcher
	engine     *remote.Engine
	manager    *management.Manager
	api        *api.Server

	logger *slog.Logger
}

type options struct {
	resolver  remote.Resolver
	deliverer remote.Deliverer
}

// Option overrides a collaborator built from configuration.
type Option func(*options)

// WithResolver replaces the MX resolver.
func WithResolver(r remote.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithDeliverer replaces the SMTP deliverer.
func WithDeliverer(d remote.Deliverer) Option {
	return func(o *options) { o.deliverer = d }
}

// New builds a server from cfg. On error everything opened so far is
// closed again.
func New(cfg *config.Config, opts ...Option) (_ *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		cfg:    cfg,
		stores: spool.NewStores(cfg.Lock),
		logger: slog.Default().With("component", "server"),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.main, err = s.stores.Open(spool.MainQueue, cfg.Spool); err != nil {
		return nil, fmt.Errorf("failed to open main spool: %w", err)
	}
	if s.outgoing, err = s.stores.Open(spool.OutgoingQueue, cfg.Outgoing); err != nil {
		return nil, fmt.Errorf("failed to open outgoing spool: %w", err)
	}
	if s.cache, err = cache.Open(cfg.Cache); err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	var dir directory.Directory
	if cfg.Directory.URL != "" {
		s.directory = directory.NewLDAP(cfg.Directory)
		if err = s.directory.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to directory: %w", err)
		}
		dir = s.directory
	}

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.ValkeyAddr != "" {
		if s.stats, err = metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr); err != nil {
			return nil, err
		}
		recorder = s.stats
	}

	mlog := logging.NewMessageLogger(slog.Default())
	bouncer := remote.NewSpoolBouncer(s.main, cfg.Server.Hostname)

	reg := pipeline.NewRegistry()
	match.Register(reg, match.Deps{
		IsLocal:   cfg.IsLocalDomain,
		Directory: dir,
	})
	act.Register(reg, act.Deps{
		Outgoing:   s.outgoing,
		Bouncer:    bouncer,
		MailboxDir: cfg.Delivery.MailboxDir,
		Messages:   mlog,
	})
	pipelines, err := pipeline.Build(cfg.Pipelines, reg,
		pipeline.WithRerouter(s.main),
		pipeline.WithErrorState(cfg.Dispatcher.Error),
		pipeline.WithMessageLogger(mlog),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipelines: %w", err)
	}

	s.dispatcher, err = dispatcher.New(s.main, pipelines, cfg.Dispatcher,
		dispatcher.WithRecorder(recorder),
		dispatcher.WithMessageLogger(mlog),
	)
	if err != nil {
		return nil, err
	}

	resolver := o.resolver
	if resolver == nil {
		if cfg.Remote.Relay != "" {
			resolver = remote.StaticResolver{Host: cfg.Remote.Relay}
		} else if resolver, err = remote.NewDNSResolver(cfg.DNS, s.cache); err != nil {
			return nil, err
		}
	}
	deliverer := o.deliverer
	if deliverer == nil {
		deliverer = remote.NewSMTPDeliverer(cfg.Server.Hostname, cfg.Remote.Port, cfg.Remote.Timeout.Duration)
	}
	s.engine, err = remote.NewEngine(s.outgoing, cfg.Remote,
		remote.WithResolver(resolver),
		remote.WithDeliverer(deliverer),
		remote.WithBouncer(bouncer),
		remote.WithRecorder(recorder),
		remote.WithMessageLogger(mlog),
	)
	if err != nil {
		return nil, err
	}

	s.manager = management.New(s.main, s.outgoing)
	if cfg.API.Enabled {
		var apiOpts []api.Option
		if s.stats != nil {
			apiOpts = append(apiOpts, api.WithStats(s.stats))
		}
		if s.api, err = api.NewServer(cfg.API, s.manager, apiOpts...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dispatcher returns the pipeline dispatcher, for submitting mail.
func (s *Server) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }

// Manager returns the queue manager.
func (s *Server) Manager() *management.Manager { return s.manager }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		"hostname", s.cfg.Server.Hostname,
		"local_domains", s.cfg.Server.LocalDomains,
		"spool", s.cfg.Spool.Type,
		"outgoing", s.cfg.Outgoing.Type,
	)

	if s.api != nil {
		if err := s.api.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer func() {
			if err := s.api.Stop(); err != nil {
				s.logger.Warn("Error stopping API server", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		metrics.WatchQueues(gctx, queueSampleInterval, s.main, s.outgoing)
		return nil
	})
	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return s.engine.Run(gctx)
	})

	err := g.Wait()
	s.logger.Info("Server stopped")
	return err
}

// Close releases every store and connection.
func (s *Server) Close() error {
	var errs []error
	if s.stats != nil {
		errs = append(errs, s.stats.Close())
	}
	if s.directory != nil {
		errs = append(errs, s.directory.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	errs = append(errs, s.stores.Close())
	return errors.Join(errs...)
}
