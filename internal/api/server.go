// Package api exposes queue management, health and metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/management"
	"github.com/busybox42/elemta-core/internal/metrics"
	"github.com/busybox42/elemta-core/internal/spool"
)

// StatsStore serves persisted delivery counters.
type StatsStore interface {
	GetMetrics(ctx context.Context) (*metrics.DeliveryMetrics, error)
	GetHourlyStats(ctx context.Context) ([]metrics.HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]map[string]string, error)
}

// Server is the management HTTP server.
type Server struct {
	cfg        config.APIConfig
	manager    *management.Manager
	stats      StatsStore
	startedAt  time.Time
	httpServer *http.Server
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStats enables the /api/stats endpoints.
func WithStats(s StatsStore) Option {
	return func(srv *Server) { srv.stats = s }
}

// NewServer creates an API server over manager.
func NewServer(cfg config.APIConfig, manager *management.Manager, opts ...Option) (*Server, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("API server disabled in configuration")
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8025"
	}

	s := &Server{
		cfg:       cfg,
		manager:   manager,
		startedAt: time.Now(),
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.APIKeyHash == "" {
		s.logger.Warn("API key not configured, management endpoints are unauthenticated", "listen", cfg.Listen)
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.Use(s.requireAPIKey)

	api.HandleFunc("/queues", s.handleListQueues).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}", s.handleListQueue).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}", s.handleRemove).Methods(http.MethodDelete)
	api.HandleFunc("/queues/{queue}/requeue", s.handleRequeue).Methods(http.MethodPost)
	api.HandleFunc("/queues/{queue}/requeue/{id}", s.handleRequeue).Methods(http.MethodPost)
	api.HandleFunc("/queues/{queue}/{id}", s.handleGetEntry).Methods(http.MethodGet)
	api.HandleFunc("/queues/{queue}/{id}", s.handleRemove).Methods(http.MethodDelete)

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/errors", s.handleRecentErrors).Methods(http.MethodGet)

	api.HandleFunc("/logging/level", s.handleGetLogLevel).Methods(http.MethodGet)
	api.HandleFunc("/logging/level", s.handleSetLogLevel).Methods(http.MethodPost, http.MethodPut)

	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", "listen", s.cfg.Listen)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting up to 10 seconds for requests.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}

func filterFrom(r *http.Request) management.Filter {
	q := r.URL.Query()
	return management.Filter{
		State:      q.Get("state"),
		Header:     q.Get("header"),
		ValueRegex: q.Get("value"),
	}
}

// statusFor maps management errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, management.ErrUnknownQueue), errors.Is(err, spool.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, management.ErrInvalidFilter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	type queueInfo struct {
		Name    string `json:"name"`
		Entries int    `json:"entries"`
	}
	var out []queueInfo
	for _, name := range s.manager.Queues() {
		ids, err := s.manager.ListPending(name)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error: %v", err), statusFor(err))
			return
		}
		out = append(out, queueInfo{Name: name, Entries: len(ids)})
	}
	writeJSON(w, out)
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.manager.List(mux.Vars(r)["queue"], filterFrom(r))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), statusFor(err))
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := s.manager.Get(vars["queue"], vars["id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), statusFor(err))
		return
	}
	if r.URL.Query().Get("raw") == "true" {
		w.Header().Set("Content-Type", "message/rfc822")
		_, _ = w.Write(m.Body)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.manager.Remove(vars["queue"], vars["id"], filterFrom(r))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), statusFor(err))
		return
	}
	writeJSON(w, map[string]int{"removed": n})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.manager.RequeueErrored(vars["queue"], vars["id"], r.URL.Query().Get("target"))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), statusFor(err))
		return
	}
	writeJSON(w, map[string]int{"requeued": n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "Statistics store not configured", http.StatusServiceUnavailable)
		return
	}
	totals, err := s.stats.GetMetrics(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	hourly, err := s.stats.GetHourlyStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"totals": totals,
		"hourly": hourly,
	})
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "Statistics store not configured", http.StatusServiceUnavailable)
		return
	}
	limit := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	errs, err := s.stats.GetRecentErrors(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, errs)
}

// writeJSON writes data as a JSON response
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
	}
}
