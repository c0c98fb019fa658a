// Package metrics holds the Prometheus collectors of the delivery core and
// the optional Valkey counters store.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatcher results.
const (
	ResultRemoved  = "removed"
	ResultRerouted = "rerouted"
	ResultError    = "error"
	ResultHopLimit = "hop_limit"
)

// Remote delivery results.
const (
	ResultDelivered = "delivered"
	ResultDeferred  = "deferred"
	ResultBounced   = "bounced"
)

var (
	SpoolDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "elemta_spool_entries",
			Help: "Number of entries stored in a spool queue",
		},
		[]string{"queue"},
	)

	DispatcherProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elemta_dispatcher_processed_total",
			Help: "Mails finished by the dispatcher, by result",
		},
		[]string{"result"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "elemta_pipeline_stage_duration_seconds",
			Help:    "Time spent in a pipeline stage action",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elemta_pipeline_stage_errors_total",
			Help: "Classifier and action failures, by pipeline and stage",
		},
		[]string{"pipeline", "stage"},
	)

	RemoteAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elemta_remote_attempts_total",
			Help: "Remote delivery attempts, by result",
		},
		[]string{"result"},
	)

	Bounces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "elemta_bounces_total",
			Help: "Bounce reports generated",
		},
	)
)

// Sizer is a queue whose depth can be sampled.
type Sizer interface {
	Name() string
	Len() int
}

// WatchQueues samples the depth of every queue each interval until ctx ends.
func WatchQueues(ctx context.Context, interval time.Duration, queues ...Sizer) {
	sample := func() {
		for _, q := range queues {
			if n := q.Len(); n >= 0 {
				SpoolDepth.WithLabelValues(q.Name()).Set(float64(n))
			}
		}
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// Recorder keeps long-lived delivery totals outside the process.
type Recorder interface {
	IncrDelivered(ctx context.Context) error
	IncrFailed(ctx context.Context) error
	IncrDeferred(ctx context.Context) error
	IncrReceived(ctx context.Context) error
	AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error
}

// Nop is a Recorder that records nothing.
type Nop struct{}

func (Nop) IncrDelivered(context.Context) error                          { return nil }
func (Nop) IncrFailed(context.Context) error                             { return nil }
func (Nop) IncrDeferred(context.Context) error                           { return nil }
func (Nop) IncrReceived(context.Context) error                           { return nil }
func (Nop) AddRecentError(context.Context, string, string, string) error { return nil }
