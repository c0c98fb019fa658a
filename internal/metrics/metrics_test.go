package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fixedQueue struct {
	name string
	n    int
}

func (q fixedQueue) Name() string { return q.name }
func (q fixedQueue) Len() int     { return q.n }

func TestWatchQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WatchQueues(ctx, 10*time.Millisecond, fixedQueue{"watch-a", 3}, fixedQueue{"watch-b", -1})
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(SpoolDepth.WithLabelValues("watch-a")) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchQueues did not stop")
	}

	// a failed Len leaves the gauge untouched
	assert.Equal(t, float64(0), testutil.ToFloat64(SpoolDepth.WithLabelValues("watch-b")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(RemoteAttempts.WithLabelValues(ResultDeferred))
	RemoteAttempts.WithLabelValues(ResultDeferred).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(RemoteAttempts.WithLabelValues(ResultDeferred)))

	StageDuration.WithLabelValues("root", "local").Observe(0.01)
	assert.Equal(t, 1, testutil.CollectAndCount(StageDuration))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	ctx := context.Background()
	assert.NoError(t, r.IncrDelivered(ctx))
	assert.NoError(t, r.IncrFailed(ctx))
	assert.NoError(t, r.IncrDeferred(ctx))
	assert.NoError(t, r.IncrReceived(ctx))
	assert.NoError(t, r.AddRecentError(ctx, "m1", "a@x.org", "550"))
}
