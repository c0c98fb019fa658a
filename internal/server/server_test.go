package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/remote"
)

type recorder struct {
	mu    sync.Mutex
	hosts []string
	rcpts [][]string
}

func (r *recorder) Deliver(_ context.Context, host string, m *mail.Mail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, host)
	r.rcpts = append(r.rcpts, append([]string(nil), m.Recipients...))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Hostname = "mx.example.org"
	cfg.Server.LocalDomains = []string{"example.org"}
	cfg.Spool = config.SpoolConfig{Type: config.BackendMemory}
	cfg.Outgoing = config.SpoolConfig{Type: config.BackendMemory}
	cfg.Delivery.MailboxDir = t.TempDir()
	cfg.Dispatcher.Workers = 2
	cfg.Remote.Workers = 2
	return cfg
}

func TestServerDeliversLocalAndRemote(t *testing.T) {
	cfg := testConfig(t)
	rec := &recorder{}
	srv, err := New(cfg,
		WithResolver(remote.StaticResolver{Host: "relay.test"}),
		WithDeliverer(rec),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	m := mail.New("sender@elsewhere.net", []string{"alice@example.org", "bob@remote.net", "carol@remote.net"},
		[]byte("Subject: hello\r\n\r\nbody\r\n"))
	m.State = ""
	require.NoError(t, srv.Dispatcher().Submit(context.Background(), m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	assert.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		for _, q := range srv.Manager().Queues() {
			ids, err := srv.Manager().ListPending(q)
			if err != nil || len(ids) > 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	assert.Equal(t, []string{"relay.test"}, rec.hosts)
	assert.ElementsMatch(t, []string{"bob@remote.net", "carol@remote.net"}, rec.rcpts[0])

	entries, err := os.ReadDir(filepath.Join(cfg.Delivery.MailboxDir, "example.org", "alice", "new"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Run("unknown action", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Pipelines = []config.PipelineConfig{{
			Name:   "root",
			Stages: []config.StageConfig{{Match: "All", Action: "Teleport"}},
		}}
		_, err := New(cfg, WithResolver(remote.StaticResolver{Host: "relay.test"}))
		assert.Error(t, err)
	})

	t.Run("missing root pipeline", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Pipelines = []config.PipelineConfig{{
			Name:   "inbound",
			Stages: []config.StageConfig{{Match: "All", Action: "Ghost"}},
		}}
		_, err := New(cfg, WithResolver(remote.StaticResolver{Host: "relay.test"}))
		assert.Error(t, err)
	})

	t.Run("unknown spool backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Spool.Type = "tape"
		_, err := New(cfg)
		assert.Error(t, err)
	})
}
