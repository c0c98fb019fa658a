package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/pipeline"
	"github.com/busybox42/elemta-core/internal/spool"
)

type seen struct {
	mu    sync.Mutex
	mails []*mail.Mail
}

func (s *seen) add(m *mail.Mail) {
	s.mu.Lock()
	s.mails = append(s.mails, m.Clone())
	s.mu.Unlock()
}

func (s *seen) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mails)
}

func all() pipeline.Classifier {
	return pipeline.ClassifierFunc(func(_ context.Context, m *mail.Mail) ([]string, error) {
		return m.Recipients, nil
	})
}

func host(h string) pipeline.Classifier {
	return pipeline.ClassifierFunc(func(_ context.Context, m *mail.Mail) ([]string, error) {
		var out []string
		for _, r := range m.Recipients {
			if mail.Domain(r) == h {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

func to(state string, s *seen) pipeline.Action {
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		if s != nil {
			s.add(m)
		}
		m.State = state
		return nil
	})
}

func failing(msg string, s *seen) pipeline.Action {
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		if s != nil {
			s.add(m)
		}
		return errors.New(msg)
	})
}

type fixture struct {
	queue     *spool.Queue
	pipelines map[string]*pipeline.Pipeline
}

func newFixture() *fixture {
	return &fixture{
		queue:     spool.New(spool.MainQueue, spool.NewMemoryBackend(), nil),
		pipelines: make(map[string]*pipeline.Pipeline),
	}
}

func (f *fixture) add(name string, stages ...pipeline.Stage) {
	f.pipelines[name] = pipeline.New(name, stages,
		pipeline.WithRerouter(f.queue),
		pipeline.WithErrorState(mail.StateError),
	)
}

func (f *fixture) dispatcher(t *testing.T, cfg config.DispatcherConfig) *Dispatcher {
	t.Helper()
	d, err := New(f.queue, f.pipelines, cfg)
	require.NoError(t, err)
	return d
}

// process locks id and runs it once, as a worker would.
func (f *fixture) process(t *testing.T, d *Dispatcher, ctx context.Context, id string) {
	t.Helper()
	require.True(t, f.queue.Lock(id))
	m, err := f.queue.Retrieve(id)
	require.NoError(t, err)
	d.Process(ctx, m)
	assert.False(t, f.queue.IsLocked(id), "lock released")
}

func newMail(id string, recipients ...string) *mail.Mail {
	m := mail.New("s@example.com", recipients, []byte("Subject: t\r\n\r\nbody"))
	m.ID = id
	return m
}

func TestGhostedMailIsRemoved(t *testing.T) {
	f := newFixture()
	root := &seen{}
	f.add("root", pipeline.Stage{Name: "drop", Classifier: all(), Action: to(mail.StateGhost, root)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, d.Submit(context.Background(), newMail("m1", "a@x.org")))
	f.process(t, d, context.Background(), "m1")

	assert.Equal(t, 1, root.len())
	assert.Equal(t, 0, f.queue.Len())
}

func TestSubmitSetsRootState(t *testing.T) {
	f := newFixture()
	f.add("inbound")
	d := f.dispatcher(t, config.DispatcherConfig{Root: "inbound"})

	m := newMail("m1", "a@x.org")
	m.State = ""
	require.NoError(t, d.Submit(context.Background(), m))

	stored, err := f.queue.Retrieve("m1")
	require.NoError(t, err)
	assert.Equal(t, "inbound", stored.State)
}

func TestRerouteUnderSameLock(t *testing.T) {
	f := newFixture()
	spam := &seen{}
	f.add("root", pipeline.Stage{Name: "classify", Classifier: all(), Action: to("spam", nil)})
	f.add("spam", pipeline.Stage{Name: "quarantine", Classifier: all(), Action: to(mail.StateGhost, spam)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org")))
	f.process(t, d, context.Background(), "m1")

	require.Equal(t, 1, spam.len())
	assert.Equal(t, "spam", spam.mails[0].State)
	assert.Equal(t, 0, f.queue.Len())
}

func TestUnknownStateUsesRoot(t *testing.T) {
	f := newFixture()
	root := &seen{}
	f.add("root", pipeline.Stage{Name: "drop", Classifier: all(), Action: to(mail.StateGhost, root)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	m := newMail("m1", "a@x.org")
	m.State = "no-such-pipeline"
	require.NoError(t, f.queue.Store(m))
	f.process(t, d, context.Background(), "m1")

	require.Equal(t, 1, root.len())
	assert.Equal(t, "root", root.mails[0].State)
}

func TestSplitCopiesAreRerouted(t *testing.T) {
	f := newFixture()
	f.add("root",
		pipeline.Stage{Name: "local", Classifier: host("x.org"), Action: to(mail.StateGhost, nil)},
		pipeline.Stage{Name: "remote", Classifier: all(), Action: to("outbound", nil)},
	)
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org", "b@y.org")))
	f.process(t, d, context.Background(), "m1")

	ids, err := f.queue.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.True(t, strings.HasPrefix(ids[0], "m1!"))

	split, err := f.queue.Retrieve(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "outbound", split.State)
	assert.Equal(t, []string{"b@y.org"}, split.Recipients)
}

func TestFailureRunsErrorPipelineOnce(t *testing.T) {
	f := newFixture()
	errs := &seen{}
	f.add("root", pipeline.Stage{Name: "deliver", Classifier: all(), Action: failing("mailbox full", nil)})
	f.add("error", pipeline.Stage{Name: "bounce", Classifier: all(), Action: to(mail.StateGhost, errs)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org")))
	f.process(t, d, context.Background(), "m1")

	require.Equal(t, 1, errs.len())
	assert.Equal(t, mail.StateError, errs.mails[0].State)
	assert.Contains(t, errs.mails[0].LastError, "mailbox full")
	assert.Equal(t, 0, f.queue.Len())
}

func TestFailureInErrorPipelineGhosts(t *testing.T) {
	f := newFixture()
	errs := &seen{}
	f.add("root", pipeline.Stage{Name: "deliver", Classifier: all(), Action: failing("mailbox full", nil)})
	f.add("error", pipeline.Stage{Name: "bounce", Classifier: all(), Action: failing("bounce failed", errs)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org")))
	f.process(t, d, context.Background(), "m1")

	assert.Equal(t, 1, errs.len())
	assert.Equal(t, 0, f.queue.Len())
}

func TestFailureWithoutErrorPipelineGhosts(t *testing.T) {
	f := newFixture()
	f.add("root", pipeline.Stage{Name: "deliver", Classifier: all(), Action: failing("boom", nil)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org")))
	f.process(t, d, context.Background(), "m1")
	assert.Equal(t, 0, f.queue.Len())
}

func TestHopLimit(t *testing.T) {
	f := newFixture()
	runs := &seen{}
	f.add("root", pipeline.Stage{Name: "ping", Classifier: all(), Action: to("pong", runs)})
	f.add("pong", pipeline.Stage{Name: "pong", Classifier: all(), Action: to("root", runs)})
	d := f.dispatcher(t, config.DispatcherConfig{MaxHops: 5})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org")))
	f.process(t, d, context.Background(), "m1")

	assert.Equal(t, 5, runs.len())
	assert.Equal(t, 0, f.queue.Len())
}

func explode(msg string) pipeline.Action {
	return pipeline.ActionFunc(func(context.Context, *mail.Mail) error {
		panic(msg)
	})
}

func TestPanicSendsMailToErrorPipeline(t *testing.T) {
	f := newFixture()
	errs := &seen{}
	f.add("root", pipeline.Stage{Name: "explode", Classifier: all(), Action: explode("stage bug")})
	f.add("error", pipeline.Stage{Name: "bounce", Classifier: all(), Action: to(mail.StateGhost, errs)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org")))
	f.process(t, d, context.Background(), "m1")

	require.Equal(t, 1, errs.len())
	assert.Equal(t, mail.StateError, errs.mails[0].State)
	assert.Contains(t, errs.mails[0].LastError, "stage bug")
	assert.Equal(t, 0, f.queue.Len())
}

func TestPanicAfterSplitKeepsOtherRecipients(t *testing.T) {
	f := newFixture()
	tagged := &seen{}
	remote := &seen{}
	errs := &seen{}
	f.add("root",
		pipeline.Stage{Name: "local", Classifier: host("x.org"), Action: explode("mailbox bug")},
		pipeline.Stage{Name: "tag", Classifier: host("y.org"), Action: pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
			tagged.add(m)
			m.Attributes["tagged"] = "yes"
			return nil
		})},
		pipeline.Stage{Name: "remote", Classifier: all(), Action: to(mail.StateGhost, remote)},
	)
	f.add("error", pipeline.Stage{Name: "bounce", Classifier: all(), Action: to(mail.StateGhost, errs)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org", "b@y.org")))
	f.process(t, d, context.Background(), "m1")

	require.Equal(t, 1, tagged.len())
	require.Equal(t, 1, remote.len())
	assert.Equal(t, []string{"b@y.org"}, remote.mails[0].Recipients)
	assert.Equal(t, "yes", remote.mails[0].Attributes["tagged"])

	require.Equal(t, 1, errs.len())
	assert.Equal(t, []string{"a@x.org"}, errs.mails[0].Recipients)
	assert.Contains(t, errs.mails[0].LastError, "mailbox bug")
	assert.Equal(t, 0, f.queue.Len())
}

func TestCancelledContextLeavesEntry(t *testing.T) {
	f := newFixture()
	runs := &seen{}
	f.add("root", pipeline.Stage{Name: "drop", Classifier: all(), Action: to(mail.StateGhost, runs)})
	d := f.dispatcher(t, config.DispatcherConfig{})

	require.NoError(t, f.queue.Store(newMail("m1", "a@x.org")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.process(t, d, ctx, "m1")

	assert.Equal(t, 0, runs.len())
	stored, err := f.queue.Retrieve("m1")
	require.NoError(t, err)
	assert.Equal(t, mail.StateRoot, stored.State)
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture()
	runs := &seen{}
	f.add("root", pipeline.Stage{Name: "drop", Classifier: all(), Action: to(mail.StateGhost, runs)})
	d := f.dispatcher(t, config.DispatcherConfig{Workers: 4})

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, d.Submit(context.Background(), newMail(fmt.Sprintf("m%d", i), "a@x.org")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	assert.Equal(t, n, runs.len(), "each mail processed exactly once")
}

func TestNewRequiresRootPipeline(t *testing.T) {
	f := newFixture()
	f.add("error")
	_, err := New(f.queue, f.pipelines, config.DispatcherConfig{})
	assert.Error(t, err)
}
