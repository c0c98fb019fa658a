package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/mail"
)

// recorder is an action that remembers every mail it saw.
type recorder struct {
	mu   sync.Mutex
	seen []*mail.Mail
	then func(m *mail.Mail) error
}

func (r *recorder) Service(_ context.Context, m *mail.Mail) error {
	r.mu.Lock()
	r.seen = append(r.seen, m.Clone())
	r.mu.Unlock()
	if r.then != nil {
		return r.then(m)
	}
	return nil
}

func ghost(m *mail.Mail) error {
	m.State = mail.StateGhost
	return nil
}

type memRerouter struct {
	stored []*mail.Mail
}

func (r *memRerouter) Store(m *mail.Mail) error {
	r.stored = append(r.stored, m.Clone())
	return nil
}

func matchHost(host string) Classifier {
	return ClassifierFunc(func(_ context.Context, m *mail.Mail) ([]string, error) {
		var out []string
		for _, r := range m.Recipients {
			if mail.Domain(r) == host {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

func matchAll() Classifier {
	return ClassifierFunc(func(_ context.Context, m *mail.Mail) ([]string, error) {
		return m.Recipients, nil
	})
}

func matchNone() Classifier {
	return ClassifierFunc(func(context.Context, *mail.Mail) ([]string, error) {
		return nil, nil
	})
}

func newMail(id string, recipients ...string) *mail.Mail {
	m := mail.New("s@example.com", recipients, []byte("Subject: t\r\n\r\nbody"))
	m.ID = id
	return m
}

func TestRunLocalRemoteScenario(t *testing.T) {
	local := &recorder{then: ghost}
	remote := &recorder{then: ghost}
	p := New("root", []Stage{
		{Name: "local", Classifier: matchHost("x"), Action: local},
		{Name: "remote", Classifier: matchAll(), Action: remote},
	})

	m := newMail("m1", "a@x", "b@y")
	require.NoError(t, p.Run(context.Background(), m))

	require.Len(t, local.seen, 1)
	assert.Equal(t, "m1", local.seen[0].ID)
	assert.Equal(t, []string{"a@x"}, local.seen[0].Recipients)

	require.Len(t, remote.seen, 1)
	assert.True(t, strings.HasPrefix(remote.seen[0].ID, "m1!"))
	assert.Equal(t, []string{"b@y"}, remote.seen[0].Recipients)

	assert.Equal(t, mail.StateGhost, m.State)
}

func TestRunNoSplitWhenAllOrNoneMatch(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	p := New("root", []Stage{
		{Name: "none", Classifier: matchNone(), Action: first},
		{Name: "all", Classifier: matchAll(), Action: second},
	})

	m := newMail("m1", "a@x", "b@y")
	require.NoError(t, p.Run(context.Background(), m))

	assert.Empty(t, first.seen)
	require.Len(t, second.seen, 1)
	assert.Equal(t, "m1", second.seen[0].ID)
	assert.ElementsMatch(t, []string{"a@x", "b@y"}, second.seen[0].Recipients)
	assert.Equal(t, mail.StateGhost, m.State, "mail leaving the last stage is ghosted")
}

func TestRunEmptyPipelineGhosts(t *testing.T) {
	p := New("empty", nil)
	m := newMail("m1", "a@x")
	require.NoError(t, p.Run(context.Background(), m))
	assert.Equal(t, mail.StateGhost, m.State)
}

func TestRunDeadMailIsDropped(t *testing.T) {
	act := &recorder{}
	p := New("root", []Stage{{Name: "all", Classifier: matchAll(), Action: act}})

	m := newMail("m1")
	require.NoError(t, p.Run(context.Background(), m))
	assert.Empty(t, act.seen)
	assert.Equal(t, mail.StateGhost, m.State)
}

func TestRunIgnoresClaimsOutsideRecipients(t *testing.T) {
	act := &recorder{}
	greedy := ClassifierFunc(func(context.Context, *mail.Mail) ([]string, error) {
		return []string{"a@x", "intruder@z"}, nil
	})
	p := New("root", []Stage{{Name: "greedy", Classifier: greedy, Action: act}})

	require.NoError(t, p.Run(context.Background(), newMail("m1", "a@x", "b@y")))
	require.Len(t, act.seen, 1)
	assert.Equal(t, []string{"a@x"}, act.seen[0].Recipients)
}

// The recipient sets handed to actions partition the input exactly.
func TestSplitConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	hosts := []string{"a.org", "b.org", "c.org", "d.org"}

	for round := 0; round < 200; round++ {
		var recipients []string
		for i := 0; i < 1+rng.Intn(8); i++ {
			recipients = append(recipients, fmt.Sprintf("u%d@%s", i, hosts[rng.Intn(len(hosts))]))
		}

		var actions []*recorder
		var stages []Stage
		for i, h := range hosts[:3] {
			rec := &recorder{then: ghost}
			actions = append(actions, rec)
			stages = append(stages, Stage{Name: fmt.Sprintf("s%d", i), Classifier: matchHost(h), Action: rec})
		}
		rest := &recorder{then: ghost}
		actions = append(actions, rest)
		stages = append(stages, Stage{Name: "rest", Classifier: matchAll(), Action: rest})

		m := newMail(fmt.Sprintf("m%d", round), recipients...)
		require.NoError(t, New("root", stages).Run(context.Background(), m))

		var got []string
		ids := make(map[string]bool)
		for _, rec := range actions {
			for _, seen := range rec.seen {
				assert.False(t, ids[seen.ID], "id %s seen twice", seen.ID)
				ids[seen.ID] = true
				got = append(got, seen.Recipients...)
			}
		}
		sort.Strings(got)
		want := append([]string(nil), recipients...)
		sort.Strings(want)
		assert.Equal(t, want, got, "round %d", round)
	}
}

func TestRunInputRerouted(t *testing.T) {
	later := &recorder{}
	p := New("root", []Stage{
		{Name: "reroute", Classifier: matchAll(), Action: ActionFunc(func(_ context.Context, m *mail.Mail) error {
			m.State = "spam"
			return nil
		})},
		{Name: "later", Classifier: matchAll(), Action: later},
	})

	m := newMail("m1", "a@x")
	require.NoError(t, p.Run(context.Background(), m))
	assert.Equal(t, "spam", m.State)
	assert.Empty(t, later.seen)
}

func TestRunCopyRerouted(t *testing.T) {
	rr := &memRerouter{}
	later := &recorder{then: ghost}
	p := New("root", []Stage{
		{Name: "local", Classifier: matchHost("x"), Action: &recorder{then: ghost}},
		{Name: "quarantine", Classifier: matchHost("y"), Action: ActionFunc(func(_ context.Context, m *mail.Mail) error {
			m.State = "quarantine"
			return nil
		})},
		{Name: "later", Classifier: matchAll(), Action: later},
	}, WithRerouter(rr))

	m := newMail("m1", "a@x", "b@y", "c@z")
	require.NoError(t, p.Run(context.Background(), m))

	require.Len(t, rr.stored, 1)
	assert.Equal(t, "quarantine", rr.stored[0].State)
	assert.Equal(t, []string{"b@y"}, rr.stored[0].Recipients)
	assert.True(t, strings.HasPrefix(rr.stored[0].ID, "m1!"))

	require.Len(t, later.seen, 1)
	assert.Equal(t, []string{"c@z"}, later.seen[0].Recipients)
	assert.Equal(t, mail.StateGhost, m.State)
}

func TestRunInputFailure(t *testing.T) {
	boom := errors.New("mailbox full")
	later := &recorder{then: ghost}
	p := New("root", []Stage{
		{Name: "local", Classifier: matchHost("x"), Action: ActionFunc(func(context.Context, *mail.Mail) error {
			return boom
		})},
		{Name: "remote", Classifier: matchAll(), Action: later},
	})

	m := newMail("m1", "a@x", "b@y")
	err := p.Run(context.Background(), m)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "root", se.Pipeline)
	assert.Equal(t, "local", se.Stage)
	assert.Equal(t, "m1", se.MailID)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, mail.StateError, m.State)
	assert.Contains(t, m.LastError, "mailbox full")
	assert.Equal(t, []string{"a@x"}, m.Recipients)

	// the unmatched copy still finished the pipeline
	require.Len(t, later.seen, 1)
	assert.Equal(t, []string{"b@y"}, later.seen[0].Recipients)
}

func TestRunClassifierFailure(t *testing.T) {
	p := New("root", []Stage{
		{Name: "lookup", Classifier: ClassifierFunc(func(context.Context, *mail.Mail) ([]string, error) {
			return nil, errors.New("directory down")
		}), Action: &recorder{}},
	})

	m := newMail("m1", "a@x")
	err := p.Run(context.Background(), m)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "lookup", se.Stage)
	assert.Equal(t, mail.StateError, m.State)
}

func TestRunCopyFailure(t *testing.T) {
	failing := ActionFunc(func(context.Context, *mail.Mail) error { return errors.New("relay denied") })

	t.Run("rerouted to error", func(t *testing.T) {
		rr := &memRerouter{}
		p := New("root", []Stage{
			{Name: "local", Classifier: matchHost("x"), Action: &recorder{then: ghost}},
			{Name: "remote", Classifier: matchAll(), Action: failing},
		}, WithRerouter(rr))

		m := newMail("m1", "a@x", "b@y")
		require.NoError(t, p.Run(context.Background(), m))
		assert.Equal(t, mail.StateGhost, m.State)

		require.Len(t, rr.stored, 1)
		assert.Equal(t, mail.StateError, rr.stored[0].State)
		assert.Contains(t, rr.stored[0].LastError, "relay denied")
	})

	t.Run("ghosted inside error pipeline", func(t *testing.T) {
		rr := &memRerouter{}
		p := New(mail.StateError, []Stage{
			{Name: "local", Classifier: matchHost("x"), Action: &recorder{then: ghost}},
			{Name: "remote", Classifier: matchAll(), Action: failing},
		}, WithRerouter(rr))

		require.NoError(t, p.Run(context.Background(), newMail("m1", "a@x", "b@y")))
		assert.Empty(t, rr.stored)
	})
}

func TestRunStagePanic(t *testing.T) {
	t.Run("action after split", func(t *testing.T) {
		later := &recorder{then: ghost}
		p := New("root", []Stage{
			{Name: "local", Classifier: matchHost("x"), Action: ActionFunc(func(context.Context, *mail.Mail) error {
				panic("nil mailbox")
			})},
			{Name: "remote", Classifier: matchAll(), Action: later},
		})

		m := newMail("m1", "a@x", "b@y")
		err := p.Run(context.Background(), m)

		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "local", se.Stage)
		assert.Equal(t, mail.StateError, m.State)
		assert.Equal(t, []string{"a@x"}, m.Recipients)
		assert.Contains(t, m.LastError, "nil mailbox")

		require.Len(t, later.seen, 1)
		assert.Equal(t, []string{"b@y"}, later.seen[0].Recipients)
	})

	t.Run("classifier on copy", func(t *testing.T) {
		rr := &memRerouter{}
		p := New("root", []Stage{
			{Name: "local", Classifier: matchHost("x"), Action: &recorder{then: ghost}},
			{Name: "lookup", Classifier: ClassifierFunc(func(context.Context, *mail.Mail) ([]string, error) {
				panic("directory bug")
			}), Action: &recorder{}},
		}, WithRerouter(rr))

		m := newMail("m1", "a@x", "b@y")
		require.NoError(t, p.Run(context.Background(), m))
		assert.Equal(t, mail.StateGhost, m.State)

		require.Len(t, rr.stored, 1)
		assert.Equal(t, mail.StateError, rr.stored[0].State)
		assert.Equal(t, []string{"b@y"}, rr.stored[0].Recipients)
		assert.Contains(t, rr.stored[0].LastError, "directory bug")
	})
}

func TestStagesCopy(t *testing.T) {
	p := New("root", []Stage{{Name: "a", Classifier: matchAll(), Action: &recorder{}}})
	stages := p.Stages()
	stages[0].Name = "changed"
	assert.Equal(t, "a", p.Stages()[0].Name)
	assert.Equal(t, "root", p.Name())
}

func TestBuild(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterClassifier("All", func([]string) (Classifier, error) { return matchAll(), nil })
	reg.RegisterClassifier("HostIs", func(args []string) (Classifier, error) {
		if len(args) != 1 {
			return nil, errors.New("expected one host")
		}
		return matchHost(args[0]), nil
	})
	reg.RegisterAction("Ghost", func([]string) (Action, error) {
		return ActionFunc(func(_ context.Context, m *mail.Mail) error {
			return ghost(m)
		}), nil
	})

	pipelines, err := Build([]config.PipelineConfig{
		{Name: "root", Stages: []config.StageConfig{
			{Name: "drop-x", Match: "HostIs", MatchArgs: []string{"x"}, Action: "Ghost"},
			{Match: "All", Action: "Ghost"},
		}},
		{Name: "error"},
	}, reg)
	require.NoError(t, err)
	require.Len(t, pipelines, 2)

	stages := pipelines["root"].Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "drop-x", stages[0].Name)
	assert.Equal(t, "1-Ghost", stages[1].Name)

	classifiers, actions := reg.Names()
	assert.Equal(t, []string{"All", "HostIs"}, classifiers)
	assert.Equal(t, []string{"Ghost"}, actions)

	tests := []struct {
		name string
		cfg  []config.PipelineConfig
	}{
		{"unknown classifier", []config.PipelineConfig{{Name: "root", Stages: []config.StageConfig{{Match: "Nope", Action: "Ghost"}}}}},
		{"unknown action", []config.PipelineConfig{{Name: "root", Stages: []config.StageConfig{{Match: "All", Action: "Nope"}}}}},
		{"bad args", []config.PipelineConfig{{Name: "root", Stages: []config.StageConfig{{Match: "HostIs", Action: "Ghost"}}}}},
		{"duplicate", []config.PipelineConfig{{Name: "root"}, {Name: "root"}}},
		{"unnamed", []config.PipelineConfig{{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.cfg, reg)
			assert.Error(t, err)
		})
	}
}
