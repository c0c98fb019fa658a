package act

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/pipeline"
	"github.com/busybox42/elemta-core/internal/spool"
)

type fakeBouncer struct {
	reasons []string
	err     error
}

func (b *fakeBouncer) Bounce(_ context.Context, _ *mail.Mail, reason string) error {
	if b.err != nil {
		return b.err
	}
	b.reasons = append(b.reasons, reason)
	return nil
}

func sample(recipients ...string) *mail.Mail {
	m := mail.New("sender@example.com", recipients, []byte("Subject: hi\r\n\r\nbody\r\n"))
	m.ID = "m1"
	return m
}

func TestSimpleActions(t *testing.T) {
	ctx := context.Background()

	m := sample("a@x.org")
	require.NoError(t, Ghost().Service(ctx, m))
	assert.Equal(t, mail.StateGhost, m.State)

	m = sample("a@x.org")
	require.NoError(t, ToPipeline("spam").Service(ctx, m))
	assert.Equal(t, "spam", m.State)

	m = sample("a@x.org")
	m.Attributes = nil
	require.NoError(t, SetAttribute("checked", "yes").Service(ctx, m))
	assert.Equal(t, "yes", m.Attributes["checked"])

	m = sample("a@x.org")
	require.NoError(t, AddHeader("X-Processed", "elemta").Service(ctx, m))
	h, err := m.Header()
	require.NoError(t, err)
	assert.Equal(t, "elemta", h.Get("X-Processed"))
	assert.Equal(t, "hi", h.Get("Subject"))

	m = sample("a@x.org")
	require.NoError(t, Log(slog.Default(), "seen").Service(ctx, m))
	assert.Equal(t, mail.StateRoot, m.State, "log leaves the mail alone")
}

func TestRemoteDelivery(t *testing.T) {
	out := spool.New(spool.OutgoingQueue, spool.NewMemoryBackend(), nil)
	m := sample("a@x.org", "b@y.org", "c@x.org")
	m.Attempts = 2
	m.LastError = "earlier"

	require.NoError(t, RemoteDelivery(out).Service(context.Background(), m))
	assert.Equal(t, mail.StateGhost, m.State)

	ids, err := out.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1-to-x.org", "m1-to-y.org"}, ids)

	x, err := out.Retrieve("m1-to-x.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.org", "c@x.org"}, x.Recipients)
	assert.Equal(t, mail.StateRoot, x.State)
	assert.Equal(t, 0, x.Attempts)
	assert.Empty(t, x.LastError)
}

func TestBounce(t *testing.T) {
	t.Run("uses recorded failure", func(t *testing.T) {
		b := &fakeBouncer{}
		m := sample("a@x.org")
		m.LastError = "mailbox full"
		require.NoError(t, Bounce(b, nil).Service(context.Background(), m))
		assert.Equal(t, []string{"mailbox full"}, b.reasons)
		assert.Equal(t, mail.StateGhost, m.State)
	})

	t.Run("bouncer failure", func(t *testing.T) {
		b := &fakeBouncer{err: errors.New("spool down")}
		m := sample("a@x.org")
		assert.Error(t, Bounce(b, nil).Service(context.Background(), m))
		assert.NotEqual(t, mail.StateGhost, m.State)
	})
}

func TestLocalDelivery(t *testing.T) {
	dir := t.TempDir()
	ld := NewLocalDelivery(dir, nil)

	m := sample("Alice@Example.org", "bob@example.org")
	require.NoError(t, ld.Service(context.Background(), m))
	assert.Equal(t, mail.StateGhost, m.State)

	for _, box := range []string{"alice", "bob"} {
		entries, err := os.ReadDir(filepath.Join(dir, "example.org", box, "new"))
		require.NoError(t, err)
		require.Len(t, entries, 1, box)

		data, err := os.ReadFile(filepath.Join(dir, "example.org", box, "new", entries[0].Name()))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "Return-Path: <sender@example.com>\r\n"))
		assert.Contains(t, string(data), "Subject: hi")

		tmp, err := os.ReadDir(filepath.Join(dir, "example.org", box, "tmp"))
		require.NoError(t, err)
		assert.Empty(t, tmp)
	}

	t.Run("rejects path tricks", func(t *testing.T) {
		for _, rcpt := range []string{"../etc@example.org", "a/b@example.org", "noat", "@example.org", "a@.."} {
			_, err := ld.Mailbox(rcpt)
			assert.Error(t, err, rcpt)
		}
		err := ld.Service(context.Background(), sample("../x@example.org"))
		assert.Error(t, err)
	})
}

func TestRegister(t *testing.T) {
	reg := pipeline.NewRegistry()
	Register(reg, Deps{
		Outgoing:   spool.New("outgoing", spool.NewMemoryBackend(), nil),
		Bouncer:    &fakeBouncer{},
		MailboxDir: t.TempDir(),
	})

	_, actions := reg.Names()
	assert.ElementsMatch(t, []string{
		"Ghost", "ToPipeline", "SetAttribute", "AddHeader",
		"LocalDelivery", "RemoteDelivery", "Bounce", "Log",
	}, actions)

	valid := map[string][]string{
		"Ghost":          nil,
		"ToPipeline":     {"spam"},
		"SetAttribute":   {"k", "v"},
		"AddHeader":      {"X-Tag", "value"},
		"LocalDelivery":  nil,
		"RemoteDelivery": nil,
		"Bounce":         nil,
		"Log":            {"error", "pipeline"},
	}
	for name, args := range valid {
		_, err := reg.Action(name, args)
		assert.NoError(t, err, name)
	}

	invalid := []struct {
		name string
		args []string
	}{
		{"Ghost", []string{"x"}},
		{"ToPipeline", nil},
		{"SetAttribute", []string{"k"}},
		{"AddHeader", []string{"Bad Name", "v"}},
		{"AddHeader", []string{"X-Tag", "a\r\nInjected: yes"}},
		{"RemoteDelivery", []string{"x"}},
	}
	for _, tt := range invalid {
		_, err := reg.Action(tt.name, tt.args)
		assert.Error(t, err, tt.name)
	}

	t.Run("missing deps", func(t *testing.T) {
		bare := pipeline.NewRegistry()
		Register(bare, Deps{})
		for _, name := range []string{"LocalDelivery", "RemoteDelivery", "Bounce"} {
			_, err := bare.Action(name, nil)
			assert.Error(t, err, name)
		}
	})
}
