// Package act provides the actions that can be named in pipeline
// configuration.
package act

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/busybox42/elemta-core/internal/logging"
	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/pipeline"
	"github.com/busybox42/elemta-core/internal/remote"
)

// Deps are the collaborators some actions need.
type Deps struct {
	// Outgoing receives the per-host copies made by RemoteDelivery.
	Outgoing remote.Storer
	// Bouncer answers the Bounce action.
	Bouncer remote.Bouncer
	// MailboxDir is the root of the LocalDelivery mailboxes.
	MailboxDir string
	// Messages logs lifecycle events. Nil uses the slog default.
	Messages *logging.MessageLogger
}

// Register adds every action in this package to reg.
func Register(reg *pipeline.Registry, deps Deps) {
	ml := deps.Messages
	if ml == nil {
		ml = logging.NewMessageLogger(nil)
	}

	reg.RegisterAction("Ghost", func(args []string) (pipeline.Action, error) {
		if len(args) > 0 {
			return nil, errors.New("takes no arguments")
		}
		return Ghost(), nil
	})
	reg.RegisterAction("ToPipeline", func(args []string) (pipeline.Action, error) {
		if len(args) != 1 || args[0] == "" {
			return nil, errors.New("expected the target state")
		}
		return ToPipeline(args[0]), nil
	})
	reg.RegisterAction("SetAttribute", func(args []string) (pipeline.Action, error) {
		if len(args) != 2 || args[0] == "" {
			return nil, errors.New("expected attribute key and value")
		}
		return SetAttribute(args[0], args[1]), nil
	})
	reg.RegisterAction("AddHeader", func(args []string) (pipeline.Action, error) {
		if len(args) != 2 || !validHeaderName(args[0]) {
			return nil, errors.New("expected header name and value")
		}
		if strings.ContainsAny(args[1], "\r\n") {
			return nil, errors.New("header value must be a single line")
		}
		return AddHeader(args[0], args[1]), nil
	})
	reg.RegisterAction("LocalDelivery", func(args []string) (pipeline.Action, error) {
		dir := deps.MailboxDir
		switch len(args) {
		case 0:
		case 1:
			dir = args[0]
		default:
			return nil, errors.New("expected an optional mailbox directory")
		}
		if dir == "" {
			return nil, errors.New("no mailbox directory configured")
		}
		return NewLocalDelivery(dir, ml), nil
	})
	reg.RegisterAction("RemoteDelivery", func(args []string) (pipeline.Action, error) {
		if len(args) > 0 {
			return nil, errors.New("takes no arguments")
		}
		if deps.Outgoing == nil {
			return nil, errors.New("no outgoing queue configured")
		}
		return RemoteDelivery(deps.Outgoing), nil
	})
	reg.RegisterAction("Bounce", func(args []string) (pipeline.Action, error) {
		if len(args) > 0 {
			return nil, errors.New("takes no arguments")
		}
		if deps.Bouncer == nil {
			return nil, errors.New("no bouncer configured")
		}
		return Bounce(deps.Bouncer, ml), nil
	})
	reg.RegisterAction("Log", func(args []string) (pipeline.Action, error) {
		msg := "mail processed"
		if len(args) > 0 {
			msg = strings.Join(args, " ")
		}
		return Log(slog.Default(), msg), nil
	})
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if c <= ' ' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}

// Ghost discards the mail.
func Ghost() pipeline.Action {
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		m.State = mail.StateGhost
		return nil
	})
}

// ToPipeline sends the mail to the pipeline named state.
func ToPipeline(state string) pipeline.Action {
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		m.State = state
		return nil
	})
}

// SetAttribute sets one attribute on the mail.
func SetAttribute(key, value string) pipeline.Action {
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		if m.Attributes == nil {
			m.Attributes = make(map[string]string)
		}
		m.Attributes[key] = value
		return nil
	})
}

// AddHeader prepends a header field to the mail.
func AddHeader(name, value string) pipeline.Action {
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		m.AddHeader(name, value)
		return nil
	})
}

// RemoteDelivery splits the mail by recipient domain, stores one copy per
// domain in the outgoing queue, and ghosts the mail.
func RemoteDelivery(outgoing remote.Storer) pipeline.Action {
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		for _, c := range remote.SplitByHost(m) {
			c.State = mail.StateRoot
			c.Attempts = 0
			c.LastError = ""
			if err := outgoing.Store(c); err != nil {
				return fmt.Errorf("failed to queue %s for remote delivery: %w", c.ID, err)
			}
		}
		m.State = mail.StateGhost
		return nil
	})
}

// Bounce reports the failure recorded on the mail to its sender and
// ghosts it. A nil ml uses the slog default.
func Bounce(b remote.Bouncer, ml *logging.MessageLogger) pipeline.Action {
	if ml == nil {
		ml = logging.NewMessageLogger(nil)
	}
	return pipeline.ActionFunc(func(ctx context.Context, m *mail.Mail) error {
		reason := m.LastError
		if reason == "" {
			reason = "message could not be processed"
		}
		mctx := logging.ContextFor(m)
		mctx.Error = reason
		ml.LogBounce(mctx)
		if err := b.Bounce(ctx, m, reason); err != nil {
			return err
		}
		m.State = mail.StateGhost
		return nil
	})
}

// Log writes one line about the mail and leaves it unchanged.
func Log(logger *slog.Logger, msg string) pipeline.Action {
	logger = logger.With("component", "pipeline-log")
	return pipeline.ActionFunc(func(_ context.Context, m *mail.Mail) error {
		logger.Info(msg,
			"message_id", m.ID,
			"from", m.Sender,
			"to", m.Recipients,
			"state", m.State,
			"attempts", m.Attempts,
			"last_error", m.LastError,
		)
		return nil
	})
}
