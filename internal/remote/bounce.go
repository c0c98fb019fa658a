package remote

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/metrics"
)

// Bouncer reports a delivery failure back to the sender of m.
type Bouncer interface {
	Bounce(ctx context.Context, m *mail.Mail, reason string) error
}

// Storer accepts new mail. The main spool queue satisfies it.
type Storer interface {
	Store(m *mail.Mail) error
}

// SpoolBouncer writes a failure report to the sender and stores it for
// normal processing.
type SpoolBouncer struct {
	store    Storer
	hostname string
	state    string
	logger   *slog.Logger
}

var _ Bouncer = (*SpoolBouncer)(nil)

// NewSpoolBouncer creates a bouncer storing reports into store in the root
// state.
func NewSpoolBouncer(store Storer, hostname string) *SpoolBouncer {
	return &SpoolBouncer{
		store:    store,
		hostname: hostname,
		state:    mail.StateRoot,
		logger:   slog.Default().With("component", "bouncer"),
	}
}

// Bounce implements Bouncer. Mail with the null sender is never bounced.
func (b *SpoolBouncer) Bounce(_ context.Context, m *mail.Mail, reason string) error {
	if m.Sender == "" {
		b.logger.Warn("Not bouncing mail with null sender", "message_id", m.ID, "reason", reason)
		return nil
	}

	body, err := b.report(m, reason, time.Now())
	if err != nil {
		return err
	}
	report := mail.New("", []string{m.Sender}, body)
	report.State = b.state
	report.Attributes["bounce_of"] = m.ID

	if err := b.store.Store(report); err != nil {
		return fmt.Errorf("failed to store bounce for %s: %w", m.ID, err)
	}
	metrics.Bounces.Inc()
	b.logger.Info("Bounce queued", "message_id", m.ID, "bounce_id", report.ID, "sender", m.Sender)
	return nil
}

// report renders the failure report body.
func (b *SpoolBouncer) report(m *mail.Mail, reason string, now time.Time) ([]byte, error) {
	var h textproto.Header
	h.Set("From", fmt.Sprintf("Mail Delivery System <MAILER-DAEMON@%s>", b.hostname))
	h.Set("To", "<"+m.Sender+">")
	h.Set("Subject", "Undelivered Mail Returned to Sender")
	h.Set("Date", now.Format(time.RFC1123Z))
	h.Set("Message-Id", fmt.Sprintf("<%s@%s>", mail.NewID(), b.hostname))
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "text/plain; charset=utf-8")

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("failed to write bounce header: %w", err)
	}

	fmt.Fprintf(&buf, "This is the mail system at host %s.\r\n\r\n", b.hostname)
	buf.WriteString("Your message could not be delivered to the following recipients:\r\n\r\n")
	for _, r := range m.Recipients {
		fmt.Fprintf(&buf, "    <%s>\r\n", r)
	}
	fmt.Fprintf(&buf, "\r\nReason: %s\r\n", strings.ReplaceAll(reason, "\n", " "))
	fmt.Fprintf(&buf, "Attempts: %d\r\n", m.Attempts)
	fmt.Fprintf(&buf, "Original message id: %s\r\n", m.ID)

	if orig, err := m.Header(); err == nil && orig.Len() > 0 {
		buf.WriteString("\r\n--- Original message headers ---\r\n\r\n")
		if err := textproto.WriteHeader(&buf, orig); err != nil {
			return nil, fmt.Errorf("failed to write original headers: %w", err)
		}
	}
	return buf.Bytes(), nil
}
