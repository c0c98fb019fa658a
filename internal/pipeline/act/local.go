package act

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/busybox42/elemta-core/internal/logging"
	"github.com/busybox42/elemta-core/internal/mail"
)

// LocalDelivery writes one copy of the mail per recipient into a maildir
// under <dir>/<domain>/<local>/ and ghosts the mail.
type LocalDelivery struct {
	dir  string
	mlog *logging.MessageLogger
	now  func() time.Time
}

// NewLocalDelivery creates a LocalDelivery rooted at dir.
func NewLocalDelivery(dir string, ml *logging.MessageLogger) *LocalDelivery {
	if ml == nil {
		ml = logging.NewMessageLogger(nil)
	}
	return &LocalDelivery{dir: dir, mlog: ml, now: time.Now}
}

// Service implements pipeline.Action.
func (l *LocalDelivery) Service(ctx context.Context, m *mail.Mail) error {
	for i, rcpt := range m.Recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.deliver(m, rcpt, i); err != nil {
			return err
		}
	}

	mctx := logging.ContextFor(m)
	mctx.DeliveryMethod = "local"
	l.mlog.LogDelivery(mctx)

	m.State = mail.StateGhost
	return nil
}

// Mailbox returns the maildir of rcpt.
func (l *LocalDelivery) Mailbox(rcpt string) (string, error) {
	at := strings.LastIndex(rcpt, "@")
	if at <= 0 {
		return "", fmt.Errorf("invalid local recipient %q", rcpt)
	}
	local := strings.ToLower(rcpt[:at])
	domain := mail.Domain(rcpt)
	for _, part := range []string{local, domain} {
		if part == "" || strings.HasPrefix(part, ".") || strings.ContainsAny(part, `/\`) || strings.ContainsRune(part, 0) {
			return "", fmt.Errorf("invalid local recipient %q", rcpt)
		}
	}
	return filepath.Join(l.dir, domain, local), nil
}

func (l *LocalDelivery) deliver(m *mail.Mail, rcpt string, seq int) error {
	box, err := l.Mailbox(rcpt)
	if err != nil {
		return err
	}
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(box, sub), 0700); err != nil {
			return fmt.Errorf("failed to create mailbox for %s: %w", rcpt, err)
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Return-Path: <%s>\r\n", m.Sender)
	fmt.Fprintf(&buf, "Delivered-To: %s\r\n", rcpt)
	buf.Write(m.Body)

	name := fmt.Sprintf("%d.%s.%d", l.now().UnixNano(), strings.NewReplacer("/", "_", ":", "_").Replace(m.ID), seq)
	tmp := filepath.Join(box, "tmp", name)
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write mail for %s: %w", rcpt, err)
	}
	if err := os.Rename(tmp, filepath.Join(box, "new", name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move mail into mailbox of %s: %w", rcpt, err)
	}
	return nil
}
