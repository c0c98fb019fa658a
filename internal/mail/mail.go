// Package mail defines the unit of work that moves through the spool and
// the processing pipelines.
package mail

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Well-known routing states. Any other state names a pipeline.
const (
	// StateGhost is terminal: the mail is discarded silently.
	StateGhost = "ghost"
	// StateError routes the mail to the error pipeline.
	StateError = "error"
	// StateRoot is the implicit first pipeline.
	StateRoot = "root"
	// StateReady marks an outbound entry waiting for its retry delay.
	StateReady = "ready"
)

// Mail is a message together with its envelope and routing state.
type Mail struct {
	ID          string            `json:"id"`
	Sender      string            `json:"sender,omitempty"` // empty is the null sender <>
	Recipients  []string          `json:"recipients"`
	State       string            `json:"state"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"last_error,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
	CreatedAt   time.Time         `json:"created_at"`
	Body        []byte            `json:"body,omitempty"`
}

// New creates a mail in the root state with a fresh id.
func New(sender string, recipients []string, body []byte) *Mail {
	now := time.Now()
	m := &Mail{
		ID:          NewID(),
		Sender:      sender,
		State:       StateRoot,
		Attributes:  make(map[string]string),
		LastUpdated: now,
		CreatedAt:   now,
		Body:        body,
	}
	m.SetRecipients(recipients)
	return m
}

// NewID returns a new unique mail id.
func NewID() string {
	return uuid.New().String()
}

// DerivedID returns a unique id for a copy split off from id.
func DerivedID(id string) string {
	r := strings.ReplaceAll(uuid.New().String(), "-", "")
	return id + "!" + r[:8]
}

// HostID returns the id of the per-host copy of id.
func HostID(id, host string) string {
	return id + "-to-" + host
}

// SetRecipients replaces the recipient set, dropping duplicates.
func (m *Mail) SetRecipients(recipients []string) {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	m.Recipients = out
}

// HasRecipient reports whether addr is one of the recipients.
func (m *Mail) HasRecipient(addr string) bool {
	for _, r := range m.Recipients {
		if r == addr {
			return true
		}
	}
	return false
}

// IsLive reports whether the mail still has work to do.
func (m *Mail) IsLive() bool {
	return m != nil && len(m.Recipients) > 0 && m.State != StateGhost
}

// Clone returns a deep copy of the mail.
func (m *Mail) Clone() *Mail {
	if m == nil {
		return nil
	}
	c := *m
	c.Recipients = append([]string(nil), m.Recipients...)
	if m.Attributes != nil {
		c.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			c.Attributes[k] = v
		}
	}
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}

// Duplicate returns a deep copy carrying a new id.
func (m *Mail) Duplicate(id string) *Mail {
	c := m.Clone()
	c.ID = id
	return c
}

// Fail records a failure on the mail and stamps it.
func (m *Mail) Fail(err error) {
	m.Attempts++
	if err != nil {
		m.LastError = err.Error()
	}
	m.LastUpdated = time.Now()
}

// Header parses the header block of the body.
func (m *Mail) Header() (textproto.Header, error) {
	if len(m.Body) == 0 {
		return textproto.Header{}, nil
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.Body)))
	if err != nil {
		return textproto.Header{}, fmt.Errorf("failed to read header of %s: %w", m.ID, err)
	}
	return h, nil
}

// AddHeader prepends a header field to the body.
func (m *Mail) AddHeader(key, value string) {
	line := fmt.Sprintf("%s: %s\r\n", key, value)
	m.Body = append([]byte(line), m.Body...)
}

// Domain returns the normalised domain part of an address.
func Domain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at == -1 || at == len(addr)-1 {
		return ""
	}
	return norm.NFC.String(strings.ToLower(strings.TrimSuffix(addr[at+1:], ".")))
}

// NormalizeAddress lower-cases and normalises the domain part of an address.
func NormalizeAddress(addr string) string {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	at := strings.LastIndex(addr, "@")
	if at == -1 {
		return norm.NFC.String(addr)
	}
	return norm.NFC.String(addr[:at]) + "@" + Domain(addr)
}
