// Package directory answers whether an address belongs to a known mailbox.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/busybox42/elemta-core/internal/config"
)

// ErrNotConnected is returned when the directory has no live connection.
var ErrNotConnected = errors.New("not connected to directory")

// Directory looks up recipient addresses.
type Directory interface {
	Exists(ctx context.Context, addr string) (bool, error)
}

// Static is a fixed set of addresses, compared case-insensitively.
type Static map[string]struct{}

// NewStatic builds a Static directory from addrs.
func NewStatic(addrs ...string) Static {
	s := make(Static, len(addrs))
	for _, a := range addrs {
		s[strings.ToLower(a)] = struct{}{}
	}
	return s
}

// Exists implements Directory.
func (s Static) Exists(_ context.Context, addr string) (bool, error) {
	_, ok := s[strings.ToLower(addr)]
	return ok, nil
}

// LDAP looks addresses up in an LDAP server.
type LDAP struct {
	config config.DirectoryConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      *ldap.Conn
	connected bool
}

var _ Directory = (*LDAP)(nil)

// NewLDAP creates an LDAP directory. Connect must be called before use.
func NewLDAP(cfg config.DirectoryConfig) *LDAP {
	if cfg.Filter == "" {
		cfg.Filter = "(mail=%s)"
	}
	return &LDAP{
		config: cfg,
		logger: slog.Default().With("component", "directory-ldap"),
	}
}

// Connect establishes a connection to the LDAP server
func (l *LDAP) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked()
}

func (l *LDAP) connectLocked() error {
	if l.connected {
		return nil
	}

	conn, err := ldap.DialURL(l.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(30 * time.Second)

	if l.config.BindDN != "" {
		if err := conn.Bind(l.config.BindDN, l.config.BindPassword); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to bind to LDAP server: %w", err)
		}
	}

	l.conn = conn
	l.connected = true
	return nil
}

// Close closes the connection to the LDAP server
func (l *LDAP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil
	}
	l.connected = false
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close LDAP connection: %w", err)
	}
	return nil
}

// Filter returns the search filter for addr.
func (l *LDAP) Filter(addr string) string {
	return fmt.Sprintf(l.config.Filter, ldap.EscapeFilter(strings.ToLower(addr)))
}

// Exists reports whether an entry matches addr. A dropped connection is
// re-established once.
func (l *LDAP) Exists(ctx context.Context, addr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return false, ErrNotConnected
	}

	found, err := l.search(addr)
	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		l.logger.Warn("LDAP connection lost, reconnecting", "error", err)
		_ = l.conn.Close()
		l.connected = false
		if err := l.connectLocked(); err != nil {
			return false, err
		}
		found, err = l.search(addr)
	}
	return found, err
}

func (l *LDAP) search(addr string) (bool, error) {
	req := ldap.NewSearchRequest(
		l.config.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 5, false,
		l.Filter(addr),
		[]string{"dn"},
		nil,
	)
	res, err := l.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			return true, nil
		}
		return false, fmt.Errorf("failed to search directory for %s: %w", addr, err)
	}
	return len(res.Entries) > 0, nil
}
