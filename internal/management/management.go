// Package management lists and edits spool queues from the outside.
package management

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/busybox42/elemta-core/internal/mail"
	"github.com/busybox42/elemta-core/internal/spool"
)

var (
	// ErrUnknownQueue is returned for a queue name the manager does not hold.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrInvalidFilter is returned for a filter that cannot be compiled.
	ErrInvalidFilter = errors.New("invalid filter")
)

// Filter selects entries. Empty fields match everything; when both are
// set both must hold.
type Filter struct {
	State string
	// Header names a header field; ValueRegex must match one of its values.
	Header     string
	ValueRegex string
}

type compiled struct {
	state  string
	header string
	value  *regexp.Regexp
}

func (f Filter) compile() (*compiled, error) {
	c := &compiled{state: f.State, header: f.Header}
	if f.ValueRegex != "" {
		if f.Header == "" {
			return nil, fmt.Errorf("%w: a value pattern needs a header name", ErrInvalidFilter)
		}
		re, err := regexp.Compile(f.ValueRegex)
		if err != nil {
			return nil, fmt.Errorf("%w: bad value pattern: %v", ErrInvalidFilter, err)
		}
		c.value = re
	}
	return c, nil
}

func (c *compiled) match(m *mail.Mail) bool {
	if c.state != "" && m.State != c.state {
		return false
	}
	if c.header == "" {
		return true
	}
	h, err := m.Header()
	if err != nil || !h.Has(c.header) {
		return false
	}
	if c.value == nil {
		return true
	}
	fields := h.FieldsByKey(c.header)
	for fields.Next() {
		if c.value.MatchString(fields.Value()) {
			return true
		}
	}
	return false
}

// Entry summarises one queued mail.
type Entry struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	State       string    `json:"state"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
	Size        int       `json:"size"`
	Locked      bool      `json:"locked"`
}

// Manager operates on a set of named queues.
type Manager struct {
	queues map[string]*spool.Queue
	logger *slog.Logger
}

// New creates a manager over queues, keyed by their names.
func New(queues ...*spool.Queue) *Manager {
	m := &Manager{
		queues: make(map[string]*spool.Queue, len(queues)),
		logger: slog.Default().With("component", "queue-management"),
	}
	for _, q := range queues {
		m.queues[q.Name()] = q
	}
	return m
}

// Queues returns the queue names, sorted.
func (mg *Manager) Queues() []string {
	names := make([]string, 0, len(mg.queues))
	for name := range mg.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (mg *Manager) queue(sel string) (*spool.Queue, error) {
	q, ok := mg.queues[sel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, sel)
	}
	return q, nil
}

// ListPending returns the ids stored in queue sel.
func (mg *Manager) ListPending(sel string) ([]string, error) {
	q, err := mg.queue(sel)
	if err != nil {
		return nil, err
	}
	return q.List()
}

// List returns a summary of the entries of sel matching f.
func (mg *Manager) List(sel string, f Filter) ([]Entry, error) {
	q, err := mg.queue(sel)
	if err != nil {
		return nil, err
	}
	c, err := f.compile()
	if err != nil {
		return nil, err
	}
	ids, err := q.List()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		m, err := q.Retrieve(id)
		if err != nil {
			continue
		}
		if !c.match(m) {
			continue
		}
		entries = append(entries, Entry{
			ID:          m.ID,
			Sender:      m.Sender,
			Recipients:  m.Recipients,
			State:       m.State,
			Attempts:    m.Attempts,
			LastError:   m.LastError,
			LastUpdated: m.LastUpdated,
			Size:        len(m.Body),
			Locked:      q.IsLocked(id),
		})
	}
	return entries, nil
}

// Get returns the entry key of queue sel.
func (mg *Manager) Get(sel, key string) (*mail.Mail, error) {
	q, err := mg.queue(sel)
	if err != nil {
		return nil, err
	}
	return q.Retrieve(key)
}

// each calls fn with every entry of q selected by key (or all when key is
// empty) that satisfies match, holding the entry's lock. Entries held by
// someone else are skipped. fn reports whether it released the lock.
func (mg *Manager) each(q *spool.Queue, key string, match func(*mail.Mail) bool, fn func(m *mail.Mail) (bool, error)) (int, error) {
	var ids []string
	if key != "" {
		ids = []string{key}
	} else {
		var err error
		if ids, err = q.List(); err != nil {
			return 0, err
		}
	}

	count := 0
	for _, id := range ids {
		if !q.Lock(id) {
			continue
		}
		m, err := q.Retrieve(id)
		if err != nil {
			mg.unlock(q, id)
			if errors.Is(err, spool.ErrNotFound) {
				if key != "" {
					return 0, err
				}
				continue
			}
			return count, err
		}
		if !match(m) {
			mg.unlock(q, id)
			continue
		}
		released, err := fn(m)
		if !released {
			mg.unlock(q, id)
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (mg *Manager) unlock(q *spool.Queue, id string) {
	if err := q.Unlock(id); err != nil {
		mg.logger.Warn("Failed to unlock queue entry", "queue", q.Name(), "message_id", id, "error", err)
	}
}

// Remove deletes the entry key of queue sel, or every entry when key is
// empty, that matches f. Entries held by a worker are skipped. It returns
// the number removed.
func (mg *Manager) Remove(sel, key string, f Filter) (int, error) {
	q, err := mg.queue(sel)
	if err != nil {
		return 0, err
	}
	c, err := f.compile()
	if err != nil {
		return 0, err
	}

	n, err := mg.each(q, key, c.match, func(m *mail.Mail) (bool, error) {
		return true, q.Remove(m.ID)
	})
	mg.logger.Info("Removed queue entries", "queue", sel, "key", key, "state", f.State, "count", n)
	return n, err
}

// RequeueErrored moves entries of sel in the error or ready state to
// targetState and clears their retry delay, so they are picked up at once.
// An empty targetState means ready for the outgoing queue and root
// otherwise. With a key only that entry is considered.
func (mg *Manager) RequeueErrored(sel, key, targetState string) (int, error) {
	q, err := mg.queue(sel)
	if err != nil {
		return 0, err
	}
	if targetState == "" {
		targetState = mail.StateRoot
		if sel == spool.OutgoingQueue {
			targetState = mail.StateReady
		}
	}

	waiting := func(m *mail.Mail) bool {
		return m.State == mail.StateError || m.State == mail.StateReady
	}
	n, err := mg.each(q, key, waiting, func(m *mail.Mail) (bool, error) {
		m.State = targetState
		m.LastUpdated = time.Time{}
		return false, q.Store(m)
	})
	mg.logger.Info("Requeued queue entries", "queue", sel, "key", key, "target_state", targetState, "count", n)
	return n, err
}
