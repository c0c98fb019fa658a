// Package spool implements the keyed, lockable store of pending mail.
//
// A Queue owns its backend and its lock table. Workers take entries with
// Accept, which hands back a copy of the entry with its key still locked;
// the worker then either Removes the entry or Unlocks it.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/elemta-core/internal/keylock"
	"github.com/busybox42/elemta-core/internal/mail"
)

var (
	// ErrNotFound is returned for keys that are not in the queue.
	ErrNotFound = errors.New("spool: entry not found")
	// ErrNotLocked is returned when releasing a key nobody holds.
	ErrNotLocked = errors.New("spool: entry not locked")
	// ErrInterrupted is returned by Accept when its context ends.
	ErrInterrupted = errors.New("spool: accept interrupted")
)

// storeRetryDelay bounds the wait after a backend listing failure.
const storeRetryDelay = time.Second

// Backend persists spool entries. Implementations need not be safe for
// concurrent use; the Queue serialises access.
type Backend interface {
	Put(m *mail.Mail) error
	// Get returns ErrNotFound for a missing id.
	Get(id string) (*mail.Mail, error)
	// Delete returns ErrNotFound for a missing id.
	Delete(id string) error
	Keys() ([]string, error)
}

// Queue is a spool of mail keyed by id.
type Queue struct {
	name    string
	backend Backend
	locks   keylock.Locker
	logger  *slog.Logger

	mu      sync.Mutex
	changed chan struct{}
}

// New creates a queue over backend. A nil locker gets an in-process table.
func New(name string, backend Backend, locks keylock.Locker) *Queue {
	if locks == nil {
		locks = keylock.NewTable()
	}
	return &Queue{
		name:    name,
		backend: backend,
		locks:   locks,
		logger:  slog.Default().With("component", "spool", "queue", name),
		changed: make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// notifyLocked wakes every goroutine blocked in Accept. q.mu must be held.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) notify() {
	q.mu.Lock()
	q.notifyLocked()
	q.mu.Unlock()
}

// Store saves an independent copy of m, replacing any entry with the same
// id. Storing is allowed while the id is locked.
func (q *Queue) Store(m *mail.Mail) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("cannot store mail without an id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.backend.Put(m.Clone()); err != nil {
		return fmt.Errorf("failed to store %s in %s: %w", m.ID, q.name, err)
	}
	q.notifyLocked()

	q.logger.Debug("mail stored", "message_id", m.ID, "state", m.State)
	return nil
}

// Retrieve returns a copy of the entry stored under id.
func (q *Queue) Retrieve(id string) (*mail.Mail, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.backend.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to retrieve %s from %s: %w", id, q.name, err)
	}
	return m.Clone(), nil
}

// Remove deletes the entry stored under id and releases its lock. The key
// is locked first; a key that is already held is taken to be held by the
// caller. Removing a missing entry returns ErrNotFound.
func (q *Queue) Remove(id string) error {
	q.locks.Lock(id)

	q.mu.Lock()
	err := q.backend.Delete(id)
	if err == nil {
		q.notifyLocked()
	}
	q.mu.Unlock()

	q.locks.Unlock(id)

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to remove %s from %s: %w", id, q.name, err)
	}

	q.logger.Debug("mail removed", "message_id", id)
	return nil
}

// Lock acquires the key of id without retrieving it.
func (q *Queue) Lock(id string) bool {
	return q.locks.Lock(id)
}

// Unlock releases the key of id.
func (q *Queue) Unlock(id string) error {
	if !q.locks.Unlock(id) {
		return fmt.Errorf("%w: %s", ErrNotLocked, id)
	}
	q.notify()
	return nil
}

// IsLocked reports whether id is held by a worker.
func (q *Queue) IsLocked(id string) bool {
	return q.locks.IsLocked(id)
}

// List returns a snapshot of the stored keys.
func (q *Queue) List() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys, err := q.backend.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", q.name, err)
	}
	return append([]string(nil), keys...), nil
}

// Len returns the number of stored entries, or -1 if listing fails.
func (q *Queue) Len() int {
	keys, err := q.List()
	if err != nil {
		return -1
	}
	return len(keys)
}

// Accept blocks until an unlocked entry satisfies f and returns it locked.
// When a full scan finds nothing it waits f.WaitTime(), or until the next
// Store or Unlock when the wait time is zero, and scans again.
func (q *Queue) Accept(ctx context.Context, f Filter) (*mail.Mail, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}

		q.mu.Lock()
		wake := q.changed
		q.mu.Unlock()

		wait, m, err := q.scan(f)
		if err != nil {
			q.logger.Warn("Failed to scan queue", "error", err)
			wait = storeRetryDelay
		}
		if m != nil {
			return m, nil
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// scan walks one key snapshot. A rejected entry is unlocked without waking
// other waiters.
func (q *Queue) scan(f Filter) (time.Duration, *mail.Mail, error) {
	keys, err := q.List()
	if err != nil {
		return 0, nil, err
	}

	now := time.Now()
	for _, key := range keys {
		if !q.locks.Lock(key) {
			continue
		}
		m, err := q.Retrieve(key)
		if err != nil {
			q.locks.Unlock(key)
			if !errors.Is(err, ErrNotFound) {
				q.logger.Warn("Failed to read entry", "message_id", key, "error", err)
			}
			continue
		}
		if f.Accept(m, now) {
			return 0, m, nil
		}
		q.locks.Unlock(key)
	}
	return f.WaitTime(), nil, nil
}

// AcceptAll accepts the first unlocked entry.
func (q *Queue) AcceptAll(ctx context.Context) (*mail.Mail, error) {
	return q.Accept(ctx, All())
}

// AcceptDelayed accepts entries that are not waiting for a retry, and
// ready entries whose retry delay has elapsed.
func (q *Queue) AcceptDelayed(ctx context.Context, delay DelayFunc) (*mail.Mail, error) {
	return q.Accept(ctx, Delayed(delay))
}
