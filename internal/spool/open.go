package spool

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/keylock"
)

// Queue names used by the server.
const (
	MainQueue     = "spool"
	OutgoingQueue = "outgoing"
)

// Stores opens queues from configuration. Queues configured with the same
// database or directory share one handle.
type Stores struct {
	lock    config.LockConfig
	handles map[string]io.Closer
	closers []io.Closer
}

// NewStores creates an empty set of stores using the given lock settings.
func NewStores(lock config.LockConfig) *Stores {
	return &Stores{lock: lock, handles: make(map[string]io.Closer)}
}

// Open returns the queue called name backed as sc describes.
func (s *Stores) Open(name string, sc config.SpoolConfig) (*Queue, error) {
	backend, err := s.backend(name, sc)
	if err != nil {
		return nil, err
	}
	locks, err := s.locker(name)
	if err != nil {
		return nil, err
	}
	return New(name, backend, locks), nil
}

func (s *Stores) backend(name string, sc config.SpoolConfig) (Backend, error) {
	switch sc.Type {
	case config.BackendMemory:
		return NewMemoryBackend(), nil

	case config.BackendFile:
		return NewFileBackend(sc.Dir)

	case config.BackendSQL:
		key := "sql:" + sc.Dialect + ":" + sc.DSN
		h, ok := s.handles[key]
		if !ok {
			db, err := OpenSQL(sc.Dialect, sc.DSN)
			if err != nil {
				return nil, err
			}
			s.share(key, db)
			h = db
		}
		return NewSQLBackend(h.(*sql.DB), sc.Dialect, name), nil

	case config.BackendBadger:
		key := "badger:" + sc.Dir
		h, ok := s.handles[key]
		if !ok {
			db, err := OpenBadger(sc.Dir)
			if err != nil {
				return nil, err
			}
			s.share(key, db)
			h = db
		}
		return NewBadgerBackend(h.(*badger.DB), name), nil
	}
	return nil, fmt.Errorf("unknown spool backend type: %q", sc.Type)
}

func (s *Stores) locker(name string) (keylock.Locker, error) {
	switch s.lock.Type {
	case "", "memory":
		return keylock.NewTable(), nil
	case "redis":
		r, err := keylock.NewRedis(keylock.RedisConfig{
			Addr:     s.lock.Addr,
			Password: s.lock.Password,
			Database: s.lock.Database,
			Prefix:   "elemta:lock:" + name + ":",
			TTL:      s.lock.TTL.Duration,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, r)
		return r, nil
	}
	return nil, fmt.Errorf("unknown lock type: %q", s.lock.Type)
}

func (s *Stores) share(key string, c io.Closer) {
	s.handles[key] = c
	s.closers = append(s.closers, c)
}

// Close closes every database and lock client opened so far.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	s.handles = make(map[string]io.Closer)
	return errors.Join(errs...)
}
