package spool

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/busybox42/elemta-core/internal/mail"
)

// BadgerBackend stores entries in a Badger database under "<queue>/<id>".
// Several queues can share one database.
type BadgerBackend struct {
	db     *badger.DB
	prefix []byte
}

var _ Backend = (*BadgerBackend)(nil)

// OpenBadger opens (or creates) a Badger database in dir.
func OpenBadger(dir string) (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return db, nil
}

// NewBadgerBackend returns the view of db holding one queue's entries.
func NewBadgerBackend(db *badger.DB, queue string) *BadgerBackend {
	return &BadgerBackend{db: db, prefix: []byte(queue + "/")}
}

func (b *BadgerBackend) key(id string) []byte {
	return append(append([]byte(nil), b.prefix...), id...)
}

// Put implements Backend.
func (b *BadgerBackend) Put(m *mail.Mail) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mail: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(m.ID), data)
	})
}

// Get implements Backend.
func (b *BadgerBackend) Get(id string) (*mail.Mail, error) {
	var m mail.Mail
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read spool entry: %w", err)
	}
	return &m, nil
}

// Delete implements Backend.
func (b *BadgerBackend) Delete(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(b.key(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(b.key(id))
	})
}

// Keys implements Backend.
func (b *BadgerBackend) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(b.prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(b.prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list spool entries: %w", err)
	}
	return keys, nil
}
