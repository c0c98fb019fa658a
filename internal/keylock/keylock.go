// Package keylock provides advisory exclusive locks keyed by mail id.
//
// Locks are not reentrant and carry no owner: any caller may release a held
// key. Callers in this module only ever hold one key at a time.
package keylock

import "sync"

// Locker is the lock table contract used by the spool.
type Locker interface {
	// Lock acquires key if it is free and reports whether it did.
	Lock(key string) bool
	// Unlock releases key and reports whether it was held.
	Unlock(key string) bool
	// IsLocked reports whether key is currently held.
	IsLocked(key string) bool
}

// Table is an in-process Locker.
type Table struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

var _ Locker = (*Table)(nil)

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[string]struct{})}
}

// Lock implements Locker.
func (t *Table) Lock(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[key]; held {
		return false
	}
	t.locks[key] = struct{}{}
	return true
}

// Unlock implements Locker.
func (t *Table) Unlock(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.locks[key]; !held {
		return false
	}
	delete(t.locks, key)
	return true
}

// IsLocked implements Locker.
func (t *Table) IsLocked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.locks[key]
	return held
}

// Len returns the number of held keys.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
