// Package keylock provides named read-write locks that exist only while
// someone holds or waits for them.
package keylock

import "sync"

// Table hands out reference-counted RW mutexes by name.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.RWMutex
	refs int
}

// New returns an empty Table.
func New() *Table {
	return &Table{locks: make(map[string]*entry)}
}

func (t *Table) acquire(name string) *entry {
	t.mu.Lock()
	e, ok := t.locks[name]
	if !ok {
		e = &entry{}
		t.locks[name] = e
	}
	e.refs++
	t.mu.Unlock()
	return e
}

func (t *Table) release(name string, e *entry) {
	t.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, name)
	}
	t.mu.Unlock()
}

// Lock takes the exclusive lock for name and returns its release func.
func (t *Table) Lock(name string) func() {
	e := t.acquire(name)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.release(name, e)
	}
}

// RLock takes the shared lock for name and returns its release func.
func (t *Table) RLock(name string) func() {
	e := t.acquire(name)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		t.release(name, e)
	}
}

// TryLock takes the exclusive lock for name if it is free.
func (t *Table) TryLock(name string) (func(), bool) {
	e := t.acquire(name)
	if !e.mu.TryLock() {
		t.release(name, e)
		return nil, false
	}
	return func() {
		e.mu.Unlock()
		t.release(name, e)
	}, true
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
