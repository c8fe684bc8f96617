// Package keylock provides per-key mutual exclusion backed by a sharded map.
//
// Entries are reference counted: an entry is created when the first holder
// or waiter arrives and removed as soon as the last one unlocks, so the map
// never grows beyond the set of keys currently in use.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Map hands out per-key locks. The zero value is not usable; use New.
type Map struct {
	shards [shardCount]*shard
}

// New creates an empty lock map.
func New() *Map {
	m := &Map{}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return m
}

func (m *Map) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%shardCount]
}

// Lock blocks until the lock for key is held by the caller.
func (m *Map) Lock(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
}

// TryLock acquires the lock for key only if it is free.
func (m *Map) TryLock(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	if !e.mu.TryLock() {
		if e.refs == 0 {
			delete(s.entries, key)
		}
		return false
	}
	e.refs++
	return true
}

// Unlock releases the lock for key. Unlocking a key that is not locked panics,
// as with sync.Mutex.
func (m *Map) Unlock(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		panic("keylock: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	e.mu.Unlock()
}

// Locker returns a sync.Locker bound to key.
func (m *Map) Locker(key string) sync.Locker {
	return &keyLocker{m: m, key: key}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

type keyLocker struct {
	m   *Map
	key string
}

func (l *keyLocker) Lock()   { l.m.Lock(l.key) }
func (l *keyLocker) Unlock() { l.m.Unlock(l.key) }
