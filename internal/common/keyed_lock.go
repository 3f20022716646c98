package common

import (
	"sort"
	"sync"
)

// KeyedLocker hands out one RWMutex per key. Entries are reference counted and dropped
// once nothing holds or waits on them.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.RWMutex
	refs int
}

// NewKeyedLocker creates an empty locker
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

// Lock takes the exclusive lock for key and returns the matching unlock function
func (k *KeyedLocker) Lock(key string) func() {
	entry := k.acquire(key)
	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.release(key, entry)
	}
}

// RLock takes the shared lock for key and returns the matching unlock function
func (k *KeyedLocker) RLock(key string) func() {
	entry := k.acquire(key)
	entry.mu.RLock()
	return func() {
		entry.mu.RUnlock()
		k.release(key, entry)
	}
}

// TryLock takes the exclusive lock only if nobody holds or awaits the key
func (k *KeyedLocker) TryLock(key string) (func(), bool) {
	entry := k.acquire(key)
	if !entry.mu.TryLock() {
		k.release(key, entry)
		return nil, false
	}
	return func() {
		entry.mu.Unlock()
		k.release(key, entry)
	}, true
}

// Len returns the number of keys currently held or awaited
func (k *KeyedLocker) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Keys returns the held or awaited keys in sorted order
func (k *KeyedLocker) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.locks))
	for key := range k.locks {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (k *KeyedLocker) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *KeyedLocker) release(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}
