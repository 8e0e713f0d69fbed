package shared

import (
	"fmt"
	"sort"
	"sync"
)

// SummaryLockKey builds the critical-section key for one (account, period)
// rollup. All mutating billing operations serialise on this key.
func SummaryLockKey(account int64, period string) string {
	return fmt.Sprintf("rcc:%d:%s:lock", account, period)
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serialises work per key while operations on unrelated keys
// proceed fully in parallel. Entries are dropped once the last holder
// releases, so the registry stays bounded by in-flight work.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewKeyedMutex returns an empty lock registry.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*lockEntry)}
}

func (k *KeyedMutex) acquire(key string) *lockEntry {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()
	entry.mu.Lock()
	return entry
}

func (k *KeyedMutex) release(key string, entry *lockEntry) {
	entry.mu.Unlock()
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Lock takes the exclusive section for key and returns its release func.
func (k *KeyedMutex) Lock(key string) func() {
	entry := k.acquire(key)
	return func() { k.release(key, entry) }
}

// LockPair takes two keys in a fixed global order so that two concurrent
// cross-key operations can never deadlock. Equal keys are locked once.
func (k *KeyedMutex) LockPair(a, b string) func() {
	if a == b {
		return k.Lock(a)
	}
	keys := []string{a, b}
	sort.Strings(keys)
	first := k.acquire(keys[0])
	second := k.acquire(keys[1])
	return func() {
		k.release(keys[1], second)
		k.release(keys[0], first)
	}
}
