package session

import "sync"

// KeyedLock serializes work per string key. Entries are reference counted so
// the map does not grow with every (bot, user) pair ever seen. The session
// manager uses one internally; the bot manager shares the type to serialize
// worker invocations on the same pair.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		locks: make(map[string]*lockEntry),
	}
}

// Acquire blocks until the key is free and returns the release func.
func (k *KeyedLock) Acquire(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			k.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// PairKey builds the canonical serialization key for a (bot, user) pair.
func PairKey(botID, userID string) string {
	return botID + "\x00" + userID
}
