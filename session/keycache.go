package session

import "sync"

// KeyCache memoizes unwrapped session keys per conversation. It is
// memory-only and lives exactly as long as the session; entries are never
// evicted because each key is 32 bytes and the set is bounded by the
// account's conversation count.
type KeyCache struct {
	mu   sync.Mutex
	keys map[int64][]byte
}

// NewKeyCache creates an empty cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{keys: make(map[int64][]byte)}
}

// Get returns a copy of the cached raw key for a conversation.
func (c *KeyCache) Get(conversationID int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.keys[conversationID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// Put stores a copy of the raw key for a conversation.
func (c *KeyCache) Put(conversationID int64, rawKey []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[conversationID] = append([]byte(nil), rawKey...)
}

// Len returns the number of cached keys.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}
