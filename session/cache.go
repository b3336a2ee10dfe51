package session

import "sync"

// Cache is the process-wide session_id → Session map. It is passed by
// reference through whichever component owns the process (stack, prefork
// drone loop), never held as a package-level global.
type Cache struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]*Session)}
}

// Store registers s under its ID.
func (c *Cache) Store(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[s.ID] = s
}

// Load returns the Session for id, if any.
func (c *Cache) Load(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.m[id]
	return s, ok
}

// Delete removes id from the cache. It is a no-op if absent.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}

// Len reports the number of live sessions, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// Close drains the cache, dropping every entry's user data via its
// configured action. The original C implementation leaked here; this
// fixes that by running the user-data drop action of every surviving entry
// instead of just freeing the map.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := make([]*Session, 0, len(c.m))
	for _, s := range c.m {
		entries = append(entries, s)
	}
	c.m = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range entries {
		if s.userDataDrop != nil {
			s.userDataDrop(s.userData)
			s.userData = nil
			s.userDataDrop = nil
		}
	}
}
