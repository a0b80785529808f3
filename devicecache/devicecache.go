// Package devicecache holds the short-lived (userJid -> []deviceJid) device
// lists produced by a USync query, per spec §4.4/§4.8 semantics: a 5-minute
// TTL, refreshed from the wire when missing or expired.
package devicecache

import (
	"sync"
	"time"

	"wacore/types"
)

const ttl = 5 * time.Minute

type entry struct {
	devices []types.JID
	expires time.Time
}

// Cache maps a bare user JID to the devices it fans out to.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

func New() *Cache {
	return &Cache{entries: map[string]entry{}}
}

// Get returns the cached device list for user, if present and unexpired.
func (c *Cache) Get(user types.JID) ([]types.JID, bool) {
	key := user.ToNonAD().String()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.devices, true
}

// Put inserts (or replaces) user's device list with a fresh 5-minute TTL.
func (c *Cache) Put(user types.JID, devices []types.JID) {
	key := user.ToNonAD().String()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{devices: devices, expires: time.Now().Add(ttl)}
}

// PutMany inserts discovered device lists for several users at once, grouped
// by bare user JID, the way a single USync response fans out to the cache.
func (c *Cache) PutMany(byUser map[string][]types.JID) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for user, devices := range byUser {
		c.entries[user] = entry{devices: devices, expires: now.Add(ttl)}
	}
}

// Invalidate drops a cached entry, forcing the next Get to miss.
func (c *Cache) Invalidate(user types.JID) {
	key := user.ToNonAD().String()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
