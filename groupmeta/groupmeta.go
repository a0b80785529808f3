// Package groupmeta holds the short-lived (groupJid -> GroupMetadata) cache
// a group-info IQ response populates, per spec §4.4: a 5-minute TTL.
package groupmeta

import (
	"sync"
	"time"

	"wacore/types"
)

const ttl = 5 * time.Minute

// Metadata is the subset of group state the messaging core needs to fan
// outgoing group messages out to every participant's devices.
type Metadata struct {
	JID          types.JID
	OwnerJID     types.JID
	Participants []types.JID
}

type entry struct {
	meta    Metadata
	expires time.Time
}

// Cache maps a group JID to its metadata.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

func New() *Cache {
	return &Cache{entries: map[string]entry{}}
}

func (c *Cache) Get(group types.JID) (Metadata, bool) {
	key := group.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return Metadata{}, false
	}
	return e.meta, true
}

func (c *Cache) Put(meta Metadata) {
	key := meta.JID.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{meta: meta, expires: time.Now().Add(ttl)}
}

func (c *Cache) Invalidate(group types.JID) {
	key := group.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
