// Package historycache implements the spec's History Cache (§4.8): a
// key-eviction buffer keyed by chat. Each insertion restarts a 1-minute TTL.
// When the TTL expires for an entry that hasn't been re-inserted since, the
// cache invokes the configured OnExpire callback with that chat, signalling
// "this chat's recent-message batch is complete". Re-insertion before expiry
// cancels the pending callback; eviction for any reason other than the TTL
// firing (there is no other reason here) must never invoke the callback.
package historycache

import (
	"sync"
	"time"

	"wacore/types"
)

const ttl = 1 * time.Minute

// OnExpire is invoked once per chat, the first time its TTL lapses without a
// subsequent Touch; the batch for that chat is complete. Whether the chat
// was already known before this batch is the caller's own bookkeeping
// (dispatchHistorySync's immediate onChatRecentMessages(chat, false) call),
// not something the cache itself tracks.
type OnExpire func(chat types.JID)

type entry struct {
	timer *time.Timer
}

// Cache is the History Cache itself.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	onExpire OnExpire
}

func New(onExpire OnExpire) *Cache {
	return &Cache{entries: map[string]*entry{}, onExpire: onExpire}
}

// Touch inserts or refreshes chat's TTL.
func (c *Cache) Touch(chat types.JID) {
	key := chat.String()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		e = &entry{}
		c.entries[key] = e
	} else {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(ttl, func() { c.expire(key) })
}

func (c *Cache) expire(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.mu.Unlock()

	if c.onExpire != nil {
		jid, err := types.ParseJID(key)
		if err == nil {
			c.onExpire(jid)
		}
	}
}

// Contains reports whether chat currently has a live (unexpired) entry.
func (c *Cache) Contains(chat types.JID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[chat.String()]
	return ok
}
