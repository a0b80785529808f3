package store

import (
	"sync"
	"time"

	"wacore/types"
)

// Chat is the spec §3 Chat model: the local view of one conversation or
// group thread, plus the bookkeeping needed to make group sender-key
// distribution idempotent (participantPreKeys) and to apply the persist
// rule the decode path runs on every accepted message (messages, unread,
// archived).
type Chat struct {
	JID               types.JID
	Name              string
	Archived          bool
	UnreadCount       int
	EphemeralDuration time.Duration

	Messages []types.MessageKey

	// participantPreKeys is the set of participant devices (by JID string)
	// that have already received this chat's current SenderKeyDistributionMessage.
	// encodeGroup only wraps-and-sends to devices missing from this set.
	participantPreKeys map[string]struct{}
}

// ChatStore is an in-memory (chatJID -> Chat) table. It is the minimal
// persistent-data-model counterpart to devicecache/groupmeta's TTL caches:
// unlike those, entries never expire, matching the spec's "chat.participantsPreKeys"
// living for the chat's lifetime rather than a fixed window.
type ChatStore struct {
	mu    sync.Mutex
	chats map[string]*Chat
}

func NewChatStore() *ChatStore {
	return &ChatStore{chats: map[string]*Chat{}}
}

func (s *ChatStore) getOrCreate(jid types.JID) *Chat {
	key := jid.String()
	c, ok := s.chats[key]
	if !ok {
		c = &Chat{JID: jid, participantPreKeys: map[string]struct{}{}}
		s.chats[key] = c
	}
	return c
}

// Known reports whether jid already has a Chat row, without creating one.
func (s *ChatStore) Known(jid types.JID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chats[jid.String()]
	return ok
}

// Ensure creates jid's Chat row if it doesn't exist yet, and reports whether
// it already existed (the RECENT sub-dispatch's "if chat known" branch).
func (s *ChatStore) Ensure(jid types.JID) (existed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed = s.chats[jid.String()]
	s.getOrCreate(jid)
	return existed
}

// SetName updates jid's display name (group subject or push name).
func (s *ChatStore) SetName(jid types.JID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(jid).Name = name
}

// SetArchived sets jid's archived flag.
func (s *ChatStore) SetArchived(jid types.JID, archived bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(jid).Archived = archived
}

// ClearArchived clears jid's archived flag, if set.
func (s *ChatStore) ClearArchived(jid types.JID) {
	s.SetArchived(jid, false)
}

// SetEphemeralDuration sets jid's disappearing-messages timer.
func (s *ChatStore) SetEphemeralDuration(jid types.JID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(jid).EphemeralDuration = d
}

// AppendMessage records key in jid's message list.
func (s *ChatStore) AppendMessage(jid types.JID, key types.MessageKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getOrCreate(jid)
	c.Messages = append(c.Messages, key)
}

// RemoveMessage deletes the message identified by id from jid's message
// list, reporting whether it was present.
func (s *ChatStore) RemoveMessage(jid types.JID, id types.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[jid.String()]
	if !ok {
		return false
	}
	for i, k := range c.Messages {
		if k.ID == id {
			c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
			return true
		}
	}
	return false
}

// IncrementUnread increments jid's unread counter by one.
func (s *ChatStore) IncrementUnread(jid types.JID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(jid).UnreadCount++
}

// MissingParticipants returns the subset of devices that are not yet in
// jid's participantPreKeys set - the devices a SenderKeyDistributionMessage
// still needs to reach (spec §4.5 step 2: missingParticipants = devices \
// chat.participantsPreKeys).
func (s *ChatStore) MissingParticipants(jid types.JID, devices []types.JID) []types.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getOrCreate(jid)
	var missing []types.JID
	for _, d := range devices {
		if _, sent := c.participantPreKeys[d.String()]; !sent {
			missing = append(missing, d)
		}
	}
	return missing
}

// MarkParticipantPreKeysSent records devices as having received jid's
// current SenderKeyDistributionMessage, so a later encode won't re-send it
// to them (spec §8's idempotent-distribution law).
func (s *ChatStore) MarkParticipantPreKeysSent(jid types.JID, devices []types.JID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getOrCreate(jid)
	for _, d := range devices {
		c.participantPreKeys[d.String()] = struct{}{}
	}
}

// Snapshot returns a copy of jid's Chat row for inspection (tests, UI
// listings); mutating the returned value has no effect on the store.
func (s *ChatStore) Snapshot(jid types.JID) Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.getOrCreate(jid)
	cp := *c
	cp.Messages = append([]types.MessageKey(nil), c.Messages...)
	return cp
}
