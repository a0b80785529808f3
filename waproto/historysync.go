package waproto

import "google.golang.org/protobuf/encoding/protowire"

// Conversation is one synced thread: just enough of the Chat model (spec §3)
// to seed or refresh a local Chat row without re-fetching it.
type Conversation struct {
	ID                  string
	Name                string
	UnreadCount         uint32
	Archived            bool
	EphemeralExpiration uint32 // seconds, 0 means disappearing messages are off
}

// Pushname is one (user JID, chosen display name) pair carried by a
// PUSH_NAME history sync batch.
type Pushname struct {
	ID       string
	PushName string
}

// HistorySyncStatusMessage is one status update carried by an
// INITIAL_STATUS_V3 history sync batch.
type HistorySyncStatusMessage struct {
	Key       *MessageKeyProto
	Message   *Message
	Timestamp int64
}

// HistorySync is the decoded contents of the blob a HistorySyncNotification
// references: a batch of conversations, statuses, or push names tagged with
// the same SyncType space as HistorySyncNotification.SyncType.
type HistorySync struct {
	SyncType         uint64
	Conversations    []*Conversation
	StatusV3Messages []*HistorySyncStatusMessage
	Pushnames        []*Pushname
	Progress         uint32
}

func marshalConversation(c *Conversation) []byte {
	if c == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, c.ID)
	b = appendString(b, 2, c.Name)
	b = appendVarint(b, 3, uint64(c.UnreadCount))
	b = appendBool(b, 4, c.Archived)
	b = appendVarint(b, 5, uint64(c.EphemeralExpiration))
	return b
}

func unmarshalConversation(data []byte) (*Conversation, error) {
	c := &Conversation{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			c.ID = string(v)
		case 2:
			c.Name = string(v)
		}
		return nil
	}, func(num protowire.Number, v uint64) error {
		switch num {
		case 3:
			c.UnreadCount = uint32(v)
		case 4:
			c.Archived = v != 0
		case 5:
			c.EphemeralExpiration = uint32(v)
		}
		return nil
	})
	return c, err
}

func marshalPushname(p *Pushname) []byte {
	if p == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, p.ID)
	b = appendString(b, 2, p.PushName)
	return b
}

func unmarshalPushname(data []byte) (*Pushname, error) {
	p := &Pushname{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			p.ID = string(v)
		case 2:
			p.PushName = string(v)
		}
		return nil
	}, nil)
	return p, err
}

func marshalHistorySyncStatus(s *HistorySyncStatusMessage) []byte {
	if s == nil {
		return nil
	}
	var b []byte
	b = appendMessage(b, 1, s.Key.marshal())
	b = appendMessage(b, 2, Marshal(s.Message))
	b = appendVarint(b, 3, uint64(s.Timestamp))
	return b
}

func unmarshalHistorySyncStatus(data []byte) (*HistorySyncStatusMessage, error) {
	s := &HistorySyncStatusMessage{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		var err error
		switch num {
		case 1:
			s.Key, err = unmarshalMessageKey(v)
		case 2:
			s.Message, err = Unmarshal(v)
		}
		return err
	}, func(num protowire.Number, v uint64) error {
		if num == 3 {
			s.Timestamp = int64(v)
		}
		return nil
	})
	return s, err
}

// MarshalHistorySync encodes a HistorySync to its protobuf wire representation.
func MarshalHistorySync(hs *HistorySync) []byte {
	if hs == nil {
		return nil
	}
	var b []byte
	b = appendVarint(b, 1, hs.SyncType)
	for _, c := range hs.Conversations {
		b = appendMessage(b, 2, marshalConversation(c))
	}
	for _, s := range hs.StatusV3Messages {
		b = appendMessage(b, 3, marshalHistorySyncStatus(s))
	}
	for _, p := range hs.Pushnames {
		b = appendMessage(b, 4, marshalPushname(p))
	}
	b = appendVarint(b, 5, uint64(hs.Progress))
	return b
}

// UnmarshalHistorySync decodes a HistorySync from its protobuf wire
// representation: the caller is responsible for zlib-inflating the blob a
// HistorySyncNotification references first.
func UnmarshalHistorySync(data []byte) (*HistorySync, error) {
	hs := &HistorySync{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		var err error
		switch num {
		case 2:
			var c *Conversation
			c, err = unmarshalConversation(v)
			hs.Conversations = append(hs.Conversations, c)
		case 3:
			var s *HistorySyncStatusMessage
			s, err = unmarshalHistorySyncStatus(v)
			hs.StatusV3Messages = append(hs.StatusV3Messages, s)
		case 4:
			var p *Pushname
			p, err = unmarshalPushname(v)
			hs.Pushnames = append(hs.Pushnames, p)
		}
		return err
	}, func(num protowire.Number, v uint64) error {
		switch num {
		case 1:
			hs.SyncType = v
		case 5:
			hs.Progress = uint32(v)
		}
		return nil
	})
	return hs, err
}
