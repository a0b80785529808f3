package types

import (
	"time"

	"wacore/waproto"
)

// MessageID is the stanza id of one logical message.
type MessageID = string

// MessageSource identifies where a message came from or is going to.
type MessageSource struct {
	Chat     JID // the chat the message belongs to (group, status, or 1:1 peer)
	Sender   JID // the device that actually sent it
	IsFromMe bool
	IsGroup  bool

	// BroadcastListOwner is set for broadcast-list messages, where Chat is the
	// broadcast list JID but the actual recipient is this JID.
	BroadcastListOwner JID
}

func (ms MessageSource) SourceString() string {
	if ms.IsGroup {
		return ms.Sender.String() + " in " + ms.Chat.String()
	}
	return ms.Sender.String()
}

// MessageKey is the addressable identity of one logical message: which chat,
// which sender, whether it's ours, and its stanza id.
type MessageKey struct {
	ID       MessageID
	ChatJID  JID
	SenderJID JID
	FromMe   bool
}

// DeviceSentMeta records the unwrapped envelope of a DeviceSentMessage: the
// wrapper own-devices receive so they can mirror messages sent from another
// of the user's devices.
type DeviceSentMeta struct {
	DestinationJID string
	Phash          string
}

// MessageInfo is the logical message envelope: who sent it, to which chat,
// when, and (once decoded) what it contains.
type MessageInfo struct {
	MessageSource
	ID             MessageID
	PushName       string
	Timestamp      time.Time
	Category       string
	DeviceSentMeta *DeviceSentMeta
	Message        *waproto.Message
}

func (mi MessageInfo) Key() MessageKey {
	return MessageKey{ID: mi.ID, ChatJID: mi.Chat, SenderJID: mi.Sender, FromMe: mi.IsFromMe}
}
