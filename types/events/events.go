// Package events holds the callback payloads the messaging core delivers to
// its host application: decoded messages, receipts, history sync batches,
// and the assorted signals that fall out of protocol message processing.
package events

import (
	"time"

	"wacore/types"
	"wacore/waproto"
)

// Message is delivered once a stanza's <enc> has been decrypted and its
// plaintext parsed into a waproto.Message.
type Message struct {
	Info    types.MessageInfo
	Message *waproto.Message

	// RetryCount is non-zero when this delivery followed a retry receipt
	// exchange with the sender.
	RetryCount int
}

// UndecryptableMessage is delivered when an <enc> node fails to decrypt; the
// sibling <enc> nodes of the same stanza are unaffected.
type UndecryptableMessage struct {
	Info        types.MessageInfo
	IsUnavailable bool
	Err         error
}

// Receipt mirrors an inbound <receipt> stanza.
type Receipt struct {
	MessageSource types.MessageSource
	MessageIDs    []types.MessageID
	Timestamp     time.Time
	Type          ReceiptType
}

type ReceiptType string

const (
	ReceiptTypeDelivered ReceiptType = ""
	ReceiptTypeRead      ReceiptType = "read"
	ReceiptTypeRetry     ReceiptType = "retry"
	ReceiptTypeSender    ReceiptType = "sender"
)

type HistorySyncType int

const (
	HistorySyncInitialBootstrap HistorySyncType = iota
	HistorySyncFull
	HistorySyncInitialStatusV3
	HistorySyncRecent
	HistorySyncPushName
)

// HistorySyncChats is delivered once an INITIAL_BOOTSTRAP history sync batch
// has been added to the store and the history cache (FULL batches are added
// the same way but not delivered); HasSnapshot reports that the batch marked
// the local snapshot complete, which every delivered batch does.
type HistorySyncChats struct {
	Conversations []*waproto.Conversation
	HasSnapshot   bool
}

// HistorySyncStatuses is delivered once an INITIAL_STATUS_V3 history sync
// batch has been added to the store.
type HistorySyncStatuses struct {
	Statuses []*waproto.HistorySyncStatusMessage
}

// ContactAction is one contact's chosen display name, as carried by a
// PUSH_NAME history sync batch.
type ContactAction struct {
	JID      types.JID
	PushName string
}

// HistorySyncContacts is delivered once a PUSH_NAME history sync batch has
// been applied.
type HistorySyncContacts struct {
	Contacts []ContactAction
}

// IdentityChange fires when a peer's identity key no longer matches the one
// pinned in the store, either blocking the send/receive or (after automatic
// recovery) confirming the session was rebuilt.
type IdentityChange struct {
	JID       types.JID
	Timestamp time.Time
	Implicit  bool // true if recovered automatically rather than user-trusted
}

// AppStateSyncKeyShare fires when a ProtocolMessage delivers new app-state
// encryption keys.
type AppStateSyncKeyShare struct {
	Keys [][]byte
}

// MessageRevoke fires when a ProtocolMessage of type Revoke references a
// prior message.
type MessageRevoke struct {
	MessageSource types.MessageSource
	RevokedID     types.MessageID
}

// MessageEdit fires when a ProtocolMessage of type MessageEdit carries a
// replacement body for a prior message.
type MessageEdit struct {
	MessageSource types.MessageSource
	EditedID      types.MessageID
	NewMessage    *waproto.Message
}

// EphemeralSetting fires when a ProtocolMessage changes a chat's
// disappearing-messages timer.
type EphemeralSetting struct {
	Chat      types.JID
	Timestamp time.Time
	Expiration time.Duration
}
