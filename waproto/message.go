package waproto

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolMessageType mirrors the handful of ProtocolMessage.Type values the
// messaging core reacts to.
type ProtocolMessageType int32

const (
	ProtocolMessageRevoke                    ProtocolMessageType = 0
	ProtocolMessageHistorySyncNotification   ProtocolMessageType = 2
	ProtocolMessageAppStateSyncKeyShare      ProtocolMessageType = 5
	ProtocolMessageEphemeralSetting          ProtocolMessageType = 3
	ProtocolMessageMessageEdit               ProtocolMessageType = 14
)

// MessageKeyProto is the wire form of a MessageKey (types.MessageKey carries
// the resolved JIDs; this carries just enough to look one up).
type MessageKeyProto struct {
	ID        string
	ChatJID   string
	FromMe    bool
	SenderJID string
}

func (k *MessageKeyProto) marshal() []byte {
	if k == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, k.ChatJID)
	b = appendBool(b, 2, k.FromMe)
	b = appendString(b, 3, k.ID)
	b = appendString(b, 4, k.SenderJID)
	return b
}

func unmarshalMessageKey(data []byte) (*MessageKeyProto, error) {
	k := &MessageKeyProto{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			k.ChatJID = string(v)
		case 3:
			k.ID = string(v)
		case 4:
			k.SenderJID = string(v)
		}
		return nil
	}, func(num protowire.Number, v uint64) error {
		if num == 2 {
			k.FromMe = v != 0
		}
		return nil
	})
	return k, err
}

// HistorySyncNotification references a blob of sync'd conversations/statuses.
type HistorySyncNotification struct {
	DirectPath string
	MediaKey   []byte
	FileLength uint64
	FileSHA256 []byte
	SyncType   uint64
}

// AppStateSyncKeyShare carries newly issued app-state encryption keys.
type AppStateSyncKeyShare struct {
	KeyIDs [][]byte
}

// ExtendedTextMessage is a text message carrying quote metadata (the quoted
// message id) beyond a bare Conversation string.
type ExtendedTextMessage struct {
	Text      string
	QuotedID  string
}

// ProtocolMessage carries out-of-band protocol events: revocations, history
// sync notifications, app-state key distribution, and ephemeral settings.
type ProtocolMessage struct {
	Key                       *MessageKeyProto
	Type                      ProtocolMessageType
	HistorySyncNotification   *HistorySyncNotification
	AppStateSyncKeyShare      *AppStateSyncKeyShare
	EphemeralExpirationSecs   uint32
	EphemeralSettingTimestamp int64
	EditedMessage             *Message
}

// SenderKeyDistributionMessage wraps the opaque distribution blob produced by
// the group cipher so it can ride inside an ordinary encrypted message.
type SenderKeyDistributionMessage struct {
	GroupID                              string
	AxolotlSenderKeyDistributionMessage []byte
}

// DeviceSentMessage is the wrapper a sender's own other devices receive so
// they can mirror an outgoing message.
type DeviceSentMessage struct {
	DestinationJID string
	Message        *Message
	Phash          string
}

// ReactionMessage attaches an emoji reaction to a prior message.
type ReactionMessage struct {
	Key               *MessageKeyProto
	Text              string
	SenderTimestampMS int64
}

// MediaMessage is the shared shape of the image/video/audio/document/sticker
// variants: enough to identify and fetch the blob, not a full media pipeline.
type MediaMessage struct {
	URL      string
	MimeType string
	Caption  string
	MediaKey []byte
}

// ContactMessage shares one vCard.
type ContactMessage struct {
	DisplayName string
	VCard       string
}

// LocationMessage shares a point with an optional place name.
type LocationMessage struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// GroupInviteMessage carries an invite link into a group.
type GroupInviteMessage struct {
	GroupJID   string
	InviteCode string
	Caption    string
}

// PollCreationMessage starts a poll.
type PollCreationMessage struct {
	Name    string
	Options []string
}

// otherVariant is the set of message kinds this core does not give bespoke
// field structure to (list/buttons/template/payment/poll-update/live-location/
// group-invite-v4/order/product/call-log/sticker-sync/...): they still occupy
// a named slot in the single-populated-variant invariant, carried as an
// opaque payload.
const (
	VariantListMessage           = "listMessage"
	VariantButtonsMessage        = "buttonsMessage"
	VariantButtonsResponseMessage = "buttonsResponseMessage"
	VariantTemplateMessage       = "templateMessage"
	VariantTemplateButtonReply   = "templateButtonReplyMessage"
	VariantPaymentOrder          = "orderMessage"
	VariantPaymentInvoice        = "invoiceMessage"
	VariantPollUpdateMessage     = "pollUpdateMessage"
	VariantLiveLocationMessage   = "liveLocationMessage"
	VariantGroupInviteV4         = "groupInviteMessageV4"
	VariantProductMessage        = "productMessage"
	VariantCallLogMessage        = "callLogMesssage"
	VariantStickerSyncMessage    = "stickerSyncRmrMessage"
	VariantScheduledCallEdit     = "scheduledCallEditMessage"
	VariantEventMessage          = "eventMessage"
	VariantEncReactionMessage    = "encReactionMessage"
	VariantKeepInChatMessage     = "keepInChatMessage"
	VariantRequestPhoneNumber    = "requestPhoneNumberMessage"
	VariantInteractiveMessage    = "interactiveMessage"
)

// Message is the tagged union over every logical WhatsApp message kind: at
// most one of its fields (concrete or in Other) is populated. Content()
// returns whichever one that is, unboxing view-once/ephemeral wrappers.
type Message struct {
	Conversation                 string
	ExtendedTextMessage          *ExtendedTextMessage
	ProtocolMessage              *ProtocolMessage
	SenderKeyDistributionMessage *SenderKeyDistributionMessage
	DeviceSentMessage            *DeviceSentMessage
	EphemeralMessage             *Message
	ViewOnceMessage              *Message
	ReactionMessage              *ReactionMessage
	ImageMessage                 *MediaMessage
	VideoMessage                 *MediaMessage
	AudioMessage                 *MediaMessage
	DocumentMessage              *MediaMessage
	StickerMessage               *MediaMessage
	ContactMessage               *ContactMessage
	LocationMessage              *LocationMessage
	GroupInviteMessage           *GroupInviteMessage
	PollCreationMessage          *PollCreationMessage

	// Other carries the remaining named-but-opaque variants (see the
	// Variant* constants), keyed by variant name, raw-payload only.
	Other map[string][]byte
}

// Content returns the single populated variant (never nil: an entirely empty
// Message yields itself), unboxing view-once/ephemeral wrappers to their
// inner content the way the spec's invariant 6 requires.
func (m *Message) Content() *Message {
	if m == nil {
		return &Message{}
	}
	if m.ViewOnceMessage != nil {
		return m.ViewOnceMessage.Content()
	}
	if m.EphemeralMessage != nil {
		return m.EphemeralMessage.Content()
	}
	return m
}

// IsEmpty reports whether no variant is populated.
func (m *Message) IsEmpty() bool {
	c := m.Content()
	return c.Conversation == "" && c.ExtendedTextMessage == nil && c.ProtocolMessage == nil &&
		c.SenderKeyDistributionMessage == nil && c.DeviceSentMessage == nil && c.ReactionMessage == nil &&
		c.ImageMessage == nil && c.VideoMessage == nil && c.AudioMessage == nil && c.DocumentMessage == nil &&
		c.StickerMessage == nil && c.ContactMessage == nil && c.LocationMessage == nil &&
		c.GroupInviteMessage == nil && c.PollCreationMessage == nil && len(c.Other) == 0
}

const (
	fieldConversation = protowire.Number(1)
	fieldExtendedText = protowire.Number(2)
	fieldProtocol     = protowire.Number(3)
	fieldSKDM         = protowire.Number(4)
	fieldDSM          = protowire.Number(5)
	fieldEphemeral    = protowire.Number(6)
	fieldViewOnce     = protowire.Number(7)
	fieldReaction     = protowire.Number(8)
	fieldImage        = protowire.Number(9)
	fieldVideo        = protowire.Number(10)
	fieldAudio        = protowire.Number(11)
	fieldDocument     = protowire.Number(12)
	fieldSticker      = protowire.Number(13)
	fieldContact      = protowire.Number(14)
	fieldLocation     = protowire.Number(15)
	fieldGroupInvite  = protowire.Number(16)
	fieldPollCreation = protowire.Number(17)
	fieldOtherBase    = protowire.Number(1000) // Other entries: 1000+index into a name table
)

var otherVariantNames = []string{
	VariantListMessage, VariantButtonsMessage, VariantButtonsResponseMessage,
	VariantTemplateMessage, VariantTemplateButtonReply, VariantPaymentOrder,
	VariantPaymentInvoice, VariantPollUpdateMessage, VariantLiveLocationMessage,
	VariantGroupInviteV4, VariantProductMessage, VariantCallLogMessage,
	VariantStickerSyncMessage, VariantScheduledCallEdit, VariantEventMessage,
	VariantEncReactionMessage, VariantKeepInChatMessage, VariantRequestPhoneNumber,
	VariantInteractiveMessage,
}

func marshalMedia(m *MediaMessage) []byte {
	if m == nil {
		return nil
	}
	var b []byte
	b = appendString(b, 1, m.URL)
	b = appendString(b, 2, m.MimeType)
	b = appendString(b, 3, m.Caption)
	b = appendBytes(b, 4, m.MediaKey)
	return b
}

func unmarshalMedia(data []byte) (*MediaMessage, error) {
	m := &MediaMessage{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			m.URL = string(v)
		case 2:
			m.MimeType = string(v)
		case 3:
			m.Caption = string(v)
		case 4:
			m.MediaKey = append([]byte(nil), v...)
		}
		return nil
	}, nil)
	return m, err
}

func marshalProtocolMessage(p *ProtocolMessage) []byte {
	if p == nil {
		return nil
	}
	var b []byte
	b = appendMessage(b, 1, p.Key.marshal())
	b = appendVarint(b, 2, uint64(p.Type))
	if p.HistorySyncNotification != nil {
		var hb []byte
		hb = appendString(hb, 1, p.HistorySyncNotification.DirectPath)
		hb = appendBytes(hb, 2, p.HistorySyncNotification.MediaKey)
		hb = appendVarint(hb, 3, p.HistorySyncNotification.FileLength)
		hb = appendBytes(hb, 4, p.HistorySyncNotification.FileSHA256)
		hb = appendVarint(hb, 5, p.HistorySyncNotification.SyncType)
		b = appendMessage(b, 3, hb)
	}
	if p.AppStateSyncKeyShare != nil {
		var ab []byte
		for _, id := range p.AppStateSyncKeyShare.KeyIDs {
			ab = appendBytes(ab, 1, id)
		}
		b = appendMessage(b, 4, ab)
	}
	b = appendVarint(b, 5, uint64(p.EphemeralExpirationSecs))
	if p.EphemeralSettingTimestamp != 0 {
		b = appendVarint(b, 6, uint64(p.EphemeralSettingTimestamp))
	}
	if p.EditedMessage != nil {
		b = appendMessage(b, 7, Marshal(p.EditedMessage))
	}
	return b
}

func unmarshalProtocolMessage(data []byte) (*ProtocolMessage, error) {
	p := &ProtocolMessage{}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		var err error
		switch num {
		case 1:
			p.Key, err = unmarshalMessageKey(v)
		case 3:
			hn := &HistorySyncNotification{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				switch n {
				case 1:
					hn.DirectPath = string(v2)
				case 2:
					hn.MediaKey = append([]byte(nil), v2...)
				case 4:
					hn.FileSHA256 = append([]byte(nil), v2...)
				}
				return nil
			}, func(n protowire.Number, v2 uint64) error {
				switch n {
				case 3:
					hn.FileLength = v2
				case 5:
					hn.SyncType = v2
				}
				return nil
			})
			p.HistorySyncNotification = hn
		case 4:
			if p.AppStateSyncKeyShare == nil {
				p.AppStateSyncKeyShare = &AppStateSyncKeyShare{}
			}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				if n == 1 {
					p.AppStateSyncKeyShare.KeyIDs = append(p.AppStateSyncKeyShare.KeyIDs, append([]byte(nil), v2...))
				}
				return nil
			}, nil)
		case 7:
			p.EditedMessage, err = Unmarshal(v)
		}
		return err
	}, func(num protowire.Number, v uint64) error {
		switch num {
		case 2:
			p.Type = ProtocolMessageType(v)
		case 5:
			p.EphemeralExpirationSecs = uint32(v)
		case 6:
			p.EphemeralSettingTimestamp = int64(v)
		}
		return nil
	})
	return p, err
}

// Marshal encodes a Message to its protobuf wire representation.
func Marshal(m *Message) []byte {
	if m == nil {
		return nil
	}
	var b []byte
	b = appendString(b, fieldConversation, m.Conversation)
	if m.ExtendedTextMessage != nil {
		var eb []byte
		eb = appendString(eb, 1, m.ExtendedTextMessage.Text)
		eb = appendString(eb, 2, m.ExtendedTextMessage.QuotedID)
		b = appendMessage(b, fieldExtendedText, eb)
	}
	b = appendMessage(b, fieldProtocol, marshalProtocolMessage(m.ProtocolMessage))
	if m.SenderKeyDistributionMessage != nil {
		var sb []byte
		sb = appendString(sb, 1, m.SenderKeyDistributionMessage.GroupID)
		sb = appendBytes(sb, 2, m.SenderKeyDistributionMessage.AxolotlSenderKeyDistributionMessage)
		b = appendMessage(b, fieldSKDM, sb)
	}
	if m.DeviceSentMessage != nil {
		var db []byte
		db = appendString(db, 1, m.DeviceSentMessage.DestinationJID)
		db = appendMessage(db, 2, Marshal(m.DeviceSentMessage.Message))
		db = appendString(db, 3, m.DeviceSentMessage.Phash)
		b = appendMessage(b, fieldDSM, db)
	}
	b = appendMessage(b, fieldEphemeral, Marshal(m.EphemeralMessage))
	b = appendMessage(b, fieldViewOnce, Marshal(m.ViewOnceMessage))
	if m.ReactionMessage != nil {
		var rb []byte
		rb = appendMessage(rb, 1, m.ReactionMessage.Key.marshal())
		rb = appendString(rb, 2, m.ReactionMessage.Text)
		rb = appendVarint(rb, 3, uint64(m.ReactionMessage.SenderTimestampMS))
		b = appendMessage(b, fieldReaction, rb)
	}
	b = appendMessage(b, fieldImage, marshalMedia(m.ImageMessage))
	b = appendMessage(b, fieldVideo, marshalMedia(m.VideoMessage))
	b = appendMessage(b, fieldAudio, marshalMedia(m.AudioMessage))
	b = appendMessage(b, fieldDocument, marshalMedia(m.DocumentMessage))
	b = appendMessage(b, fieldSticker, marshalMedia(m.StickerMessage))
	if m.ContactMessage != nil {
		var cb []byte
		cb = appendString(cb, 1, m.ContactMessage.DisplayName)
		cb = appendString(cb, 2, m.ContactMessage.VCard)
		b = appendMessage(b, fieldContact, cb)
	}
	if m.LocationMessage != nil {
		var lb []byte
		lb = protowire.AppendTag(lb, 1, protowire.Fixed64Type)
		lb = protowire.AppendFixed64(lb, math.Float64bits(m.LocationMessage.Latitude))
		lb = protowire.AppendTag(lb, 2, protowire.Fixed64Type)
		lb = protowire.AppendFixed64(lb, math.Float64bits(m.LocationMessage.Longitude))
		lb = appendString(lb, 3, m.LocationMessage.Name)
		b = appendMessage(b, fieldLocation, lb)
	}
	if m.GroupInviteMessage != nil {
		var gb []byte
		gb = appendString(gb, 1, m.GroupInviteMessage.GroupJID)
		gb = appendString(gb, 2, m.GroupInviteMessage.InviteCode)
		gb = appendString(gb, 3, m.GroupInviteMessage.Caption)
		b = appendMessage(b, fieldGroupInvite, gb)
	}
	if m.PollCreationMessage != nil {
		var pb []byte
		pb = appendString(pb, 1, m.PollCreationMessage.Name)
		for _, opt := range m.PollCreationMessage.Options {
			pb = appendString(pb, 2, opt)
		}
		b = appendMessage(b, fieldPollCreation, pb)
	}
	for i, name := range otherVariantNames {
		if payload, ok := m.Other[name]; ok {
			b = appendBytes(b, fieldOtherBase+protowire.Number(i), payload)
		}
	}
	return b
}

// Unmarshal decodes a Message from its protobuf wire representation.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	otherByIndex := map[int]string{}
	for i, name := range otherVariantNames {
		otherByIndex[i] = name
	}
	err := consumeFields(data, func(num protowire.Number, v []byte) error {
		var err error
		switch {
		case num == fieldExtendedText:
			e := &ExtendedTextMessage{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				switch n {
				case 1:
					e.Text = string(v2)
				case 2:
					e.QuotedID = string(v2)
				}
				return nil
			}, nil)
			m.ExtendedTextMessage = e
		case num == fieldProtocol:
			m.ProtocolMessage, err = unmarshalProtocolMessage(v)
		case num == fieldSKDM:
			s := &SenderKeyDistributionMessage{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				switch n {
				case 1:
					s.GroupID = string(v2)
				case 2:
					s.AxolotlSenderKeyDistributionMessage = append([]byte(nil), v2...)
				}
				return nil
			}, nil)
			m.SenderKeyDistributionMessage = s
		case num == fieldDSM:
			d := &DeviceSentMessage{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				var e2 error
				switch n {
				case 1:
					d.DestinationJID = string(v2)
				case 2:
					d.Message, e2 = Unmarshal(v2)
				case 3:
					d.Phash = string(v2)
				}
				return e2
			}, nil)
			m.DeviceSentMessage = d
		case num == fieldEphemeral:
			m.EphemeralMessage, err = Unmarshal(v)
		case num == fieldViewOnce:
			m.ViewOnceMessage, err = Unmarshal(v)
		case num == fieldReaction:
			r := &ReactionMessage{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				var e2 error
				switch n {
				case 1:
					r.Key, e2 = unmarshalMessageKey(v2)
				case 2:
					r.Text = string(v2)
				}
				return e2
			}, func(n protowire.Number, v2 uint64) error {
				if n == 3 {
					r.SenderTimestampMS = int64(v2)
				}
				return nil
			})
			m.ReactionMessage = r
		case num == fieldImage:
			m.ImageMessage, err = unmarshalMedia(v)
		case num == fieldVideo:
			m.VideoMessage, err = unmarshalMedia(v)
		case num == fieldAudio:
			m.AudioMessage, err = unmarshalMedia(v)
		case num == fieldDocument:
			m.DocumentMessage, err = unmarshalMedia(v)
		case num == fieldSticker:
			m.StickerMessage, err = unmarshalMedia(v)
		case num == fieldContact:
			c := &ContactMessage{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				switch n {
				case 1:
					c.DisplayName = string(v2)
				case 2:
					c.VCard = string(v2)
				}
				return nil
			}, nil)
			m.ContactMessage = c
		case num == fieldLocation:
			l := &LocationMessage{}
			_ = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				if n == 3 {
					l.Name = string(v2)
				}
				return nil
			}, nil)
			// fixed64 lat/long are consumed separately below since consumeFields
			// only special-cases bytes/varint; walk raw for the two fixed64 fields.
			rest := v
			for len(rest) > 0 {
				num2, typ2, n2 := protowire.ConsumeTag(rest)
				if n2 < 0 {
					break
				}
				rest = rest[n2:]
				if typ2 == protowire.Fixed64Type {
					val, n3 := protowire.ConsumeFixed64(rest)
					if n3 < 0 {
						break
					}
					rest = rest[n3:]
					switch num2 {
					case 1:
						l.Latitude = math.Float64frombits(val)
					case 2:
						l.Longitude = math.Float64frombits(val)
					}
				} else {
					n3 := protowire.ConsumeFieldValue(num2, typ2, rest)
					if n3 < 0 {
						break
					}
					rest = rest[n3:]
				}
			}
			m.LocationMessage = l
		case num == fieldGroupInvite:
			g := &GroupInviteMessage{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				switch n {
				case 1:
					g.GroupJID = string(v2)
				case 2:
					g.InviteCode = string(v2)
				case 3:
					g.Caption = string(v2)
				}
				return nil
			}, nil)
			m.GroupInviteMessage = g
		case num == fieldPollCreation:
			p := &PollCreationMessage{}
			err = consumeFields(v, func(n protowire.Number, v2 []byte) error {
				switch n {
				case 1:
					p.Name = string(v2)
				case 2:
					p.Options = append(p.Options, string(v2))
				}
				return nil
			}, nil)
			m.PollCreationMessage = p
		case num >= fieldOtherBase:
			idx := int(num - fieldOtherBase)
			if name, ok := otherByIndex[idx]; ok {
				if m.Other == nil {
					m.Other = map[string][]byte{}
				}
				m.Other[name] = append([]byte(nil), v...)
			}
		}
		return err
	}, nil)
	return m, err
}
