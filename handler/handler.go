// Package handler orchestrates the encode and decode paths of the
// messaging core: device fan-out, per-device session/group encryption,
// stanza assembly, protocol-message side effects, and the single-writer
// lock that serializes every mutation of session/sender-key state.
package handler

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/libsignal/keys/prekey"

	"wacore/binary"
	"wacore/devicecache"
	"wacore/group"
	"wacore/groupmeta"
	"wacore/historycache"
	"wacore/idgen"
	"wacore/session"
	"wacore/store"
	"wacore/types"
	"wacore/types/events"
	"wacore/waerror"
	"wacore/waproto"
)

// QuerySender is the subset of the transport/IQ layer the handler depends
// on: fire-and-forget stanza send, and a request/response IQ round-trip.
// Matching responses to requests and the wire framing underneath are a
// non-goal of this subsystem; callers provide a concrete implementation
// (e.g. one built on transport.Socket).
type QuerySender interface {
	SendNode(ctx context.Context, node binary.Node) error
	SendIQ(ctx context.Context, node binary.Node) (binary.Node, error)
}

// PreKeyFetcher resolves prekey bundles for devices that don't have a
// session yet, via an "encrypt"-namespaced IQ in the real protocol.
type PreKeyFetcher interface {
	FetchPreKeyBundles(ctx context.Context, devices []types.JID) (map[types.JID]*PreKeyBundleResult, error)
}

// PreKeyBundleResult is one device's fetched bundle, or the fetch error.
type PreKeyBundleResult struct {
	Bundle *prekey.Bundle
	Err    error
}

// DeviceResolver discovers every device for a set of users, beyond what the
// cache already knows, via a USync query.
type DeviceResolver interface {
	ResolveDevices(ctx context.Context, users []types.JID) (map[string][]types.JID, error)
}

// GroupMetadataFetcher resolves a group's participant list when the
// groupmeta cache misses.
type GroupMetadataFetcher interface {
	FetchGroupMetadata(ctx context.Context, chatJID types.JID) (groupmeta.Metadata, error)
}

// HistorySyncFetcher resolves the zlib-compressed blob a
// HistorySyncNotification references (spec §4.7). The CDN download and
// media-key decryption underneath the DirectPath it's handed is a non-goal
// of this core (media download is out of scope alongside pairing and
// transport framing); only the fetched bytes matter to dispatchHistorySync.
type HistorySyncFetcher interface {
	FetchHistorySyncBlob(ctx context.Context, notif *waproto.HistorySyncNotification) ([]byte, error)
}

// Callbacks is the upward-facing event surface (spec §6).
type Callbacks struct {
	OnNewMessage         func(*events.Message)
	OnChatRecentMessages func(chat types.JID, fromHistoryCache bool)
	OnMessageDeleted     func(*events.MessageRevoke)
	OnMessageEdit        func(*events.MessageEdit)
	OnEphemeralSetting   func(*events.EphemeralSetting)
	OnUndecryptable      func(*events.UndecryptableMessage)
	OnIdentityChange     func(*events.IdentityChange)
	OnAppStateSyncKeyShare func(*events.AppStateSyncKeyShare)
	OnChats              func(*events.HistorySyncChats)
	OnStatus             func(*events.HistorySyncStatuses)
	OnContacts           func(*events.HistorySyncContacts)
	OnError              func(op string, err error)
}

func (c Callbacks) reportError(op string, err error) {
	if c.OnError != nil {
		c.OnError(op, err)
	}
}

// Config holds the per-device identity and feature toggles the handler
// needs (mirrors the teacher's Client.SynchronousAck toggle).
type Config struct {
	OwnJID             types.JID
	SendReceipts       bool
	RecentMessagesSize int

	// InitializationTimestamp is the point this session came up; only
	// messages newer than it move the unread counter (spec §4.6 step 7),
	// so a history backfill replaying old traffic doesn't re-mark it unread.
	InitializationTimestamp time.Time
	// UnarchiveChats clears a chat's archived flag on a qualifying new
	// message, the way the real app's "unarchive chats" setting does.
	UnarchiveChats bool
}

const recentMessagesSizeDefault = 256
const maxRetryReceipts = 5

type recentMessageKey struct {
	To types.JID
	ID types.MessageID
}

// Handler is the Message Handler component (spec §4.5-§4.8): it owns the
// single-writer lock and the machinery built on top of session/group/caches.
type Handler struct {
	cfg Config
	log zerolog.Logger

	store    *store.Store
	sessions *session.Manager
	groups   *group.Manager

	devices *devicecache.Cache
	groupMD *groupmeta.Cache
	history *historycache.Cache

	socket       QuerySender
	preKeys      PreKeyFetcher
	devResolve   DeviceResolver
	groupFetch   GroupMetadataFetcher
	historyFetch HistorySyncFetcher

	callbacks Callbacks

	// writeLock is the one-permit semaphore serializing every mutation of
	// session/sender-key state, held across each encode and each decrypt.
	writeLock sync.Mutex

	recentMu          sync.Mutex
	recentMessages    map[recentMessageKey]*waproto.Message
	recentMessageList []recentMessageKey
	recentMessagePtr  int

	retryCounterMu sync.Mutex
	retryCounter   map[recentMessageKey]int

	snapshotMu  sync.Mutex
	hasSnapshot bool
}

func New(cfg Config, st *store.Store, sessions *session.Manager, groups *group.Manager, socket QuerySender, preKeys PreKeyFetcher, devResolve DeviceResolver, groupFetch GroupMetadataFetcher, historyFetch HistorySyncFetcher, callbacks Callbacks, log zerolog.Logger) *Handler {
	size := cfg.RecentMessagesSize
	if size <= 0 {
		size = recentMessagesSizeDefault
	}
	h := &Handler{
		cfg:               cfg,
		log:               log.With().Str("component", "handler").Logger(),
		store:              st,
		sessions:           sessions,
		groups:             groups,
		devices:            devicecache.New(),
		groupMD:            groupmeta.New(),
		socket:             socket,
		preKeys:            preKeys,
		devResolve:         devResolve,
		groupFetch:         groupFetch,
		historyFetch:       historyFetch,
		callbacks:          callbacks,
		recentMessages:     map[recentMessageKey]*waproto.Message{},
		recentMessageList:  make([]recentMessageKey, size),
		retryCounter:       map[recentMessageKey]int{},
	}
	h.history = historycache.New(h.onHistoryExpire)
	return h
}

// onHistoryExpire fires once a chat's RECENT history-sync batch has gone
// quiet for a full TTL without a re-touch: the batch is complete.
func (h *Handler) onHistoryExpire(chat types.JID) {
	if h.callbacks.OnChatRecentMessages != nil {
		h.callbacks.OnChatRecentMessages(chat, true)
	}
}

func (h *Handler) addRecentMessage(to types.JID, id types.MessageID, msg *waproto.Message) {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()
	key := recentMessageKey{To: to, ID: id}
	old := h.recentMessageList[h.recentMessagePtr]
	if old.ID != "" {
		delete(h.recentMessages, old)
	}
	h.recentMessages[key] = msg
	h.recentMessageList[h.recentMessagePtr] = key
	h.recentMessagePtr = (h.recentMessagePtr + 1) % len(h.recentMessageList)
}

func (h *Handler) getRecentMessage(to types.JID, id types.MessageID) *waproto.Message {
	h.recentMu.Lock()
	defer h.recentMu.Unlock()
	return h.recentMessages[recentMessageKey{To: to, ID: id}]
}

// ---- Encode path (spec §4.5) ----

// Encode serializes msg to chatJID, fanning out to every participant device
// (resolving them and establishing sessions as needed), assembling the
// outer <message> node, and sending it. The single-writer lock is held from
// the first session mutation through the final send, released on every exit
// path per invariant 3.
func (h *Handler) Encode(ctx context.Context, chatJID types.JID, id types.MessageID, msg *waproto.Message, extraAttrs binary.Attrs) error {
	if id == "" {
		id = idgen.MessageID()
	}

	h.writeLock.Lock()
	defer h.writeLock.Unlock()

	var node binary.Node
	var err error
	if chatJID.Server == types.GroupServer || chatJID.Server == types.BroadcastServer {
		node, err = h.encodeGroup(ctx, chatJID, id, msg)
	} else {
		node, err = h.encodeConversation(ctx, chatJID, id, msg)
	}
	if err != nil {
		h.callbacks.reportError("handler.Encode", err)
		return err
	}

	for k, v := range extraAttrs {
		if node.Attrs == nil {
			node.Attrs = binary.Attrs{}
		}
		node.Attrs[k] = v
	}

	if err := h.socket.SendNode(ctx, node); err != nil {
		wrapped := waerror.New(waerror.KindTransport, "handler.Encode", err)
		h.callbacks.reportError("handler.Encode", wrapped)
		return wrapped
	}

	h.addRecentMessage(chatJID, id, msg)
	return nil
}

func (h *Handler) encodeConversation(ctx context.Context, chatJID types.JID, id types.MessageID, msg *waproto.Message) (binary.Node, error) {
	plaintext := waproto.Marshal(msg)
	dsmPlaintext := waproto.Marshal(&waproto.Message{DeviceSentMessage: &waproto.DeviceSentMessage{
		DestinationJID: chatJID.String(),
		Message:        msg,
	}})

	devices, err := h.resolveDevices(ctx, []types.JID{h.cfg.OwnJID, chatJID}, true)
	if err != nil {
		return binary.Node{}, err
	}

	participantNodes, includeIdentity, err := h.encryptForDevices(ctx, devices, plaintext, dsmPlaintext)
	if err != nil {
		return binary.Node{}, err
	}

	node := binary.Node{
		Tag: "message",
		Attrs: binary.Attrs{
			"id":   id,
			"type": "text",
			"to":   chatJID.String(),
		},
		Content: []binary.Node{{Tag: "participants", Content: participantNodes}},
	}
	if includeIdentity {
		node.Content = append(node.GetChildren(), binary.Node{Tag: "device-identity"})
	}
	return node, nil
}

func (h *Handler) encodeGroup(ctx context.Context, chatJID types.JID, id types.MessageID, msg *waproto.Message) (binary.Node, error) {
	meta, err := h.resolveGroupMetadata(ctx, chatJID)
	if err != nil {
		return binary.Node{}, err
	}

	// The sender key has to exist before the first group encryption, so the
	// distribution message is created first, on every send.
	skdm, err := h.groups.CreateOutgoing(chatJID, h.cfg.OwnJID)
	if err != nil {
		return binary.Node{}, err
	}

	ciphertext, err := h.groups.Encrypt(chatJID, h.cfg.OwnJID, waproto.Marshal(msg))
	if err != nil {
		return binary.Node{}, err
	}

	devices, err := h.resolveDevices(ctx, meta.Participants, false)
	if err != nil {
		return binary.Node{}, err
	}

	// Idempotent distribution (spec §8): only devices that haven't already
	// received this chat's SenderKeyDistributionMessage need it re-sent.
	missingParticipants := h.store.Chats.MissingParticipants(chatJID, devices)

	var participantNodes []binary.Node
	includeIdentity := false
	if len(missingParticipants) > 0 {
		skdmPlaintext := waproto.Marshal(&waproto.Message{SenderKeyDistributionMessage: &waproto.SenderKeyDistributionMessage{
			GroupID:                              chatJID.String(),
			AxolotlSenderKeyDistributionMessage: skdm,
		}})
		var idErr error
		participantNodes, includeIdentity, idErr = h.encryptForDevices(ctx, missingParticipants, skdmPlaintext, nil)
		if idErr != nil {
			return binary.Node{}, idErr
		}
		h.store.Chats.MarkParticipantPreKeysSent(chatJID, missingParticipants)
	}

	node := binary.Node{
		Tag: "message",
		Attrs: binary.Attrs{
			"id":   id,
			"type": "text",
			"to":   chatJID.String(),
		},
		Content: []binary.Node{
			{Tag: "participants", Content: participantNodes},
			{Tag: "enc", Attrs: binary.Attrs{"v": "2", "type": "skmsg"}, Content: ciphertext},
		},
	}
	if includeIdentity {
		node.Content = append(node.GetChildren(), binary.Node{Tag: "device-identity"})
	}
	return node, nil
}

func (h *Handler) resolveDevices(ctx context.Context, users []types.JID, excludeSelf bool) ([]types.JID, error) {
	var out []types.JID
	var misses []types.JID
	for _, u := range users {
		if devs, ok := h.devices.Get(u); ok {
			out = append(out, devs...)
		} else {
			misses = append(misses, u)
		}
	}
	if len(misses) > 0 && h.devResolve != nil {
		discovered, err := h.devResolve.ResolveDevices(ctx, misses)
		if err != nil {
			return nil, waerror.New(waerror.KindTransport, "handler.resolveDevices", err)
		}
		byUser := map[string][]types.JID{}
		for key, devs := range discovered {
			byUser[key] = devs
			out = append(out, devs...)
		}
		h.devices.PutMany(byUser)
	}
	if excludeSelf {
		filtered := out[:0]
		for _, d := range out {
			if d.User == h.cfg.OwnJID.User && d.Device == h.cfg.OwnJID.Device {
				continue
			}
			filtered = append(filtered, d)
		}
		out = filtered
	}
	return out, nil
}

func (h *Handler) resolveGroupMetadata(ctx context.Context, chatJID types.JID) (groupmeta.Metadata, error) {
	if meta, ok := h.groupMD.Get(chatJID); ok {
		return meta, nil
	}
	if h.groupFetch == nil {
		return groupmeta.Metadata{}, waerror.New(waerror.KindProtocolDecode, "handler.resolveGroupMetadata", fmt.Errorf("no group metadata fetcher configured"))
	}
	meta, err := h.groupFetch.FetchGroupMetadata(ctx, chatJID)
	if err != nil {
		return groupmeta.Metadata{}, waerror.New(waerror.KindTransport, "handler.resolveGroupMetadata", err)
	}
	h.groupMD.Put(meta)
	return meta, nil
}

func (h *Handler) encryptForDevices(ctx context.Context, devices []types.JID, plaintext, dsmPlaintext []byte) ([]binary.Node, bool, error) {
	includeIdentity := false
	var nodes []binary.Node
	var retryDevices []types.JID

	for _, d := range devices {
		payload := plaintext
		if d.User == h.cfg.OwnJID.User && dsmPlaintext != nil {
			payload = dsmPlaintext
		}
		if !h.sessions.HasSession(d) {
			retryDevices = append(retryDevices, d)
			continue
		}
		enc, err := h.sessions.Encrypt(d, payload)
		if err != nil {
			h.callbacks.reportError("handler.encryptForDevices", err)
			continue
		}
		nodes = append(nodes, toNode(d, enc))
		if enc.Type == "pkmsg" {
			includeIdentity = true
		}
	}

	if len(retryDevices) > 0 && h.preKeys != nil {
		bundles, err := h.preKeys.FetchPreKeyBundles(ctx, retryDevices)
		if err != nil {
			h.callbacks.reportError("handler.encryptForDevices", waerror.New(waerror.KindNoSuchPreKey, "handler.encryptForDevices", err))
		} else {
			for _, d := range retryDevices {
				result, ok := bundles[d]
				if !ok || result.Err != nil || result.Bundle == nil {
					continue
				}
				if err := h.sessions.EstablishFromBundle(d, result.Bundle); err != nil {
					h.callbacks.reportError("handler.encryptForDevices", err)
					continue
				}
				payload := plaintext
				if d.User == h.cfg.OwnJID.User && dsmPlaintext != nil {
					payload = dsmPlaintext
				}
				enc, err := h.sessions.Encrypt(d, payload)
				if err != nil {
					h.callbacks.reportError("handler.encryptForDevices", err)
					continue
				}
				nodes = append(nodes, toNode(d, enc))
				if enc.Type == "pkmsg" {
					includeIdentity = true
				}
			}
		}
	}
	return nodes, includeIdentity, nil
}

func toNode(to types.JID, enc *session.Encrypted) binary.Node {
	return binary.Node{
		Tag:   "to",
		Attrs: binary.Attrs{"jid": to.String()},
		Content: []binary.Node{{
			Tag:     "enc",
			Attrs:   binary.Attrs{"v": "2", "type": enc.Type},
			Content: enc.Ciphertext,
		}},
	}
}

// ---- Decode path (spec §4.6) ----

// Decode handles one inbound <message> stanza: it sends the stanza ack
// immediately (before decryption, so the server doesn't redeliver), then
// decrypts each <enc> child in isolation so a single bad ciphertext can't
// poison its siblings.
func (h *Handler) Decode(ctx context.Context, node binary.Node) {
	info, err := h.parseMessageInfo(node)
	if err != nil {
		h.callbacks.reportError("handler.Decode", waerror.New(waerror.KindProtocolDecode, "handler.Decode", err))
		return
	}

	go h.sendStanzaAck(ctx, node)

	children := node.GetChildrenByTag("enc")
	if len(children) == 0 {
		if _, ok := node.GetOptionalChildByTag("unavailable"); ok {
			if h.callbacks.OnUndecryptable != nil {
				h.callbacks.OnUndecryptable(&events.UndecryptableMessage{Info: *info, IsUnavailable: true})
			}
			go h.sendRetryReceipt(ctx, node, info, true)
		}
		return
	}

	handled := false
	for _, child := range children {
		ag := child.AttrGetter()
		encType := ag.String("type")
		if !ag.OK() {
			continue
		}
		plaintext, err := h.decryptOne(info, encType, child.ContentBytes())
		if err != nil {
			h.callbacks.reportError("handler.Decode", err)
			go h.sendRetryReceipt(ctx, node, info, false)
			if h.callbacks.OnUndecryptable != nil {
				h.callbacks.OnUndecryptable(&events.UndecryptableMessage{Info: *info, Err: err})
			}
			continue
		}
		msg, err := waproto.Unmarshal(plaintext)
		if err != nil {
			h.callbacks.reportError("handler.Decode", waerror.New(waerror.KindProtocolDecode, "handler.Decode", err))
			continue
		}
		if msg.DeviceSentMessage != nil {
			info.DeviceSentMeta = &types.DeviceSentMeta{DestinationJID: msg.DeviceSentMessage.DestinationJID}
			msg = msg.DeviceSentMessage.Message
		}
		if msg.SenderKeyDistributionMessage != nil {
			h.processDistribution(info, msg.SenderKeyDistributionMessage)
			continue
		}
		h.dispatchProtocolMessage(ctx, *info, msg)
		info.Message = msg
		h.persistMessage(info)
		if h.callbacks.OnNewMessage != nil {
			h.callbacks.OnNewMessage(&events.Message{Info: *info, Message: msg})
		}
		handled = true
	}

	if handled {
		go h.sendMessageReceipt(ctx, info)
	}
}

// processDistribution consumes a sender-key distribution message carried
// inside an ordinary pkmsg/msg, establishing the group sender key needed to
// decrypt the skmsg ciphertexts that follow it.
func (h *Handler) processDistribution(info *types.MessageInfo, skdm *waproto.SenderKeyDistributionMessage) {
	h.writeLock.Lock()
	defer h.writeLock.Unlock()

	chatJID, err := types.ParseJID(skdm.GroupID)
	if err != nil {
		chatJID = info.Chat
	}
	if err := h.groups.ProcessIncoming(chatJID, info.Sender, skdm.AxolotlSenderKeyDistributionMessage); err != nil {
		h.callbacks.reportError("handler.processDistribution", err)
	}
}

// persistMessage applies spec §4.6 step 7's persist rule to a successfully
// decoded message: status-JID traffic just appends to its own synthetic
// chat; everything else appends to the chat and, if it's newer than this
// session's start and not server-originated, bumps the unread counter and
// (if UnarchiveChats is set) clears the archived flag.
func (h *Handler) persistMessage(info *types.MessageInfo) {
	h.store.Chats.AppendMessage(info.Chat, info.Key())
	if info.Chat.Server == types.StatusServer || info.Chat.Server == types.BroadcastServer {
		return
	}
	if info.Timestamp.After(h.cfg.InitializationTimestamp) && info.Category != "server" {
		h.store.Chats.IncrementUnread(info.Chat)
		if h.cfg.UnarchiveChats {
			h.store.Chats.ClearArchived(info.Chat)
		}
	}
}

func (h *Handler) decryptOne(info *types.MessageInfo, encType string, ciphertext []byte) ([]byte, error) {
	h.writeLock.Lock()
	defer h.writeLock.Unlock()

	switch encType {
	case "pkmsg", "msg":
		target := info.Sender
		plaintext, recovered, err := h.sessions.Decrypt(target, ciphertext, encType == "pkmsg")
		if recovered && h.callbacks.OnIdentityChange != nil {
			h.callbacks.OnIdentityChange(&events.IdentityChange{JID: target, Timestamp: time.Now(), Implicit: true})
		}
		return plaintext, err
	case "skmsg":
		if !info.IsGroup {
			return nil, waerror.New(waerror.KindUnsupportedType, "handler.decryptOne", fmt.Errorf("skmsg outside group"))
		}
		return h.groups.Decrypt(info.Chat, info.Sender, ciphertext)
	default:
		return nil, waerror.New(waerror.KindUnsupportedType, "handler.decryptOne", fmt.Errorf("unhandled enc type %q", encType))
	}
}

func (h *Handler) parseMessageInfo(node binary.Node) (*types.MessageInfo, error) {
	source, err := h.parseMessageSource(node)
	if err != nil {
		return nil, err
	}
	ag := node.AttrGetter()
	id := ag.String("id")
	ts := ag.UnixTime("t")
	if !ag.OK() {
		return nil, ag.Error()
	}
	return &types.MessageInfo{
		MessageSource: source,
		ID:            id,
		PushName:      ag.OptionalString("notify"),
		Timestamp:     time.Unix(ts, 0),
		Category:      ag.OptionalString("category"),
	}, nil
}

func (h *Handler) parseMessageSource(node binary.Node) (types.MessageSource, error) {
	ag := node.AttrGetter()
	from := ag.JID("from")
	if !ag.OK() {
		return types.MessageSource{}, ag.Error()
	}
	var source types.MessageSource
	switch {
	case from.Server == types.GroupServer || from.Server == types.BroadcastServer:
		source.IsGroup = true
		source.Chat = from
		participant, ok := node.AttrGetter().OptionalJID("participant")
		if !ok {
			return types.MessageSource{}, fmt.Errorf("missing participant attribute in group message")
		}
		source.Sender = participant
		source.IsFromMe = participant.User == h.cfg.OwnJID.User
		if from.Server == types.BroadcastServer {
			if recipient, ok := node.AttrGetter().OptionalJID("recipient"); ok {
				source.BroadcastListOwner = recipient
			}
		}
	case from.User == h.cfg.OwnJID.User:
		source.IsFromMe = true
		source.Sender = from
		if recipient, ok := node.AttrGetter().OptionalJID("recipient"); ok {
			source.Chat = recipient
		} else {
			source.Chat = from.ToNonAD()
		}
	default:
		source.Chat = from.ToNonAD()
		source.Sender = from
	}
	return source, nil
}

func (h *Handler) sendStanzaAck(ctx context.Context, node binary.Node) {
	ack := binary.Node{Tag: "ack", Attrs: binary.Attrs{
		"class": "receipt",
		"id":    node.Attrs["id"],
		"to":    node.Attrs["from"],
	}}
	if err := h.socket.SendNode(ctx, ack); err != nil {
		h.callbacks.reportError("handler.sendStanzaAck", waerror.New(waerror.KindTransport, "handler.sendStanzaAck", err))
	}
}

func (h *Handler) sendMessageReceipt(ctx context.Context, info *types.MessageInfo) {
	if !h.cfg.SendReceipts {
		return
	}
	receipt := binary.Node{Tag: "receipt", Attrs: binary.Attrs{
		"id": info.ID,
		"to": info.Chat.String(),
	}}
	if info.IsGroup {
		receipt.Attrs["participant"] = info.Sender.String()
	}
	if err := h.socket.SendNode(ctx, receipt); err != nil {
		h.callbacks.reportError("handler.sendMessageReceipt", waerror.New(waerror.KindTransport, "handler.sendMessageReceipt", err))
	}
	if info.Category == "peer" {
		peerReceipt := binary.Node{Tag: "receipt", Attrs: binary.Attrs{"id": info.ID, "type": "peer_msg", "to": info.Chat.String()}}
		_ = h.socket.SendNode(ctx, peerReceipt)
	}
}

// sendRetryReceipt is the supplemented retry-receipt feature: bounded to
// maxRetryReceipts per (sender, id) pair, grounded on retry.go's internal
// retry counter. isUnavailable marks an <unavailable/> stanza rather than a
// genuine decrypt failure.
func (h *Handler) sendRetryReceipt(ctx context.Context, node binary.Node, info *types.MessageInfo, isUnavailable bool) {
	key := recentMessageKey{To: info.Sender, ID: info.ID}
	h.retryCounterMu.Lock()
	h.retryCounter[key]++
	count := h.retryCounter[key]
	h.retryCounterMu.Unlock()
	if count > maxRetryReceipts {
		return
	}

	retry := binary.Node{Tag: "retry", Attrs: binary.Attrs{"id": info.ID, "count": fmt.Sprint(count)}}
	receipt := binary.Node{
		Tag:     "receipt",
		Attrs:   binary.Attrs{"id": info.ID, "type": "retry", "to": info.Sender.String()},
		Content: []binary.Node{retry},
	}
	if err := h.socket.SendNode(ctx, receipt); err != nil {
		h.callbacks.reportError("handler.sendRetryReceipt", waerror.New(waerror.KindTransport, "handler.sendRetryReceipt", err))
	}
}

// GetRecentMessageForRetry answers an incoming retry receipt for a message
// this handler previously sent, looked up in the bounded recent-message
// cache; it returns nil when the message is no longer (or never was) cached.
func (h *Handler) GetRecentMessageForRetry(to types.JID, id types.MessageID) *waproto.Message {
	return h.getRecentMessage(to, id)
}

// ---- Protocol message side effects (spec §4.7) ----

// dispatchProtocolMessage fans a decoded ProtocolMessage out to the
// corresponding callback, sub-dispatching HISTORY_SYNC_NOTIFICATION by its
// SyncType the way the handler's own encode/decode paths branch on wire
// enc type.
func (h *Handler) dispatchProtocolMessage(ctx context.Context, info types.MessageInfo, msg *waproto.Message) {
	pm := msg.ProtocolMessage
	if pm == nil {
		return
	}
	switch pm.Type {
	case waproto.ProtocolMessageRevoke:
		if pm.Key == nil {
			return
		}
		h.store.Chats.RemoveMessage(info.Chat, pm.Key.ID)
		if h.callbacks.OnMessageDeleted != nil {
			h.callbacks.OnMessageDeleted(&events.MessageRevoke{MessageSource: info.MessageSource, RevokedID: pm.Key.ID})
		}
	case waproto.ProtocolMessageHistorySyncNotification:
		h.dispatchHistorySync(ctx, info, pm.HistorySyncNotification)
	case waproto.ProtocolMessageAppStateSyncKeyShare:
		if pm.AppStateSyncKeyShare == nil {
			return
		}
		if h.callbacks.OnAppStateSyncKeyShare != nil {
			h.callbacks.OnAppStateSyncKeyShare(&events.AppStateSyncKeyShare{Keys: pm.AppStateSyncKeyShare.KeyIDs})
		}
	case waproto.ProtocolMessageEphemeralSetting:
		h.store.Chats.SetEphemeralDuration(info.Chat, time.Duration(pm.EphemeralExpirationSecs)*time.Second)
		if h.callbacks.OnEphemeralSetting != nil {
			h.callbacks.OnEphemeralSetting(&events.EphemeralSetting{
				Chat:       info.Chat,
				Timestamp:  time.Unix(pm.EphemeralSettingTimestamp, 0),
				Expiration: time.Duration(pm.EphemeralExpirationSecs) * time.Second,
			})
		}
	case waproto.ProtocolMessageMessageEdit:
		if pm.Key == nil || pm.EditedMessage == nil {
			return
		}
		if h.callbacks.OnMessageEdit != nil {
			h.callbacks.OnMessageEdit(&events.MessageEdit{MessageSource: info.MessageSource, EditedID: pm.Key.ID, NewMessage: pm.EditedMessage})
		}
	default:
		h.callbacks.reportError("handler.dispatchProtocolMessage", waerror.New(waerror.KindProtocolMessage, "handler.dispatchProtocolMessage", fmt.Errorf("unhandled protocol message type %d", pm.Type)))
	}
}

// dispatchHistorySync fetches and inflates the blob note references, parses
// it into a waproto.HistorySync batch, and sub-dispatches by SyncType
// (spec §4.7): INITIAL_BOOTSTRAP/FULL add every conversation to the store
// and the history cache; INITIAL_STATUS_V3 adds every status; RECENT
// reports each conversation's recent-message batch immediately and restarts
// the history cache's TTL for it; PUSH_NAME updates contact names. A
// "hist_sync" receipt acknowledges the notification once dispatch completes.
func (h *Handler) dispatchHistorySync(ctx context.Context, info types.MessageInfo, note *waproto.HistorySyncNotification) {
	if note == nil {
		return
	}
	if !info.IsFromMe {
		// History sync notifications only ever travel from one of our own
		// other devices; anything else is not this session's backfill.
		return
	}

	blob, err := h.fetchHistorySync(ctx, note)
	if err != nil {
		h.callbacks.reportError("handler.dispatchHistorySync", err)
		return
	}

	switch events.HistorySyncType(blob.SyncType) {
	case events.HistorySyncInitialBootstrap, events.HistorySyncFull:
		h.dispatchHistorySyncChats(blob)
	case events.HistorySyncInitialStatusV3:
		h.dispatchHistorySyncStatuses(blob)
	case events.HistorySyncRecent:
		h.dispatchHistorySyncRecent(blob)
	case events.HistorySyncPushName:
		h.dispatchHistorySyncPushNames(blob)
	}

	go h.sendHistSyncReceipt(ctx, info.ID, info.Sender)
}

// fetchHistorySync downloads note's referenced blob via the injected
// HistorySyncFetcher, zlib-inflates it, and parses the result.
func (h *Handler) fetchHistorySync(ctx context.Context, note *waproto.HistorySyncNotification) (*waproto.HistorySync, error) {
	if h.historyFetch == nil {
		return nil, waerror.New(waerror.KindProtocolDecode, "handler.fetchHistorySync", fmt.Errorf("no history sync fetcher configured"))
	}
	compressed, err := h.historyFetch.FetchHistorySyncBlob(ctx, note)
	if err != nil {
		return nil, waerror.New(waerror.KindTransport, "handler.fetchHistorySync", err)
	}
	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, waerror.New(waerror.KindProtocolDecode, "handler.fetchHistorySync", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, waerror.New(waerror.KindProtocolDecode, "handler.fetchHistorySync", err)
	}
	blob, err := waproto.UnmarshalHistorySync(raw)
	if err != nil {
		return nil, waerror.New(waerror.KindProtocolDecode, "handler.fetchHistorySync", err)
	}
	return blob, nil
}

// dispatchHistorySyncChats handles INITIAL_BOOTSTRAP/FULL: every
// conversation is added to the store and the history cache; only a
// bootstrap batch flips hasSnapshot and is reported to OnChats.
func (h *Handler) dispatchHistorySyncChats(blob *waproto.HistorySync) {
	isBootstrap := events.HistorySyncType(blob.SyncType) == events.HistorySyncInitialBootstrap
	for _, conv := range blob.Conversations {
		chatJID, err := types.ParseJID(conv.ID)
		if err != nil {
			continue
		}
		h.store.Chats.Ensure(chatJID)
		h.store.Chats.SetName(chatJID, conv.Name)
		h.store.Chats.SetArchived(chatJID, conv.Archived)
		h.store.Chats.SetEphemeralDuration(chatJID, time.Duration(conv.EphemeralExpiration)*time.Second)
		h.history.Touch(chatJID)
	}

	if isBootstrap {
		h.snapshotMu.Lock()
		h.hasSnapshot = true
		h.snapshotMu.Unlock()
		if h.callbacks.OnChats != nil {
			h.callbacks.OnChats(&events.HistorySyncChats{Conversations: blob.Conversations, HasSnapshot: true})
		}
	}
}

// dispatchHistorySyncStatuses handles INITIAL_STATUS_V3: every status is
// added to the synthetic status-broadcast chat and reported to OnStatus.
func (h *Handler) dispatchHistorySyncStatuses(blob *waproto.HistorySync) {
	for _, status := range blob.StatusV3Messages {
		if status.Key != nil {
			h.store.Chats.AppendMessage(types.StatusBroadcastJID, types.MessageKey{ID: status.Key.ID, ChatJID: types.StatusBroadcastJID, FromMe: status.Key.FromMe})
		}
	}
	if h.callbacks.OnStatus != nil {
		h.callbacks.OnStatus(&events.HistorySyncStatuses{Statuses: blob.StatusV3Messages})
	}
}

// dispatchHistorySyncRecent handles RECENT: per conversation, if the chat
// is already known the recent-message batch is reported immediately;
// otherwise the chat is added first. Either way the chat is (re-)touched in
// the history cache, restarting its TTL so a quiet period after this batch
// still reports completion the normal way.
func (h *Handler) dispatchHistorySyncRecent(blob *waproto.HistorySync) {
	for _, conv := range blob.Conversations {
		chatJID, err := types.ParseJID(conv.ID)
		if err != nil {
			continue
		}
		known := h.store.Chats.Ensure(chatJID)
		if !known {
			h.store.Chats.SetName(chatJID, conv.Name)
		}
		if h.callbacks.OnChatRecentMessages != nil {
			h.callbacks.OnChatRecentMessages(chatJID, false)
		}
		h.history.Touch(chatJID)
	}
}

// dispatchHistorySyncPushNames handles PUSH_NAME: each contact's chosen
// display name is applied to its chat row and reported to OnContacts.
func (h *Handler) dispatchHistorySyncPushNames(blob *waproto.HistorySync) {
	var actions []events.ContactAction
	for _, pn := range blob.Pushnames {
		jid, err := types.ParseJID(pn.ID)
		if err != nil {
			continue
		}
		h.store.Chats.SetName(jid, pn.PushName)
		actions = append(actions, events.ContactAction{JID: jid, PushName: pn.PushName})
	}
	if h.callbacks.OnContacts != nil {
		h.callbacks.OnContacts(&events.HistorySyncContacts{Contacts: actions})
	}
}

// sendHistSyncReceipt acknowledges a HISTORY_SYNC_NOTIFICATION once its
// blob has been dispatched, the way an ordinary message's receipt
// acknowledges decryption.
func (h *Handler) sendHistSyncReceipt(ctx context.Context, id types.MessageID, to types.JID) {
	receipt := binary.Node{Tag: "receipt", Attrs: binary.Attrs{"id": id, "type": "hist_sync", "to": to.String()}}
	if err := h.socket.SendNode(ctx, receipt); err != nil {
		h.callbacks.reportError("handler.sendHistSyncReceipt", waerror.New(waerror.KindTransport, "handler.sendHistSyncReceipt", err))
	}
}
