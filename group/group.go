// Package group wraps go.mau.fi/libsignal's sender-key group ratchet:
// creating and distributing a sender key, and encrypting/decrypting skmsg
// ciphertexts for a chat.
package group

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"go.mau.fi/libsignal/groups"
	"go.mau.fi/libsignal/protocol"

	"wacore/store"
	"wacore/types"
	"wacore/waerror"
)

// Manager wraps one device's signal store with sender-key session creation
// and encrypt/decrypt operations keyed by (chat, own-or-peer device).
type Manager struct {
	store *store.SignalStore
}

func NewManager(s *store.SignalStore) *Manager {
	return &Manager{store: s}
}

func senderKeyName(chat, sender types.JID) *protocol.SenderKeyName {
	return protocol.NewSenderKeyName(chat.String(), sender.SignalAddress())
}

// CreateOutgoing creates this device's sender key for chat if none exists yet
// (an existing key is kept, not rotated) and returns the distribution message
// for it to fan out to the group's other devices.
func (m *Manager) CreateOutgoing(chat, ownJID types.JID) ([]byte, error) {
	builder := groups.NewGroupSessionBuilder(m.store, store.Serializer)
	skdm, err := builder.Create(senderKeyName(chat, ownJID))
	if err != nil {
		return nil, waerror.New(waerror.KindBadMAC, "group.CreateOutgoing", err)
	}
	return skdm.Serialize(), nil
}

// ProcessIncoming consumes a peer's sender-key distribution message so later
// skmsg ciphertexts from them in this chat can be decrypted.
func (m *Manager) ProcessIncoming(chat, sender types.JID, distribution []byte) error {
	builder := groups.NewGroupSessionBuilder(m.store, store.Serializer)
	skdm, err := protocol.NewSenderKeyDistributionMessageFromBytes(distribution, store.Serializer.SenderKeyDistributionMessage)
	if err != nil {
		return waerror.New(waerror.KindProtocolDecode, "group.ProcessIncoming", err)
	}
	builder.Process(senderKeyName(chat, sender), skdm)
	return nil
}

// Encrypt encrypts plaintext under this device's current sender key for chat.
func (m *Manager) Encrypt(chat, ownJID types.JID, plaintext []byte) ([]byte, error) {
	builder := groups.NewGroupSessionBuilder(m.store, store.Serializer)
	cipher := groups.NewGroupCipher(builder, senderKeyName(chat, ownJID), m.store)
	ciphertext, err := cipher.Encrypt(padMessage(plaintext))
	if err != nil {
		return nil, waerror.New(waerror.KindBadMAC, "group.Encrypt", err)
	}
	return ciphertext.SignedSerialize(), nil
}

const maxPadding = 0xf

func padMessage(plaintext []byte) []byte {
	var pad [1]byte
	if _, err := rand.Read(pad[:]); err != nil {
		panic(err)
	}
	pad[0] &= maxPadding
	if pad[0] == 0 {
		pad[0] = maxPadding
	}
	return append(plaintext, bytes.Repeat(pad[:], int(pad[0]))...)
}

func unpadMessage(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	lastByte := plaintext[len(plaintext)-1]
	if int(lastByte) == 0 || int(lastByte) > len(plaintext) {
		return nil, fmt.Errorf("invalid padding")
	}
	expected := bytes.Repeat([]byte{lastByte}, int(lastByte))
	if !bytes.HasSuffix(plaintext, expected) {
		return nil, fmt.Errorf("plaintext doesn't have expected padding")
	}
	return plaintext[:len(plaintext)-int(lastByte)], nil
}

// Decrypt decrypts an skmsg ciphertext sent by sender in chat. The sender
// must have previously had a ProcessIncoming call for this chat (or this
// decrypt fails, wrapped as KindBadMAC like any other cipher error), matching the
// invariant that sender-key distribution always precedes the first group
// ciphertext from a device.
func (m *Manager) Decrypt(chat, sender types.JID, ciphertext []byte) ([]byte, error) {
	builder := groups.NewGroupSessionBuilder(m.store, store.Serializer)
	name := senderKeyName(chat, sender)
	cipher := groups.NewGroupCipher(builder, name, m.store)
	msg, err := protocol.NewSenderKeyMessageFromBytes(ciphertext, store.Serializer.SenderKeyMessage)
	if err != nil {
		return nil, waerror.New(waerror.KindProtocolDecode, "group.Decrypt", err)
	}
	plaintext, err := cipher.Decrypt(msg)
	if err != nil {
		return nil, waerror.New(waerror.KindBadMAC, "group.Decrypt", err)
	}
	return unpadMessage(plaintext)
}
