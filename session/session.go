// Package session wraps go.mau.fi/libsignal's per-peer Double Ratchet
// session builder and cipher: establishing a session from a prekey bundle,
// and encrypting/decrypting the pkmsg/msg wire types.
package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"go.mau.fi/libsignal/keys/prekey"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/session"
	"go.mau.fi/libsignal/signalerror"

	"wacore/store"
	"wacore/types"
	"wacore/waerror"
)

// Manager wraps one device's signal store with session establishment and
// encrypt/decrypt operations keyed by peer JID.
type Manager struct {
	store *store.SignalStore
}

func NewManager(s *store.SignalStore) *Manager {
	return &Manager{store: s}
}

// HasSession reports whether a Double Ratchet session already exists for jid.
func (m *Manager) HasSession(jid types.JID) bool {
	return m.store.ContainsSession(jid.SignalAddress())
}

// EstablishFromBundle processes a fetched prekey bundle into a fresh outgoing
// session, the X3DH-equivalent step that lets Encrypt produce a pkmsg even
// before the peer has replied.
func (m *Manager) EstablishFromBundle(jid types.JID, bundle *prekey.Bundle) error {
	builder := session.NewBuilderFromSignal(m.store, jid.SignalAddress(), store.Serializer)
	if err := builder.ProcessBundle(bundle); err != nil {
		return waerror.New(waerror.KindNoSuchPreKey, "session.EstablishFromBundle", err)
	}
	return nil
}

// Encrypted is one ciphertext plus the wire "type" attribute (pkmsg or msg)
// it must be tagged with.
type Encrypted struct {
	Ciphertext []byte
	Type       string // "pkmsg" or "msg"
}

// Encrypt pads and encrypts plaintext for jid, which must already have (or
// have just been given, via EstablishFromBundle) a session.
func (m *Manager) Encrypt(jid types.JID, plaintext []byte) (*Encrypted, error) {
	builder := session.NewBuilderFromSignal(m.store, jid.SignalAddress(), store.Serializer)
	cipher := session.NewCipher(builder, jid.SignalAddress())
	ciphertext, err := cipher.Encrypt(padMessage(plaintext))
	if err != nil {
		return nil, waerror.New(waerror.KindBadMAC, "session.Encrypt", err)
	}
	typ := "msg"
	if ciphertext.Type() == protocol.PREKEY_TYPE {
		typ = "pkmsg"
	}
	return &Encrypted{Ciphertext: ciphertext.Serialize(), Type: typ}, nil
}

// Decrypt decodes and decrypts a pkmsg/msg ciphertext from jid. On an
// untrusted-identity failure for a pkmsg it clears the stored identity and
// session and retries once, the same automatic-recovery behavior real
// whatsmeow-derived clients perform, returning recovered=true so the caller
// can emit an IdentityChange event.
func (m *Manager) Decrypt(jid types.JID, ciphertext []byte, isPreKey bool) (plaintext []byte, recovered bool, err error) {
	builder := session.NewBuilderFromSignal(m.store, jid.SignalAddress(), store.Serializer)
	cipher := session.NewCipher(builder, jid.SignalAddress())

	if isPreKey {
		preKeyMsg, perr := protocol.NewPreKeySignalMessageFromBytes(ciphertext, store.Serializer.PreKeySignalMessage, store.Serializer.SignalMessage)
		if perr != nil {
			return nil, false, waerror.New(waerror.KindProtocolDecode, "session.Decrypt", perr)
		}
		plaintext, _, err = cipher.DecryptMessageReturnKey(preKeyMsg)
		if errors.Is(err, signalerror.ErrUntrustedIdentity) {
			_ = m.store.Identities.DeleteIdentity(jid.SignalAddress().String())
			_ = m.store.Sessions.DeleteSession(jid.SignalAddress().String())
			plaintext, _, err = cipher.DecryptMessageReturnKey(preKeyMsg)
			recovered = err == nil
		}
		if err != nil {
			return nil, recovered, waerror.New(classifyDecryptErr(err), "session.Decrypt", err)
		}
	} else {
		msg, perr := protocol.NewSignalMessageFromBytes(ciphertext, store.Serializer.SignalMessage)
		if perr != nil {
			return nil, false, waerror.New(waerror.KindProtocolDecode, "session.Decrypt", perr)
		}
		plaintext, err = cipher.Decrypt(msg)
		if err != nil {
			return nil, false, waerror.New(classifyDecryptErr(err), "session.Decrypt", err)
		}
	}
	plaintext, err = unpadMessage(plaintext)
	if err != nil {
		return nil, recovered, waerror.New(waerror.KindProtocolDecode, "session.Decrypt", err)
	}
	return plaintext, recovered, nil
}

func classifyDecryptErr(err error) waerror.Kind {
	switch {
	case errors.Is(err, signalerror.ErrUntrustedIdentity):
		return waerror.KindUntrustedIdentity
	case errors.Is(err, signalerror.ErrDuplicateMessage):
		return waerror.KindDuplicateMessage
	case errors.Is(err, signalerror.ErrOldCounter):
		return waerror.KindOutOfBounds
	case errors.Is(err, signalerror.ErrInvalidMessage):
		return waerror.KindBadMAC
	case errors.Is(err, signalerror.ErrNoSessionForUser):
		return waerror.KindSessionMissing
	default:
		return waerror.KindBadMAC
	}
}

// padMessage/unpadMessage: every plaintext is PKCS7-style
// padded with 1-15 repetitions of a random non-zero byte before encryption.
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
