package store

import (
	"time"

	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/libsignal/keys/identity"
	"go.mau.fi/libsignal/protocol"
	"go.mau.fi/libsignal/serialize"
	"go.mau.fi/libsignal/state/record"

	"wacore/types"
)

// Serializer is the one shared between every record type passed to
// go.mau.fi/libsignal's builders/ciphers, matching the protobuf-backed
// serializer real whatsmeow-derived clients pin (pbSerializer in the
// examples this package is grounded on).
var Serializer = serialize.NewProtoBufSerializer()

// SignalStore adapts a *Store onto the interfaces go.mau.fi/libsignal's
// session.Builder, session.Cipher, groups.GroupSessionBuilder and
// groups.GroupCipher expect from their backing store argument.
type SignalStore struct {
	*Store
}

func NewSignalStore(s *Store) *SignalStore {
	return &SignalStore{Store: s}
}

// --- identity.Store ---

func (s *SignalStore) GetIdentityKeyPair() *identity.KeyPair {
	kp := s.Identities.GetIdentityKeyPair()
	pub := identity.NewKey(ecc.NewDjbECPublicKey(*kp.Pub))
	priv := ecc.NewDjbECPrivateKey(*kp.Priv)
	return identity.NewKeyPair(pub, priv)
}

func (s *SignalStore) GetLocalRegistrationId() uint32 {
	return s.Identities.GetLocalRegistrationID()
}

func (s *SignalStore) SaveIdentity(address *protocol.SignalAddress, identityKey *identity.Key) error {
	var raw [32]byte
	copy(raw[:], identityKey.PublicKey().Serialize())
	_, err := s.Identities.PutIdentity(address.String(), raw)
	return err
}

// IsTrustedIdentity reports whether identityKey matches the pinned key for
// address, or is the first key ever seen for it (trust-on-first-use).
func (s *SignalStore) IsTrustedIdentity(address *protocol.SignalAddress, identityKey *identity.Key, direction int) bool {
	pinned, found, err := s.Identities.GetIdentity(address.String())
	if err != nil || !found {
		return true
	}
	var incoming [32]byte
	copy(incoming[:], identityKey.PublicKey().Serialize())
	return pinned == incoming
}

// --- state/store.SessionStore ---

func (s *SignalStore) LoadSession(address *protocol.SignalAddress) (*record.Session, error) {
	raw, err := s.Sessions.GetSession(address.String())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return record.NewSession(Serializer.Session, Serializer.State), nil
	}
	return record.NewSessionFromBytes(raw, Serializer.Session, Serializer.State)
}

func (s *SignalStore) GetSubDeviceSessions(name string) ([]uint32, error) {
	return s.Sessions.GetSubDeviceSessions(name)
}

func (s *SignalStore) StoreSession(address *protocol.SignalAddress, sessionRecord *record.Session) error {
	return s.Sessions.PutSession(address.String(), sessionRecord.Serialize())
}

func (s *SignalStore) ContainsSession(address *protocol.SignalAddress) bool {
	return s.Sessions.ContainsSession(address.String())
}

func (s *SignalStore) DeleteSession(address *protocol.SignalAddress) {
	_ = s.Sessions.DeleteSession(address.String())
}

func (s *SignalStore) DeleteAllSessions() {}

// --- state/store.PreKeyStore ---

func (s *SignalStore) LoadPreKey(id uint32) (*record.PreKey, error) {
	pk, err := s.PreKeys.LoadPreKey(id)
	if err != nil {
		return nil, err
	}
	if pk == nil {
		return nil, nil
	}
	keyPair := ecc.NewECKeyPair(ecc.NewDjbECPublicKey(*pk.Pub), ecc.NewDjbECPrivateKey(*pk.Priv))
	return record.NewPreKey(pk.KeyID, keyPair, Serializer.PreKeyRecord), nil
}

func (s *SignalStore) StorePreKey(id uint32, preKeyRecord *record.PreKey) error {
	kp := preKeyRecord.KeyPair()
	var pub, priv [32]byte
	copy(pub[:], kp.PublicKey().Serialize())
	copy(priv[:], kp.PrivateKey().Serialize())
	return s.PreKeys.StorePreKey(id, &types.PreKey{KeyPair: types.KeyPair{Pub: &pub, Priv: &priv}, KeyID: id})
}

func (s *SignalStore) ContainsPreKey(id uint32) bool {
	return s.PreKeys.ContainsPreKey(id)
}

func (s *SignalStore) RemovePreKey(id uint32) {
	_ = s.PreKeys.RemovePreKey(id)
}

// --- state/store.SignedPreKeyStore ---

func (s *SignalStore) LoadSignedPreKey(id uint32) (*record.SignedPreKey, error) {
	spk, err := s.SignedPreKeys.LoadSignedPreKey(id)
	if err != nil {
		return nil, err
	}
	if spk == nil {
		return nil, nil
	}
	return signedPreKeyToRecord(spk), nil
}

func (s *SignalStore) LoadSignedPreKeys() ([]*record.SignedPreKey, error) {
	all, err := s.SignedPreKeys.LoadSignedPreKeys()
	if err != nil {
		return nil, err
	}
	out := make([]*record.SignedPreKey, 0, len(all))
	for _, spk := range all {
		out = append(out, signedPreKeyToRecord(spk))
	}
	return out, nil
}

func (s *SignalStore) StoreSignedPreKey(id uint32, signedRecord *record.SignedPreKey) error {
	return s.SignedPreKeys.StoreSignedPreKey(id, recordToSignedPreKey(id, signedRecord))
}

func (s *SignalStore) ContainsSignedPreKey(id uint32) bool {
	return s.SignedPreKeys.ContainsSignedPreKey(id)
}

func (s *SignalStore) RemoveSignedPreKey(id uint32) {
	_ = s.SignedPreKeys.RemoveSignedPreKey(id)
}

// --- state/store.SenderKeyStore ---

func (s *SignalStore) StoreSenderKey(senderKeyName *protocol.SenderKeyName, keyRecord *record.SenderKey) {
	groupID, _ := senderKeyName.GroupID()
	sender := senderKeyName.Sender()
	_ = s.SenderKeys.PutSenderKey(groupID, sender.String(), keyRecord.Serialize())
}

func (s *SignalStore) LoadSenderKey(senderKeyName *protocol.SenderKeyName) *record.SenderKey {
	groupID, _ := senderKeyName.GroupID()
	sender := senderKeyName.Sender()
	raw, err := s.SenderKeys.GetSenderKey(groupID, sender.String())
	if err != nil || raw == nil {
		return record.NewSenderKey(Serializer.SenderKeyState, Serializer.SenderKeyRecord)
	}
	rec, err := record.NewSenderKeyFromBytes(raw, Serializer.SenderKeyState, Serializer.SenderKeyRecord)
	if err != nil {
		return record.NewSenderKey(Serializer.SenderKeyState, Serializer.SenderKeyRecord)
	}
	return rec
}

func signedPreKeyToRecord(spk *types.SignedPreKey) *record.SignedPreKey {
	keyPair := ecc.NewECKeyPair(ecc.NewDjbECPublicKey(*spk.Pub), ecc.NewDjbECPrivateKey(*spk.Priv))
	return record.NewSignedPreKey(spk.KeyID, uint64(time.Now().Unix()), keyPair, spk.Signature[:], Serializer.SignedPreKeyRecord)
}

func recordToSignedPreKey(id uint32, r *record.SignedPreKey) *types.SignedPreKey {
	kp := r.KeyPair()
	var pub, priv [32]byte
	var sig [64]byte
	copy(pub[:], kp.PublicKey().Serialize())
	copy(priv[:], kp.PrivateKey().Serialize())
	copy(sig[:], r.Signature())
	return &types.SignedPreKey{KeyPair: types.KeyPair{Pub: &pub, Priv: &priv}, KeyID: id, Signature: &sig}
}
