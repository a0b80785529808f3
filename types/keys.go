package types

import (
	"go.mau.fi/libsignal/ecc"
	"go.mau.fi/util/random"
	"golang.org/x/crypto/curve25519"
)

// KeyPair is a Curve25519 keypair, generated the same way the teacher's
// client/keypair.go does: clamp a random 32-byte scalar and derive the
// public point with curve25519.ScalarBaseMult.
type KeyPair struct {
	Pub  *[32]byte
	Priv *[32]byte
}

func NewKeyPairFromPrivateKey(priv [32]byte) *KeyPair {
	var kp KeyPair
	kp.Priv = &priv
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, kp.Priv)
	kp.Pub = &pub
	return &kp
}

// clampScalar forces priv into the subset of valid Curve25519 scalars
// (Montgomery ladder low bits cleared, high bit cleared and bit 254 set).
func clampScalar(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

func NewKeyPair() *KeyPair {
	priv := *(*[32]byte)(random.Bytes(32))
	clampScalar(&priv)
	return NewKeyPairFromPrivateKey(priv)
}

// Sign produces an XEdDSA signature over a sub-key's public point, the way a
// signed prekey is authenticated under the identity key.
func (kp *KeyPair) Sign(keyToSign *KeyPair) *[64]byte {
	pubKeyForSignature := make([]byte, 33)
	pubKeyForSignature[0] = ecc.DjbType
	copy(pubKeyForSignature[1:], keyToSign.Pub[:])
	signature := ecc.CalculateSignature(ecc.NewDjbECPrivateKey(*kp.Priv), pubKeyForSignature)
	return &signature
}

// SignedPreKey is a medium-lived Curve25519 key signed by the identity key.
type SignedPreKey struct {
	KeyPair
	KeyID     uint32
	Signature *[64]byte
}

func (kp *KeyPair) CreateSignedPreKey(keyID uint32) *SignedPreKey {
	newKey := &SignedPreKey{KeyPair: *NewKeyPair(), KeyID: keyID}
	newKey.Signature = kp.Sign(&newKey.KeyPair)
	return newKey
}

// PreKey is a one-time Curve25519 key the server holds for offline session
// establishment.
type PreKey struct {
	KeyPair
	KeyID uint32
}

func NewPreKey(keyID uint32) *PreKey {
	return &PreKey{KeyPair: *NewKeyPair(), KeyID: keyID}
}

// GenerateRegistrationID mirrors the teacher's 14-bit registration id derivation.
func GenerateRegistrationID() uint32 {
	b := random.Bytes(2)
	return (uint32(b[0])<<8 | uint32(b[1])) & 16383
}
