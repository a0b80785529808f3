package types

import "testing"

func TestNewKeyPairRoundTrip(t *testing.T) {
	kp := NewKeyPair()
	derived := NewKeyPairFromPrivateKey(*kp.Priv)
	if *derived.Pub != *kp.Pub {
		t.Fatal("NewKeyPairFromPrivateKey did not reproduce the same public key")
	}
}

func TestCreateSignedPreKey(t *testing.T) {
	identity := NewKeyPair()
	signed := identity.CreateSignedPreKey(1)
	if signed.KeyID != 1 {
		t.Fatalf("KeyID = %d, want 1", signed.KeyID)
	}
	if signed.Signature == nil {
		t.Fatal("CreateSignedPreKey did not produce a signature")
	}
}

func TestGenerateRegistrationID(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := GenerateRegistrationID()
		if id > 16383 {
			t.Fatalf("GenerateRegistrationID() = %d, want <= 16383 (14 bits)", id)
		}
	}
}

func TestNewPreKey(t *testing.T) {
	pk := NewPreKey(42)
	if pk.KeyID != 42 {
		t.Fatalf("KeyID = %d, want 42", pk.KeyID)
	}
	if pk.Pub == nil || pk.Priv == nil {
		t.Fatal("NewPreKey did not generate a keypair")
	}
}
