package waerror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessageFormatting(t *testing.T) {
	e := New(KindBadMAC, "session.Decrypt", errors.New("mac mismatch"))
	got := e.Error()
	want := "session.Decrypt: bad_mac: mac mismatch"
	if got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	bare := New(KindDuplicateMessage, "group.Decrypt", nil)
	if bare.Error() != "group.Decrypt: duplicate_message" {
		t.Fatalf("Error() with nil Err = %q, want %q", bare.Error(), "group.Decrypt: duplicate_message")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := New(KindTransport, "client.SendIQ", cause)
	if errors.Unwrap(e) != cause {
		t.Fatal("Unwrap() did not return the wrapped cause")
	}
}

func TestOfAndIsAcrossWrapping(t *testing.T) {
	e := New(KindUntrustedIdentity, "session.EstablishFromBundle", nil)
	wrapped := fmt.Errorf("establishing session: %w", e)

	if Of(wrapped) != KindUntrustedIdentity {
		t.Fatalf("Of(wrapped) = %v, want %v", Of(wrapped), KindUntrustedIdentity)
	}
	if !Is(wrapped, KindUntrustedIdentity) {
		t.Fatal("Is(wrapped, KindUntrustedIdentity) = false")
	}
	if Is(wrapped, KindBadMAC) {
		t.Fatal("Is(wrapped, KindBadMAC) = true, want false")
	}
}

func TestOfUnknownForPlainError(t *testing.T) {
	if Of(errors.New("plain")) != KindUnknown {
		t.Fatal("Of(plain error) != KindUnknown")
	}
	if Of(nil) != KindUnknown {
		t.Fatal("Of(nil) != KindUnknown")
	}
}

func TestErrorsIsMatchesByKindOnly(t *testing.T) {
	a := New(KindOutOfBounds, "group.Decrypt", errors.New("one"))
	b := New(KindOutOfBounds, "session.Decrypt", errors.New("two"))
	if !errors.Is(a, b) {
		t.Fatal("errors.Is(a, b) = false for two *Error values sharing a Kind")
	}
	c := New(KindSessionMissing, "session.Decrypt", nil)
	if errors.Is(a, c) {
		t.Fatal("errors.Is(a, c) = true for differing Kinds")
	}
}

func TestKindStringCoversEveryConstant(t *testing.T) {
	kinds := []Kind{
		KindUnknown, KindProtocolDecode, KindBadMAC, KindInvalidSignature,
		KindUntrustedIdentity, KindNoSuchPreKey, KindDuplicateMessage,
		KindOutOfBounds, KindUnsupportedType, KindSessionMissing,
		KindTransport, KindProtocolMessage,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Fatalf("Kind(%d).String() is empty", k)
		}
		if seen[s] {
			t.Fatalf("Kind(%d).String() = %q collides with another kind", k, s)
		}
		seen[s] = true
	}
}
