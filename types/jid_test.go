package types

import "testing"

func TestParseJID(t *testing.T) {
	cases := []struct {
		raw    string
		user   string
		device uint16
		server Server
	}{
		{"12345@s.whatsapp.net", "12345", 0, DefaultUserServer},
		{"12345:7@s.whatsapp.net", "12345", 7, DefaultUserServer},
		{"1234-5678@g.us", "1234-5678", 0, GroupServer},
	}
	for _, c := range cases {
		jid, err := ParseJID(c.raw)
		if err != nil {
			t.Fatalf("ParseJID(%q) failed: %v", c.raw, err)
		}
		if jid.User != c.user || jid.Device != c.device || jid.Server != c.server {
			t.Fatalf("ParseJID(%q) = %+v, want user=%s device=%d server=%s", c.raw, jid, c.user, c.device, c.server)
		}
		if jid.String() != c.raw {
			t.Fatalf("JID(%+v).String() = %q, want %q", jid, jid.String(), c.raw)
		}
	}
}

func TestParseJIDErrors(t *testing.T) {
	for _, raw := range []string{"no-at-sign", "user@", "user:bad@s.whatsapp.net"} {
		if _, err := ParseJID(raw); err == nil {
			t.Fatalf("ParseJID(%q) should have failed", raw)
		}
	}
}

func TestToNonAD(t *testing.T) {
	jid := NewADJID("12345", 3, DefaultUserServer)
	bare := jid.ToNonAD()
	if bare.Device != 0 || bare.User != jid.User || bare.Server != jid.Server {
		t.Fatalf("ToNonAD() = %+v, want device stripped", bare)
	}
}

func TestIsEmpty(t *testing.T) {
	if !EmptyJID.IsEmpty() {
		t.Fatal("EmptyJID.IsEmpty() = false, want true")
	}
	if NewJID("12345", DefaultUserServer).IsEmpty() {
		t.Fatal("non-empty JID reported as empty")
	}
}
