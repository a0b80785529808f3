package store

import (
	"testing"
	"time"

	"wacore/types"
)

func TestChatStoreEnsureReportsKnown(t *testing.T) {
	s := NewChatStore()
	jid := types.NewJID("g1", types.GroupServer)

	if existed := s.Ensure(jid); existed {
		t.Fatal("Ensure reported existed=true on a chat never seen before")
	}
	if existed := s.Ensure(jid); !existed {
		t.Fatal("Ensure reported existed=false on a chat already created")
	}
	if !s.Known(jid) {
		t.Fatal("Known = false after Ensure")
	}
}

// TestMissingParticipantsOnlyReSendsToNewDevices reproduces scenario S3: a
// group [A:0, B:0, C:0] where a prior send already reached A and B. A second
// round should only consider C missing its distribution.
func TestMissingParticipantsOnlyReSendsToNewDevices(t *testing.T) {
	s := NewChatStore()
	group := types.NewJID("grp1", types.GroupServer)
	a := types.NewADJID("A", 0, types.DefaultUserServer)
	b := types.NewADJID("B", 0, types.DefaultUserServer)
	c := types.NewADJID("C", 0, types.DefaultUserServer)
	all := []types.JID{a, b, c}

	if missing := s.MissingParticipants(group, all); len(missing) != 3 {
		t.Fatalf("MissingParticipants before any send = %v, want all 3", missing)
	}

	s.MarkParticipantPreKeysSent(group, []types.JID{a, b})

	missing := s.MissingParticipants(group, all)
	if len(missing) != 1 || missing[0] != c {
		t.Fatalf("MissingParticipants after marking A,B sent = %v, want [%v]", missing, c)
	}

	s.MarkParticipantPreKeysSent(group, []types.JID{c})
	if missing := s.MissingParticipants(group, all); len(missing) != 0 {
		t.Fatalf("MissingParticipants after marking all sent = %v, want none", missing)
	}
}

func TestAppendAndRemoveMessage(t *testing.T) {
	s := NewChatStore()
	jid := types.NewJID("111", types.DefaultUserServer)
	key1 := types.MessageKey{ID: "A", ChatJID: jid}
	key2 := types.MessageKey{ID: "B", ChatJID: jid}

	s.AppendMessage(jid, key1)
	s.AppendMessage(jid, key2)
	if got := s.Snapshot(jid).Messages; len(got) != 2 {
		t.Fatalf("Messages = %v, want 2 entries", got)
	}

	if removed := s.RemoveMessage(jid, "A"); !removed {
		t.Fatal("RemoveMessage(A) reported not found")
	}
	if got := s.Snapshot(jid).Messages; len(got) != 1 || got[0].ID != "B" {
		t.Fatalf("Messages after removing A = %v, want only B", got)
	}
	if removed := s.RemoveMessage(jid, "A"); removed {
		t.Fatal("RemoveMessage(A) reported found on a second call")
	}
}

func TestIncrementUnreadAndClearArchived(t *testing.T) {
	s := NewChatStore()
	jid := types.NewJID("111", types.DefaultUserServer)
	s.SetArchived(jid, true)

	s.IncrementUnread(jid)
	s.IncrementUnread(jid)
	snap := s.Snapshot(jid)
	if snap.UnreadCount != 2 {
		t.Fatalf("UnreadCount = %d, want 2", snap.UnreadCount)
	}
	if !snap.Archived {
		t.Fatal("Archived = false before ClearArchived was called")
	}

	s.ClearArchived(jid)
	if s.Snapshot(jid).Archived {
		t.Fatal("Archived = true after ClearArchived")
	}
}

func TestSetEphemeralDuration(t *testing.T) {
	s := NewChatStore()
	jid := types.NewJID("111", types.DefaultUserServer)
	s.SetEphemeralDuration(jid, 7*24*time.Hour)
	if got := s.Snapshot(jid).EphemeralDuration; got != 7*24*time.Hour {
		t.Fatalf("EphemeralDuration = %v, want 7 days", got)
	}
}
