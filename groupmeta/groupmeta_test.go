package groupmeta

import (
	"testing"

	"wacore/types"
)

func TestPutThenGet(t *testing.T) {
	c := New()
	group := types.NewJID("1234-5678", types.GroupServer)
	meta := Metadata{
		JID:          group,
		OwnerJID:     types.NewJID("111", types.DefaultUserServer),
		Participants: []types.JID{types.NewJID("111", types.DefaultUserServer), types.NewJID("222", types.DefaultUserServer)},
	}
	c.Put(meta)

	got, ok := c.Get(group)
	if !ok {
		t.Fatal("Get missed right after Put")
	}
	if got.OwnerJID != meta.OwnerJID || len(got.Participants) != 2 {
		t.Fatalf("Get() = %+v, want %+v", got, meta)
	}
}

func TestGetMiss(t *testing.T) {
	c := New()
	if _, ok := c.Get(types.NewJID("9999-9999", types.GroupServer)); ok {
		t.Fatal("Get reported a hit for a group never Put")
	}
}

func TestInvalidate(t *testing.T) {
	c := New()
	group := types.NewJID("1234-5678", types.GroupServer)
	c.Put(Metadata{JID: group})
	c.Invalidate(group)

	if _, ok := c.Get(group); ok {
		t.Fatal("Get hit after Invalidate")
	}
}
