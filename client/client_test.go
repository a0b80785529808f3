package client

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/rs/zerolog"

	wabinary "wacore/binary"
	"wacore/groupmeta"
	"wacore/handler"
	"wacore/types"
)

// fakeSocket is an in-memory client.Socket: SendFrame appends to sent, and a
// test drives replies by pushing frames into the frames channel directly.
type fakeSocket struct {
	sent   chan []byte
	frames chan []byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{sent: make(chan []byte, 8), frames: make(chan []byte, 8)}
}

func (f *fakeSocket) SendFrame(data []byte) error {
	f.sent <- data
	return nil
}

func (f *fakeSocket) Frames() <-chan []byte { return f.frames }

func (f *fakeSocket) pushNode(t *testing.T, n wabinary.Node) {
	t.Helper()
	data, err := wabinary.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal(%v) failed: %v", n, err)
	}
	f.frames <- data
}

// awaitSentIQID blocks until the client sends a node, decodes it, and
// returns its id attribute.
func (f *fakeSocket) awaitSentIQID(t *testing.T) string {
	t.Helper()
	select {
	case data := <-f.sent:
		n, err := wabinary.Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal sent frame failed: %v", err)
		}
		id, _ := n.Attrs["id"].(string)
		if id == "" {
			t.Fatal("sent iq has no id attribute")
		}
		return id
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client to send a frame")
		return ""
	}
}

func TestSendIQMatchesResponseByID(t *testing.T) {
	sock := newFakeSocket()
	c := New(sock, zerolog.Nop())

	resultCh := make(chan wabinary.Node, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := c.SendIQ(context.Background(), wabinary.Node{Tag: "iq", Attrs: wabinary.Attrs{"type": "get"}})
		resultCh <- resp
		errCh <- err
	}()

	id := sock.awaitSentIQID(t)
	sock.pushNode(t, wabinary.Node{Tag: "iq", Attrs: wabinary.Attrs{"id": id, "type": "result"}})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("SendIQ returned an error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendIQ to return")
	}
	resp := <-resultCh
	if resp.Attrs["id"] != id {
		t.Fatalf("SendIQ result id = %v, want %v", resp.Attrs["id"], id)
	}
}

func TestSendIQTimesOutWithoutResponse(t *testing.T) {
	sock := newFakeSocket()
	c := New(sock, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.SendIQ(ctx, wabinary.Node{Tag: "iq", Attrs: wabinary.Attrs{"type": "get"}})
	if err == nil {
		t.Fatal("SendIQ succeeded without any response being pushed, want a timeout error")
	}
}

func TestUnsolicitedNodesGoToCallback(t *testing.T) {
	sock := newFakeSocket()
	c := New(sock, zerolog.Nop())

	received := make(chan wabinary.Node, 1)
	c.OnUnsolicited = func(n wabinary.Node) { received <- n }

	sock.pushNode(t, wabinary.Node{Tag: "message", Attrs: wabinary.Attrs{"id": "abc"}})

	select {
	case n := <-received:
		if n.Tag != "message" {
			t.Fatalf("OnUnsolicited got tag %q, want message", n.Tag)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnUnsolicited to fire")
	}
}

func beBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func TestResolveDevicesParsesUsyncResponse(t *testing.T) {
	sock := newFakeSocket()
	c := New(sock, zerolog.Nop())

	user := types.NewJID("111", types.DefaultUserServer)

	resultCh := make(chan map[string][]types.JID, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := c.ResolveDevices(context.Background(), []types.JID{user})
		resultCh <- out
		errCh <- err
	}()

	id := sock.awaitSentIQID(t)
	resp := wabinary.Node{
		Tag:   "iq",
		Attrs: wabinary.Attrs{"id": id, "type": "result"},
		Content: []wabinary.Node{{
			Tag: "usync",
			Content: []wabinary.Node{{
				Tag: "list",
				Content: []wabinary.Node{{
					Tag:   "user",
					Attrs: wabinary.Attrs{"jid": user.String()},
					Content: []wabinary.Node{{
						Tag: "devices",
						Content: []wabinary.Node{{
							Tag: "device-list",
							Content: []wabinary.Node{
								{Tag: "device", Attrs: wabinary.Attrs{"id": "1", "description": "device", "key-index": "0"}},
								{Tag: "device", Attrs: wabinary.Attrs{"id": "2", "description": "device", "key-index": "1"}},
							},
						}},
					}},
				}},
			}},
		}},
	}
	sock.pushNode(t, resp)

	if err := <-errCh; err != nil {
		t.Fatalf("ResolveDevices failed: %v", err)
	}
	out := <-resultCh
	devices := out[user.ToNonAD().String()]
	if len(devices) != 2 {
		t.Fatalf("ResolveDevices returned %d devices, want 2", len(devices))
	}
	seen := map[uint16]bool{}
	for _, d := range devices {
		seen[d.Device] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("ResolveDevices devices = %v, want device ids 1 and 2", devices)
	}
}

// TestResolveDevicesAppliesQualifyingFilter covers spec §4.4 step 4: a
// device-list child only counts as a device if it's tagged "device" and, for
// any device id other than 0, carries a "key-index" attribute.
func TestResolveDevicesAppliesQualifyingFilter(t *testing.T) {
	sock := newFakeSocket()
	c := New(sock, zerolog.Nop())

	user := types.NewJID("111", types.DefaultUserServer)

	resultCh := make(chan map[string][]types.JID, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := c.ResolveDevices(context.Background(), []types.JID{user})
		resultCh <- out
		errCh <- err
	}()

	id := sock.awaitSentIQID(t)
	resp := wabinary.Node{
		Tag:   "iq",
		Attrs: wabinary.Attrs{"id": id, "type": "result"},
		Content: []wabinary.Node{{
			Tag: "usync",
			Content: []wabinary.Node{{
				Tag: "list",
				Content: []wabinary.Node{{
					Tag:   "user",
					Attrs: wabinary.Attrs{"jid": user.String()},
					Content: []wabinary.Node{{
						Tag: "devices",
						Content: []wabinary.Node{{
							Tag: "device-list",
							Content: []wabinary.Node{
								{Tag: "device", Attrs: wabinary.Attrs{"id": "0", "description": "device"}},
								{Tag: "device", Attrs: wabinary.Attrs{"id": "1", "description": "device", "key-index": "0"}},
								{Tag: "device", Attrs: wabinary.Attrs{"id": "2", "description": "device"}},
								{Tag: "device", Attrs: wabinary.Attrs{"id": "3", "description": "hidden", "key-index": "0"}},
							},
						}},
					}},
				}},
			}},
		}},
	}
	sock.pushNode(t, resp)

	if err := <-errCh; err != nil {
		t.Fatalf("ResolveDevices failed: %v", err)
	}
	out := <-resultCh
	devices := out[user.ToNonAD().String()]
	seen := map[uint16]bool{}
	for _, d := range devices {
		seen[d.Device] = true
	}
	if len(devices) != 2 || !seen[0] || !seen[1] {
		t.Fatalf("ResolveDevices devices = %v, want only device ids 0 and 1 (2 lacks key-index, 3 isn't description=device)", devices)
	}
}

func TestFetchGroupMetadataParsesParticipants(t *testing.T) {
	sock := newFakeSocket()
	c := New(sock, zerolog.Nop())

	chat := types.NewJID("1234-5678", types.GroupServer)
	owner := types.NewJID("111", types.DefaultUserServer)
	p1 := types.NewJID("222", types.DefaultUserServer)
	p2 := types.NewJID("333", types.DefaultUserServer)

	type outcome struct {
		meta groupmeta.Metadata
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		meta, err := c.FetchGroupMetadata(context.Background(), chat)
		resultCh <- outcome{meta, err}
	}()

	id := sock.awaitSentIQID(t)
	sock.pushNode(t, wabinary.Node{
		Tag:   "iq",
		Attrs: wabinary.Attrs{"id": id, "type": "result"},
		Content: []wabinary.Node{{
			Tag:   "group",
			Attrs: wabinary.Attrs{"creator": owner.String()},
			Content: []wabinary.Node{
				{Tag: "participant", Attrs: wabinary.Attrs{"jid": p1.String()}},
				{Tag: "participant", Attrs: wabinary.Attrs{"jid": p2.String()}},
			},
		}},
	})

	got := <-resultCh
	if got.err != nil {
		t.Fatalf("FetchGroupMetadata failed: %v", got.err)
	}
	if got.meta.OwnerJID != owner {
		t.Fatalf("FetchGroupMetadata OwnerJID = %v, want %v", got.meta.OwnerJID, owner)
	}
	if len(got.meta.Participants) != 2 {
		t.Fatalf("FetchGroupMetadata Participants = %v, want 2 entries", got.meta.Participants)
	}
}

func TestFetchPreKeyBundlesParsesPerUserEntries(t *testing.T) {
	sock := newFakeSocket()
	c := New(sock, zerolog.Nop())

	dev := types.NewADJID("111", 1, types.DefaultUserServer)
	var identityPub, signedPub, preKeyPub [32]byte
	identityPub[0], signedPub[0], preKeyPub[0] = 1, 2, 3

	resultCh := make(chan error, 1)
	var bundles map[types.JID]*handler.PreKeyBundleResult
	go func() {
		out, err := c.FetchPreKeyBundles(context.Background(), []types.JID{dev})
		bundles = out
		resultCh <- err
	}()

	id := sock.awaitSentIQID(t)
	userNode := wabinary.Node{
		Tag:   "user",
		Attrs: wabinary.Attrs{"jid": dev.String()},
		Content: []wabinary.Node{
			{Tag: "registration", Content: beBytes(42)},
			{Tag: "identity", Content: identityPub[:]},
			{Tag: "key", Content: []wabinary.Node{
				{Tag: "id", Content: beBytes(7)},
				{Tag: "value", Content: preKeyPub[:]},
			}},
			{Tag: "skey", Content: []wabinary.Node{
				{Tag: "id", Content: beBytes(9)},
				{Tag: "value", Content: signedPub[:]},
				{Tag: "signature", Content: make([]byte, 64)},
			}},
		},
	}
	sock.pushNode(t, wabinary.Node{
		Tag:     "iq",
		Attrs:   wabinary.Attrs{"id": id, "type": "result"},
		Content: []wabinary.Node{{Tag: "list", Content: []wabinary.Node{userNode}}},
	})

	if err := <-resultCh; err != nil {
		t.Fatalf("FetchPreKeyBundles failed: %v", err)
	}
	result, ok := bundles[dev]
	if !ok {
		t.Fatalf("FetchPreKeyBundles did not return an entry for %v", dev)
	}
	if result.Err != nil {
		t.Fatalf("FetchPreKeyBundles entry has an error: %v", result.Err)
	}
	if result.Bundle == nil {
		t.Fatal("FetchPreKeyBundles entry has a nil Bundle")
	}
}
