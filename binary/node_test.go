package binary

import "testing"

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	n := Node{
		Tag:   "message",
		Attrs: Attrs{"id": "3EB0ABCDEF", "to": "111@s.whatsapp.net", "type": "text"},
		Content: []Node{
			{Tag: "participants", Content: []Node{
				{Tag: "to", Attrs: Attrs{"jid": "111:1@s.whatsapp.net"}, Content: []Node{
					{Tag: "enc", Attrs: Attrs{"v": "2", "type": "pkmsg"}, Content: []byte("ciphertext")},
				}},
			}},
		},
	}

	data, err := Marshal(n)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got.Tag != n.Tag {
		t.Fatalf("Tag = %q, want %q", got.Tag, n.Tag)
	}
	if got.Attrs["id"] != "3EB0ABCDEF" {
		t.Fatalf("Attrs[id] = %v, want 3EB0ABCDEF", got.Attrs["id"])
	}
	participants := got.GetChildByTag("participants")
	toNode := participants.GetChildByTag("to")
	if toNode.Attrs["jid"] != "111:1@s.whatsapp.net" {
		t.Fatalf("nested <to jid> = %v, want 111:1@s.whatsapp.net", toNode.Attrs["jid"])
	}
	enc := toNode.GetChildByTag("enc")
	if string(enc.ContentBytes()) != "ciphertext" {
		t.Fatalf("enc content = %q, want %q", enc.ContentBytes(), "ciphertext")
	}
}

func TestMarshalEmptyNode(t *testing.T) {
	n := Node{Tag: "ack", Attrs: Attrs{"class": "receipt"}}
	data, err := Marshal(n)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Content != nil {
		t.Fatalf("Content = %v, want nil", got.Content)
	}
}

func TestAttrGetterChaining(t *testing.T) {
	n := Node{Tag: "message", Attrs: Attrs{
		"from": "111:1@s.whatsapp.net",
		"id":   "ABC",
		"t":    "1700000000",
	}}
	ag := n.AttrGetter()
	from := ag.JID("from")
	id := ag.String("id")
	ts := ag.UnixTime("t")
	if !ag.OK() {
		t.Fatalf("AttrGetter reported an error: %v", ag.Error())
	}
	if from.User != "111" || from.Device != 1 {
		t.Fatalf("from = %+v, want user=111 device=1", from)
	}
	if id != "ABC" || ts != 1700000000 {
		t.Fatalf("id=%q ts=%d, want ABC/1700000000", id, ts)
	}
}

func TestAttrGetterMissingLatchesError(t *testing.T) {
	n := Node{Tag: "message", Attrs: Attrs{}}
	ag := n.AttrGetter()
	_ = ag.String("missing")
	if ag.OK() {
		t.Fatal("AttrGetter.OK() = true after reading a missing attribute")
	}
	// A second read must not overwrite the first error.
	first := ag.Error()
	_ = ag.Int("also-missing")
	if ag.Error() == nil {
		t.Fatal("AttrGetter.Error() = nil after a failed read")
	}
	if ag.Error() != first {
		t.Fatalf("AttrGetter.Error() = %v after a second failed read, want the first error %v", ag.Error(), first)
	}
}

func TestGetOptionalChildByTag(t *testing.T) {
	n := Node{Tag: "message", Content: []Node{{Tag: "unavailable"}}}
	child, ok := n.GetOptionalChildByTag("unavailable")
	if !ok || child.Tag != "unavailable" {
		t.Fatal("GetOptionalChildByTag did not find the <unavailable/> child")
	}
	if _, ok := n.GetOptionalChildByTag("enc"); ok {
		t.Fatal("GetOptionalChildByTag found a child that isn't present")
	}
}
