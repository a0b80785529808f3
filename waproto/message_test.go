package waproto

import (
	"bytes"
	"testing"
)

func TestMarshalUnmarshalConversation(t *testing.T) {
	m := &Message{Conversation: "hello there"}
	data := Marshal(m)
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Conversation != m.Conversation {
		t.Fatalf("Conversation = %q, want %q", got.Conversation, m.Conversation)
	}
	if got.IsEmpty() {
		t.Fatal("IsEmpty() = true for a populated message")
	}
}

func TestMarshalUnmarshalExtendedText(t *testing.T) {
	m := &Message{ExtendedTextMessage: &ExtendedTextMessage{Text: "quoted reply", QuotedID: "3EB0AAA"}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.ExtendedTextMessage == nil {
		t.Fatal("ExtendedTextMessage did not round-trip")
	}
	if got.ExtendedTextMessage.Text != "quoted reply" || got.ExtendedTextMessage.QuotedID != "3EB0AAA" {
		t.Fatalf("ExtendedTextMessage = %+v, want Text=quoted reply QuotedID=3EB0AAA", got.ExtendedTextMessage)
	}
}

func TestMarshalUnmarshalProtocolRevoke(t *testing.T) {
	m := &Message{ProtocolMessage: &ProtocolMessage{
		Type: ProtocolMessageRevoke,
		Key:  &MessageKeyProto{ID: "3EB0ABC", ChatJID: "111@s.whatsapp.net", FromMe: true, SenderJID: "111@s.whatsapp.net"},
	}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	pm := got.ProtocolMessage
	if pm == nil {
		t.Fatal("ProtocolMessage did not round-trip")
	}
	if pm.Type != ProtocolMessageRevoke {
		t.Fatalf("Type = %d, want %d", pm.Type, ProtocolMessageRevoke)
	}
	if pm.Key == nil || pm.Key.ID != "3EB0ABC" || !pm.Key.FromMe {
		t.Fatalf("Key = %+v, want ID=3EB0ABC FromMe=true", pm.Key)
	}
}

func TestMarshalUnmarshalHistorySyncNotification(t *testing.T) {
	m := &Message{ProtocolMessage: &ProtocolMessage{
		Type: ProtocolMessageHistorySyncNotification,
		HistorySyncNotification: &HistorySyncNotification{
			DirectPath: "/v/blob",
			MediaKey:   []byte{1, 2, 3, 4},
			FileLength: 9001,
			FileSHA256: []byte{5, 6, 7, 8},
			SyncType:   2,
		},
	}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	hsn := got.ProtocolMessage.HistorySyncNotification
	if hsn == nil {
		t.Fatal("HistorySyncNotification did not round-trip")
	}
	if hsn.DirectPath != "/v/blob" || hsn.FileLength != 9001 || hsn.SyncType != 2 {
		t.Fatalf("HistorySyncNotification = %+v, want DirectPath=/v/blob FileLength=9001 SyncType=2", hsn)
	}
	if !bytes.Equal(hsn.MediaKey, []byte{1, 2, 3, 4}) {
		t.Fatalf("MediaKey = %v, want [1 2 3 4]", hsn.MediaKey)
	}
}

func TestMarshalUnmarshalAppStateSyncKeyShare(t *testing.T) {
	m := &Message{ProtocolMessage: &ProtocolMessage{
		Type:                 ProtocolMessageAppStateSyncKeyShare,
		AppStateSyncKeyShare: &AppStateSyncKeyShare{KeyIDs: [][]byte{{1}, {2, 2}}},
	}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	share := got.ProtocolMessage.AppStateSyncKeyShare
	if share == nil || len(share.KeyIDs) != 2 {
		t.Fatalf("AppStateSyncKeyShare = %+v, want 2 key ids", share)
	}
	if !bytes.Equal(share.KeyIDs[1], []byte{2, 2}) {
		t.Fatalf("KeyIDs[1] = %v, want [2 2]", share.KeyIDs[1])
	}
}

func TestMarshalUnmarshalSenderKeyDistribution(t *testing.T) {
	m := &Message{SenderKeyDistributionMessage: &SenderKeyDistributionMessage{
		GroupID:                             "1234-5678@g.us",
		AxolotlSenderKeyDistributionMessage: []byte("distribution-bytes"),
	}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	skdm := got.SenderKeyDistributionMessage
	if skdm == nil || skdm.GroupID != "1234-5678@g.us" {
		t.Fatalf("SenderKeyDistributionMessage = %+v, want GroupID=1234-5678@g.us", skdm)
	}
	if !bytes.Equal(skdm.AxolotlSenderKeyDistributionMessage, []byte("distribution-bytes")) {
		t.Fatalf("AxolotlSenderKeyDistributionMessage = %q, want %q", skdm.AxolotlSenderKeyDistributionMessage, "distribution-bytes")
	}
}

func TestMarshalUnmarshalDeviceSentWrapsInner(t *testing.T) {
	m := &Message{DeviceSentMessage: &DeviceSentMessage{
		DestinationJID: "111@s.whatsapp.net",
		Message:        &Message{Conversation: "mirrored"},
		Phash:          "abc",
	}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	dsm := got.DeviceSentMessage
	if dsm == nil || dsm.DestinationJID != "111@s.whatsapp.net" || dsm.Phash != "abc" {
		t.Fatalf("DeviceSentMessage = %+v, want DestinationJID/Phash set", dsm)
	}
	if dsm.Message == nil || dsm.Message.Conversation != "mirrored" {
		t.Fatalf("DeviceSentMessage.Message = %+v, want Conversation=mirrored", dsm.Message)
	}
}

func TestContentUnboxesViewOnceAndEphemeral(t *testing.T) {
	inner := &Message{Conversation: "secret"}
	wrapped := &Message{ViewOnceMessage: &Message{EphemeralMessage: inner}}
	content := wrapped.Content()
	if content.Conversation != "secret" {
		t.Fatalf("Content() = %+v, want unboxed Conversation=secret", content)
	}
}

func TestIsEmptyMessage(t *testing.T) {
	if !(&Message{}).IsEmpty() {
		t.Fatal("IsEmpty() = false for a bare Message{}")
	}
	if (&Message{Conversation: "x"}).IsEmpty() {
		t.Fatal("IsEmpty() = true for a message with Conversation set")
	}
}

func TestMarshalUnmarshalReaction(t *testing.T) {
	m := &Message{ReactionMessage: &ReactionMessage{
		Key:               &MessageKeyProto{ID: "3EB0XYZ", ChatJID: "111@s.whatsapp.net"},
		Text:              "\U0001F44D",
		SenderTimestampMS: 1700000000000,
	}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	r := got.ReactionMessage
	if r == nil || r.Text != "\U0001F44D" || r.SenderTimestampMS != 1700000000000 {
		t.Fatalf("ReactionMessage = %+v, want Text/SenderTimestampMS set", r)
	}
	if r.Key == nil || r.Key.ID != "3EB0XYZ" {
		t.Fatalf("ReactionMessage.Key = %+v, want ID=3EB0XYZ", r.Key)
	}
}

func TestMarshalUnmarshalMediaAndOtherVariants(t *testing.T) {
	m := &Message{
		ImageMessage: &MediaMessage{URL: "https://example/img", MimeType: "image/jpeg", Caption: "cap", MediaKey: []byte{9, 9}},
		Other:        map[string][]byte{VariantListMessage: []byte("raw-list-payload")},
	}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.ImageMessage == nil || got.ImageMessage.URL != "https://example/img" || got.ImageMessage.MimeType != "image/jpeg" {
		t.Fatalf("ImageMessage = %+v, want URL/MimeType set", got.ImageMessage)
	}
	if !bytes.Equal(got.ImageMessage.MediaKey, []byte{9, 9}) {
		t.Fatalf("ImageMessage.MediaKey = %v, want [9 9]", got.ImageMessage.MediaKey)
	}
	if raw, ok := got.Other[VariantListMessage]; !ok || !bytes.Equal(raw, []byte("raw-list-payload")) {
		t.Fatalf("Other[%s] = %v, want raw-list-payload", VariantListMessage, raw)
	}
}

func TestMarshalUnmarshalLocation(t *testing.T) {
	m := &Message{LocationMessage: &LocationMessage{Latitude: 37.7749, Longitude: -122.4194, Name: "office"}}
	got, err := Unmarshal(Marshal(m))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	l := got.LocationMessage
	if l == nil || l.Name != "office" {
		t.Fatalf("LocationMessage = %+v, want Name=office", l)
	}
	if l.Latitude != 37.7749 || l.Longitude != -122.4194 {
		t.Fatalf("LocationMessage = %+v, want Latitude=37.7749 Longitude=-122.4194", l)
	}
}
