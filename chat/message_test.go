package chat

import (
	"errors"
	"testing"
	"time"
)

func TestMessage_Validate(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{
			name: "Text",
			msg:  Message{SenderID: "a", ReceiverID: "b", Payload: TextPayload("hi"), Timestamp: now},
		},
		{
			name: "Audio",
			msg:  Message{SenderID: "a", ReceiverID: "b", Payload: AudioPayload("https://x/voice.mp3", "audio/mpeg"), Timestamp: now},
		},
		{
			name: "BlankText",
			msg:  Message{SenderID: "a", ReceiverID: "b", Payload: TextPayload(" \n"), Timestamp: now},
			want: ErrEmptyMessage,
		},
		{
			name: "TextAndFile",
			msg: Message{SenderID: "a", ReceiverID: "b", Timestamp: now,
				Payload: Payload{Text: "see attached", FileLocator: "https://x/f.pdf", FileMimeType: "application/pdf"}},
			want: ErrAmbiguousPayload,
		},
		{
			name: "FileWithoutType",
			msg:  Message{SenderID: "a", ReceiverID: "b", Payload: FilePayload("https://x/f", ""), Timestamp: now},
			want: ErrMissingContentType,
		},
		{
			name: "NoReceiver",
			msg:  Message{SenderID: "a", Payload: TextPayload("hi"), Timestamp: now},
			want: ErrMissingParticipant,
		},
		{
			name: "ToSelf",
			msg:  Message{SenderID: "a", ReceiverID: "a", Payload: TextPayload("hi"), Timestamp: now},
			want: ErrSelfConversation,
		},
		{
			name: "NoTimestamp",
			msg:  Message{SenderID: "a", ReceiverID: "b", Payload: TextPayload("hi")},
			want: ErrMissingTimestamp,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("Validate() error = %v, want nil", err)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConversationKey(t *testing.T) {
	ab, err := NewConversationKey("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	ba, _ := NewConversationKey("bob", "alice")
	if ab != ba {
		t.Errorf("Keys differ by direction: %v != %v", ab, ba)
	}
	if got := ab.Peer("bob"); got != "alice" {
		t.Errorf("Peer(bob) = %q, want alice", got)
	}
	if _, err := NewConversationKey("alice", "alice"); !errors.Is(err, ErrSelfConversation) {
		t.Errorf("NewConversationKey(alice, alice) error = %v, want %v", err, ErrSelfConversation)
	}
	if _, err := NewConversationKey("", "bob"); !errors.Is(err, ErrMissingParticipant) {
		t.Errorf("NewConversationKey(\"\", bob) error = %v, want %v", err, ErrMissingParticipant)
	}

	tests := []struct {
		from, to string
		want     bool
	}{
		{"alice", "bob", true},
		{"bob", "alice", true},
		{"alice", "alice", false},
		{"alice", "carol", false},
		{"carol", "bob", false},
	}
	for _, tt := range tests {
		if got := ab.Matches(Message{SenderID: tt.from, ReceiverID: tt.to}); got != tt.want {
			t.Errorf("Matches(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
		// The store query may select more than the pair but never less.
		if tt.want && !QueryConversation(ab).Matches(Message{SenderID: tt.from, ReceiverID: tt.to}) {
			t.Errorf("Query does not select %s -> %s", tt.from, tt.to)
		}
	}
}

func TestSortMessages(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "c", Timestamp: t0.Add(time.Second), Seq: 1},
		{ID: "b", Timestamp: t0, Seq: 3},
		{ID: "a", Timestamp: t0, Seq: 2},
	}
	SortMessages(msgs)
	var got string
	for _, m := range msgs {
		got += m.ID
	}
	if got != "abc" {
		t.Errorf("Order = %q, want %q", got, "abc")
	}
	if v := Version(msgs); v != 3 {
		t.Errorf("Version() = %d, want 3", v)
	}
}
