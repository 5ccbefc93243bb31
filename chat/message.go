package chat

import (
	"fmt"
	"strings"
	"time"
)

// A Payload holds the content of a message. Exactly one variant is set.
type Payload struct {
	Text          string `json:"text,omitempty"`
	AudioLocator  string `json:"audio_locator,omitempty"`
	AudioMimeType string `json:"audio_mime_type,omitempty"`
	FileLocator   string `json:"file_locator,omitempty"`
	FileMimeType  string `json:"file_mime_type,omitempty"`
}

// TextPayload returns a text payload.
func TextPayload(text string) Payload {
	return Payload{Text: text}
}

// AudioPayload returns a voice note payload.
func AudioPayload(locator, mimeType string) Payload {
	return Payload{AudioLocator: locator, AudioMimeType: mimeType}
}

// FilePayload returns a file attachment payload.
func FilePayload(locator, mimeType string) Payload {
	return Payload{FileLocator: locator, FileMimeType: mimeType}
}

// HasLocator reports whether the payload references a stored object.
func (p Payload) HasLocator() bool {
	return p.AudioLocator != "" || p.FileLocator != ""
}

// Validate checks that exactly one payload variant is populated.
func (p Payload) Validate() error {
	n := 0
	if strings.TrimSpace(p.Text) != "" {
		n++
	}
	if p.AudioLocator != "" {
		n++
		if p.AudioMimeType == "" {
			return fmt.Errorf("%w: audio", ErrMissingContentType)
		}
	}
	if p.FileLocator != "" {
		n++
		if p.FileMimeType == "" {
			return fmt.Errorf("%w: file", ErrMissingContentType)
		}
	}
	switch {
	case n == 0:
		return ErrEmptyMessage
	case n > 1:
		return ErrAmbiguousPayload
	}
	return nil
}

// A Message is a single immutable event in a conversation.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Payload              // flattened into the JSON object
	Timestamp  time.Time `json:"timestamp"`
	// Seq is the insertion sequence assigned by the store. It breaks ties
	// between equal timestamps.
	Seq int64 `json:"seq"`
}

// Validate checks the message before it is handed to a store.
func (m Message) Validate() error {
	if m.SenderID == "" || m.ReceiverID == "" {
		return ErrMissingParticipant
	}
	if m.SenderID == m.ReceiverID {
		return ErrSelfConversation
	}
	if m.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return m.Payload.Validate()
}

// Key returns the conversation the message belongs to.
func (m Message) Key() ConversationKey {
	return ConversationKey{A: min(m.SenderID, m.ReceiverID), B: max(m.SenderID, m.ReceiverID)}
}

// Before reports whether m sorts before o in a conversation.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.Seq < o.Seq
}

// A ConversationKey is the unordered pair of participants of a conversation.
// A is always the lesser identifier.
type ConversationKey struct {
	A string
	B string
}

// NewConversationKey returns the key for the conversation between self and
// peer.
func NewConversationKey(self, peer string) (ConversationKey, error) {
	if self == "" || peer == "" {
		return ConversationKey{}, ErrMissingParticipant
	}
	if self == peer {
		return ConversationKey{}, ErrSelfConversation
	}
	return ConversationKey{A: min(self, peer), B: max(self, peer)}, nil
}

// Participants returns both participant identifiers.
func (k ConversationKey) Participants() []string {
	return []string{k.A, k.B}
}

// Contains reports whether id is one of the participants.
func (k ConversationKey) Contains(id string) bool {
	return id != "" && (id == k.A || id == k.B)
}

// Matches reports whether msg was exchanged between the two participants.
func (k ConversationKey) Matches(msg Message) bool {
	return msg.SenderID != msg.ReceiverID && k.Contains(msg.SenderID) && k.Contains(msg.ReceiverID)
}

// Peer returns the participant that is not self.
func (k ConversationKey) Peer(self string) string {
	if self == k.A {
		return k.B
	}
	return k.A
}

func (k ConversationKey) String() string {
	return k.A + ":" + k.B
}
