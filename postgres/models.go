package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/GetStream/duochat/chat"
)

// A message represents a message in the database.
type message struct {
	bun.BaseModel `bun:"table:messages"`

	ID            string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	Seq           int64     `bun:",nullzero,notnull,default:nextval('messages_seq_seq')"`
	SenderID      string    `bun:",notnull"`
	ReceiverID    string    `bun:",notnull"`
	MessageText   string    `bun:"message_text,notnull"`
	AudioLocator  string    `bun:",notnull"`
	AudioMimeType string    `bun:",notnull"`
	FileLocator   string    `bun:",notnull"`
	FileMimeType  string    `bun:",notnull"`
	SentAt        time.Time `bun:",notnull"`
}

// A user represents a user profile in the database.
type user struct {
	bun.BaseModel `bun:"table:users"`

	ID    string `bun:",pk"`
	Name  string `bun:",notnull"`
	Email string `bun:",notnull"`
}

func newMessage(m chat.Message) *message {
	return &message{
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		MessageText:   m.Text,
		AudioLocator:  m.AudioLocator,
		AudioMimeType: m.AudioMimeType,
		FileLocator:   m.FileLocator,
		FileMimeType:  m.FileMimeType,
		SentAt:        m.Timestamp.UTC(),
	}
}

func (m message) ChatMessage() chat.Message {
	return chat.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Payload: chat.Payload{
			Text:          m.MessageText,
			AudioLocator:  m.AudioLocator,
			AudioMimeType: m.AudioMimeType,
			FileLocator:   m.FileLocator,
			FileMimeType:  m.FileMimeType,
		},
		Timestamp: m.SentAt.UTC(),
		Seq:       m.Seq,
	}
}

func (u user) Profile() chat.Profile {
	return chat.Profile{ID: u.ID, Name: u.Name, Email: u.Email}
}
