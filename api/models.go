package api

import (
	"io"
	"mime/multipart"

	"github.com/GetStream/duochat/chat"
)

// A User is the public view of a profile.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func newUser(p chat.Profile) User {
	return User{ID: p.ID, Name: p.Name, Email: p.Email}
}

// A Message is the wire form of a stored message.
type Message struct {
	ID            string `json:"id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	Text          string `json:"text,omitempty"`
	AudioLocator  string `json:"audio_locator,omitempty"`
	AudioMimeType string `json:"audio_mime_type,omitempty"`
	FileLocator   string `json:"file_locator,omitempty"`
	FileMimeType  string `json:"file_mime_type,omitempty"`
	Timestamp     string `json:"timestamp"`
	Seq           int64  `json:"seq"`
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func newMessage(m chat.Message) Message {
	return Message{
		ID:            m.ID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Text:          m.Text,
		AudioLocator:  m.AudioLocator,
		AudioMimeType: m.AudioMimeType,
		FileLocator:   m.FileLocator,
		FileMimeType:  m.FileMimeType,
		Timestamp:     m.Timestamp.UTC().Format(timeFormat),
		Seq:           m.Seq,
	}
}

func newMessages(msgs []chat.Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = newMessage(m)
	}
	return out
}

// formFile is a multipart upload used as an attachment source.
type formFile struct {
	fh *multipart.FileHeader
}

func (f formFile) Name() string        { return f.fh.Filename }
func (f formFile) ContentType() string { return f.fh.Header.Get("Content-Type") }
func (f formFile) Size() int64         { return f.fh.Size }

func (f formFile) Open() (io.ReadCloser, error) {
	return f.fh.Open()
}
