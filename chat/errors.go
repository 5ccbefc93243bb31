package chat

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage       = errors.New("chat: empty message")
	ErrAmbiguousPayload   = errors.New("chat: message carries more than one payload")
	ErrMissingContentType = errors.New("chat: attachment without content type")
	ErrMissingParticipant = errors.New("chat: sender and receiver are required")
	ErrSelfConversation   = errors.New("chat: sender and receiver must differ")
	ErrMissingTimestamp   = errors.New("chat: message timestamp is required")
	ErrForeignMessage     = errors.New("chat: message does not belong to the conversation")
	ErrProfileNotFound    = errors.New("chat: profile not found")
)

// A WriteError is returned when a message could not be appended. It carries
// the attempted message so the caller can retry it.
type WriteError struct {
	Message Message
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("chat: append message from %s: %v", e.Message.SenderID, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
