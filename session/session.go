// Package session binds two participants to a live conversation and turns
// user actions into messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/GetStream/duochat/attachment"
	"github.com/GetStream/duochat/capture"
	"github.com/GetStream/duochat/chat"
)

var (
	ErrNothingToSend = errors.New("session: nothing to send")
	ErrClosed        = errors.New("session: closed")
	ErrNotOwnMessage = errors.New("session: message was not sent by this session")
)

// Config holds the collaborators of a session.
type Config struct {
	Channel  *chat.Channel
	Uploader capture.Uploader
	// Audio is the microphone. Recording fails with
	// capture.ErrDeviceUnavailable when it is nil.
	Audio capture.AudioInput
	// Directory, when set, is used to check that the peer exists.
	Directory chat.Directory
	Logger    *slog.Logger
	// Clock assigns message timestamps. Sessions sharing a Clock keep the
	// timestamps of each sender non-decreasing across them. Defaults to a
	// clock of its own reading time.Now.
	Clock *chat.Clock
	// OnUpdate is called after every change of the message list.
	OnUpdate func(chat.Update)
}

// Session is one participant's view of a conversation with a peer.
type Session struct {
	self     string
	peer     chat.Profile
	key      chat.ConversationKey
	channel  *chat.Channel
	capture  *capture.Machine
	sub      *chat.Subscription
	logger   *slog.Logger
	clock    *chat.Clock
	onUpdate func(chat.Update)

	// sendMu keeps timestamp assignment and append in one step.
	sendMu sync.Mutex

	mu       sync.Mutex
	messages []chat.Message
	stale    bool
	closed   bool
}

// Open starts a session for selfID talking to peerID.
func Open(ctx context.Context, cfg Config, selfID, peerID string) (*Session, error) {
	key, err := chat.NewConversationKey(selfID, peerID)
	if err != nil {
		return nil, err
	}
	if cfg.Channel == nil {
		return nil, errors.New("session: channel is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("self", selfID, "peer", peerID)

	peer := chat.Profile{ID: peerID}
	if cfg.Directory != nil {
		if peer, err = cfg.Directory.Profile(ctx, peerID); err != nil {
			return nil, fmt.Errorf("look up peer: %w", err)
		}
	}

	s := &Session{
		self:     selfID,
		peer:     peer,
		key:      key,
		channel:  cfg.Channel,
		capture:  capture.New(selfID, cfg.Audio, cfg.Uploader, logger),
		logger:   logger,
		clock:    cfg.Clock,
		onUpdate: cfg.OnUpdate,
	}
	if s.clock == nil {
		s.clock = chat.NewClock(nil)
	}

	sub, err := cfg.Channel.Open(ctx, key, s.update)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	s.sub = sub
	logger.Info("Conversation session opened")
	return s, nil
}

func (s *Session) update(u chat.Update) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.messages = u.Messages
	s.stale = u.Stale
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(u)
	}
}

// Self returns the identifier of the local participant.
func (s *Session) Self() string { return s.self }

// Peer returns the profile of the other participant.
func (s *Session) Peer() chat.Profile { return s.peer }

// Key returns the conversation key.
func (s *Session) Key() chat.ConversationKey { return s.key }

// Messages returns the latest ordered list of messages.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Stale reports whether the live view is being reopened and may lag behind.
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// CaptureState returns the state of the attachment capture.
func (s *Session) CaptureState() capture.State {
	return s.capture.State()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send sends text. Blank text sends the pending capture if there is one and
// is rejected with ErrNothingToSend otherwise.
func (s *Session) Send(ctx context.Context, text string) (chat.Message, error) {
	if s.isClosed() {
		return chat.Message{}, ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		if s.capture.Pending() {
			return s.SendCapturedAttachment(ctx)
		}
		return chat.Message{}, ErrNothingToSend
	}
	return s.append(ctx, chat.TextPayload(text))
}

// SendCapturedAttachment uploads the pending capture and sends a message
// referencing it. The message is only appended once the upload succeeded; an
// upload failure leaves the capture in place for another attempt.
func (s *Session) SendCapturedAttachment(ctx context.Context) (chat.Message, error) {
	if s.isClosed() {
		return chat.Message{}, ErrClosed
	}
	att, err := s.capture.Commit(ctx)
	if err != nil {
		return chat.Message{}, err
	}

	var payload chat.Payload
	switch att.Category {
	case attachment.Voice:
		payload = chat.AudioPayload(att.Locator, att.ContentType)
	default:
		payload = chat.FilePayload(att.Locator, att.ContentType)
	}
	return s.append(ctx, payload)
}

// Retry appends the message of a failed append again with a new timestamp.
func (s *Session) Retry(ctx context.Context, werr *chat.WriteError) (chat.Message, error) {
	if s.isClosed() {
		return chat.Message{}, ErrClosed
	}
	if werr == nil || werr.Message.SenderID != s.self || !s.key.Matches(werr.Message) {
		return chat.Message{}, ErrNotOwnMessage
	}
	return s.append(ctx, werr.Message.Payload)
}

func (s *Session) append(ctx context.Context, payload chat.Payload) (chat.Message, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	msg := chat.Message{
		SenderID:   s.self,
		ReceiverID: s.key.Peer(s.self),
		Payload:    payload,
		Timestamp:  s.clock.Stamp(s.self),
	}
	return s.channel.Append(ctx, msg)
}

// StartRecording starts a voice recording.
func (s *Session) StartRecording(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.capture.StartRecording(ctx)
}

// StopRecording finishes the voice recording, keeping it ready to send.
func (s *Session) StopRecording() error {
	return s.capture.StopRecording()
}

// SelectFile holds src ready to send.
func (s *Session) SelectFile(src attachment.Source) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.capture.SelectFile(src)
}

// CancelCapture drops the pending recording or file.
func (s *Session) CancelCapture() error {
	return s.capture.Cancel()
}

// Close ends the live view and drops any capture that was not sent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sub.Close()
	s.capture.Discard()
	s.logger.Info("Conversation session closed")
}

// Done is closed once the live view has been released.
func (s *Session) Done() <-chan struct{} {
	return s.sub.Done()
}
