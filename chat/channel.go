package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// An Update is delivered to subscribers with the full ordered conversation.
type Update struct {
	Messages []Message
	// Stale is set while the live query is being reopened. Messages then
	// holds the last known list.
	Stale bool
}

// An Observer is notified of channel activity.
type Observer interface {
	MessageAppended(err error)
	SnapshotApplied(messages int)
	SnapshotDiscarded()
	Resubscribed()
}

type nopObserver struct{}

func (nopObserver) MessageAppended(error) {}
func (nopObserver) SnapshotApplied(int)   {}
func (nopObserver) SnapshotDiscarded()    {}
func (nopObserver) Resubscribed()         {}

// Channel keeps live, ordered views of conversations stored in a Backend and
// appends new messages to it.
type Channel struct {
	backend    Backend
	logger     *slog.Logger
	observer   Observer
	minBackoff time.Duration
	maxBackoff time.Duration

	// appendMu keeps appends in invocation order.
	appendMu sync.Mutex
}

// An Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger used by the channel.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithObserver sets the observer notified of channel activity.
func WithObserver(o Observer) Option {
	return func(c *Channel) { c.observer = o }
}

// WithBackoff sets the delay bounds between attempts to reopen a dropped
// subscription.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Channel) {
		c.minBackoff = minDelay
		c.maxBackoff = max(minDelay, maxDelay)
	}
}

// NewChannel returns a channel backed by backend.
func NewChannel(backend Backend, opts ...Option) *Channel {
	c := &Channel{
		backend:    backend,
		logger:     slog.Default(),
		observer:   nopObserver{},
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append stores msg with a single create call. Invalid messages are rejected
// before reaching the store. Store failures are returned as a *WriteError and
// are not retried.
func (c *Channel) Append(ctx context.Context, msg Message) (Message, error) {
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	out, err := c.backend.InsertMessage(ctx, msg)
	c.observer.MessageAppended(err)
	if err != nil {
		c.logger.Error("Could not append message", "conversation", msg.Key().String(), "error", err.Error())
		return Message{}, &WriteError{Message: msg, Err: err}
	}
	c.logger.Debug("Message appended", "conversation", out.Key().String(), "id", out.ID, "seq", out.Seq)
	return out, nil
}

// Snapshot returns the current ordered list of messages of key.
func (c *Channel) Snapshot(ctx context.Context, key ConversationKey) ([]Message, error) {
	msgs, err := c.backend.QueryMessages(ctx, QueryConversation(key))
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return c.normalize(key, nil, msgs), nil
}

// Open subscribes to the conversation identified by key. onUpdate receives the
// full ordered list every time it changes. The subscription lasts until Close
// is called or ctx is done; a dropped live query is reopened transparently.
func (c *Channel) Open(ctx context.Context, key ConversationKey, onUpdate func(Update)) (*Subscription, error) {
	if key.A == "" || key.B == "" || key.A == key.B {
		return nil, ErrMissingParticipant
	}
	w, err := c.backend.Watch(ctx, QueryConversation(key))
	if err != nil {
		return nil, fmt.Errorf("watch conversation: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		ch:       c,
		key:      key,
		onUpdate: onUpdate,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(w)
	return s, nil
}

// normalize merges fresh into prev, drops records outside the conversation
// and duplicates, and sorts the result.
func (c *Channel) normalize(key ConversationKey, prev, fresh []Message) []Message {
	out := make([]Message, 0, len(prev)+len(fresh))
	seen := make(map[string]struct{}, len(prev)+len(fresh))
	add := func(m Message) {
		if !key.Matches(m) {
			c.logger.Warn("Dropping record outside conversation",
				"conversation", key.String(), "id", m.ID, "error", ErrForeignMessage.Error())
			return
		}
		if m.ID != "" {
			if _, ok := seen[m.ID]; ok {
				return
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	for _, m := range prev {
		add(m)
	}
	for _, m := range fresh {
		add(m)
	}
	SortMessages(out)
	return out
}

// A Subscription is a live view of one conversation.
type Subscription struct {
	ch       *Channel
	key      ConversationKey
	onUpdate func(Update)
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	done     chan struct{}

	// deliverMu serializes deliveries and guards the fields below.
	deliverMu sync.Mutex
	applied   bool
	version   int64
	stale     bool
	last      []Message
}

// Key returns the conversation the subscription follows.
func (s *Subscription) Key() ConversationKey {
	return s.key
}

// Close ends the subscription. Once Close returns no further update is
// handed to the subscriber; a callback that was already running finishes, and
// Done reports when it has.
// It may be called more than once and from within the update callback.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
}

// Done is closed once the subscription has released its live query.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) run(w Watch) {
	defer close(s.done)
	defer s.closed.Store(true)

	for {
		err := s.consume(w)
		_ = w.Close()
		if s.ctx.Err() != nil {
			return
		}
		attrs := []any{"conversation", s.key.String()}
		if err != nil {
			attrs = append(attrs, "error", err.Error())
		}
		s.ch.logger.Warn("Conversation subscription dropped", attrs...)
		s.markStale()

		if w = s.reopen(); w == nil {
			return
		}
	}
}

func (s *Subscription) consume(w Watch) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case snap, ok := <-w.Snapshots():
			if !ok {
				return w.Err()
			}
			s.apply(snap)
		}
	}
}

// reopen retries the live query with capped exponential backoff. It returns
// nil when the subscription is closed first.
func (s *Subscription) reopen() Watch {
	delay := s.ch.minBackoff
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-timer.C:
		}
		w, err := s.ch.backend.Watch(s.ctx, QueryConversation(s.key))
		if err == nil {
			s.ch.observer.Resubscribed()
			s.ch.logger.Info("Conversation subscription reopened", "conversation", s.key.String())
			return w
		}
		if s.ctx.Err() != nil {
			return nil
		}
		s.ch.logger.Warn("Could not reopen conversation subscription",
			"conversation", s.key.String(), "retry_in", delay.String(), "error", err.Error())
		delay = min(delay*2, s.ch.maxBackoff)
		timer.Reset(delay)
	}
}

// apply delivers snap unless a fresher snapshot was already delivered.
func (s *Subscription) apply(snap Snapshot) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return
	}

	// An equal version still counts when it brings messages the view lacks,
	// since a lower Seq can commit after a higher one.
	version := max(snap.Version, Version(snap.Messages))
	msgs := s.ch.normalize(s.key, s.last, snap.Messages)
	grew := len(msgs) > len(s.last)
	if s.applied && (version < s.version || version == s.version && !s.stale && !grew) {
		s.ch.observer.SnapshotDiscarded()
		return
	}
	s.applied = true
	s.version = version
	s.stale = false
	s.last = msgs
	s.ch.observer.SnapshotApplied(len(msgs))
	s.deliver(Update{Messages: slices.Clone(msgs)})
}

// deliver hands u to the subscriber unless the subscription was closed.
func (s *Subscription) deliver(u Update) {
	if s.closed.Load() {
		return
	}
	s.onUpdate(u)
}

// markStale tells the subscriber that the last list may be out of date.
func (s *Subscription) markStale() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() || s.stale {
		return
	}
	s.stale = true
	if s.applied {
		s.deliver(Update{Messages: slices.Clone(s.last), Stale: true})
	}
}
