// Package livestore turns a plain message store and a change feed into a
// backend with live queries.
//
// Every insert is announced on the receiver's inbox. A live query subscribes
// to the inboxes of its receivers before reading its first result and runs
// the query again whenever a notification carries a sequence it has not seen.
package livestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GetStream/duochat/chat"
)

// A MessageStore persists messages and answers membership queries.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	QueryMessages(ctx context.Context, q chat.Query) ([]chat.Message, error)
}

// A Feed carries change notifications keyed by receiving participant.
type Feed interface {
	Publish(ctx context.Context, participantID string, seq int64) error
	Subscribe(ctx context.Context, participantIDs ...string) (Notifications, error)
}

// Notifications is a feed subscription. C is closed when the subscription
// ends, after which Err reports why.
type Notifications interface {
	C() <-chan int64
	Err() error
	Close() error
}

// ErrFeedClosed ends a live query whose feed subscription ended without an
// error.
var ErrFeedClosed = errors.New("livestore: feed closed")

// Backend is a chat.Backend over a MessageStore and a Feed.
type Backend struct {
	store  MessageStore
	feed   Feed
	logger *slog.Logger
	resync time.Duration
}

var _ chat.Backend = (*Backend)(nil)

// An Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithResync makes live queries run again every d even without
// notifications, which bounds the delay caused by a lost notification. Zero
// disables it.
func WithResync(d time.Duration) Option {
	return func(b *Backend) { b.resync = d }
}

// New returns a backend.
func New(store MessageStore, feed Feed, opts ...Option) *Backend {
	b := &Backend{
		store:  store,
		feed:   feed,
		logger: slog.Default(),
		resync: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// InsertMessage stores msg and announces it to its receiver. A failed
// announcement is logged but not returned since the message is stored;
// subscribers catch up on the next notification or resync.
func (b *Backend) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	out, err := b.store.InsertMessage(ctx, msg)
	if err != nil {
		return chat.Message{}, err
	}
	if err := b.feed.Publish(ctx, out.ReceiverID, out.Seq); err != nil {
		b.logger.Warn("Could not publish message notification",
			"message_id", out.ID,
			"receiver_id", out.ReceiverID,
			"error", err.Error(),
		)
	}
	return out, nil
}

// QueryMessages returns the current result of q.
func (b *Backend) QueryMessages(ctx context.Context, q chat.Query) ([]chat.Message, error) {
	return b.store.QueryMessages(ctx, q)
}

// Watch opens a live query. It ends when ctx is done, Close is called, the
// feed subscription breaks or a query fails.
func (b *Backend) Watch(ctx context.Context, q chat.Query) (chat.Watch, error) {
	n, err := b.feed.Subscribe(ctx, q.ReceiverIn...)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	msgs, err := b.store.QueryMessages(ctx, q)
	if err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("query: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &watch{
		backend: b,
		q:       q,
		n:       n,
		ch:      make(chan chat.Snapshot, 1),
		cancel:  cancel,
	}
	w.ch <- chat.Snapshot{Version: chat.Version(msgs), Messages: msgs}
	go w.run(ctx, newResult(msgs))
	return w, nil
}

// result is the content of the last query delivered by a watch. Sequence
// numbers are allocated before commit, so a message may become visible after
// one with a higher Seq; the set of seen sequences catches those.
type result struct {
	version int64
	seqs    map[int64]struct{}
}

func newResult(msgs []chat.Message) result {
	r := result{version: chat.Version(msgs), seqs: make(map[int64]struct{}, len(msgs))}
	for _, m := range msgs {
		r.seqs[m.Seq] = struct{}{}
	}
	return r
}

func (r result) has(seq int64) bool {
	_, ok := r.seqs[seq]
	return ok
}

// changed reports whether next holds messages that r does not.
func (r result) changed(next result) bool {
	if next.version != r.version || len(next.seqs) != len(r.seqs) {
		return true
	}
	for seq := range next.seqs {
		if !r.has(seq) {
			return true
		}
	}
	return false
}

type watch struct {
	backend *Backend
	q       chat.Query
	n       Notifications
	ch      chan chat.Snapshot
	cancel  context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (w *watch) run(ctx context.Context, last result) {
	defer close(w.ch)
	defer w.n.Close()

	var tick <-chan time.Time
	if w.backend.resync > 0 {
		t := time.NewTicker(w.backend.resync)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			w.fail(ctx.Err())
			return
		case seq, ok := <-w.n.C():
			if !ok {
				err := w.n.Err()
				if err == nil {
					err = ErrFeedClosed
				}
				w.fail(err)
				return
			}
			if last.has(seq) {
				continue
			}
		case <-tick:
		}

		msgs, err := w.backend.store.QueryMessages(ctx, w.q)
		if err != nil {
			w.fail(fmt.Errorf("query: %w", err))
			return
		}
		next := newResult(msgs)
		if !last.changed(next) {
			continue
		}
		last = next
		select {
		case w.ch <- chat.Snapshot{Version: next.version, Messages: msgs}:
		case <-ctx.Done():
			w.fail(ctx.Err())
			return
		}
	}
}

func (w *watch) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.err = err
	}
}

func (w *watch) Snapshots() <-chan chat.Snapshot { return w.ch }

func (w *watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *watch) Close() error {
	w.mu.Lock()
	w.closed = true
	w.err = nil
	w.mu.Unlock()
	w.cancel()
	return nil
}
