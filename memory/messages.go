// Package memory provides in-process implementations of the message backend,
// the object store and the user directory. It backs the development mode of
// the server and the package tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/GetStream/duochat/chat"
)

// ErrDisconnected ends the live queries closed by Disconnect.
var ErrDisconnected = errors.New("memory: disconnected")

// Store is an append-only message store with live queries.
type Store struct {
	mu       sync.Mutex
	seq      int64
	messages []chat.Message
	watches  map[*watch]struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{watches: make(map[*watch]struct{})}
}

var _ chat.Backend = (*Store)(nil)

// InsertMessage stores msg, assigning its ID and Seq, and pushes a fresh
// snapshot to every live query it matches.
func (s *Store) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg.ID = uuid.NewString()
	msg.Seq = s.seq
	s.messages = append(s.messages, msg)

	for w := range s.watches {
		if w.q.Matches(msg) {
			w.push(s.snapshotLocked(w.q))
		}
	}
	return msg, nil
}

// QueryMessages returns the messages matching q ordered by timestamp.
func (s *Store) QueryMessages(ctx context.Context, q chat.Query) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(q).Messages, nil
}

// Watch opens a live query. It ends when ctx is done or Close is called.
func (s *Store) Watch(ctx context.Context, q chat.Query) (chat.Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watch{store: s, q: q, ch: make(chan chat.Snapshot, 1)}

	s.mu.Lock()
	s.watches[w] = struct{}{}
	w.push(s.snapshotLocked(q))
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { w.end(ctx.Err()) })
	w.stop = stop
	return w, nil
}

// Disconnect ends every live query with ErrDisconnected.
func (s *Store) Disconnect() {
	s.mu.Lock()
	ws := make([]*watch, 0, len(s.watches))
	for w := range s.watches {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.end(ErrDisconnected)
	}
}

// Watches returns the number of open live queries.
func (s *Store) Watches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

func (s *Store) snapshotLocked(q chat.Query) chat.Snapshot {
	var out []chat.Message
	for _, m := range s.messages {
		if q.Matches(m) {
			out = append(out, m)
		}
	}
	chat.SortMessages(out)
	return chat.Snapshot{Version: chat.Version(out), Messages: out}
}

func (s *Store) remove(w *watch) {
	s.mu.Lock()
	delete(s.watches, w)
	s.mu.Unlock()
}

type watch struct {
	store *Store
	q     chat.Query
	ch    chan chat.Snapshot
	stop  func() bool

	mu     sync.Mutex
	closed bool
	err    error
}

func (w *watch) Snapshots() <-chan chat.Snapshot {
	return w.ch
}

func (w *watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *watch) Close() error {
	if w.stop != nil {
		w.stop()
	}
	w.end(nil)
	return nil
}

// push replaces any undelivered snapshot with snap. Only the newest snapshot
// matters since each one carries the full result.
func (w *watch) push(snap chat.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	snap.Messages = slices.Clone(snap.Messages)
	select {
	case <-w.ch:
	default:
	}
	w.ch <- snap
}

func (w *watch) end(err error) {
	w.store.remove(w)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.err = err
	close(w.ch)
}
