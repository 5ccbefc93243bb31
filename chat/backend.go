package chat

import (
	"context"
	"slices"
)

// A Query selects messages whose sender and receiver both belong to a set of
// participants. Stores without a native pair predicate express a conversation
// as these two membership predicates.
type Query struct {
	SenderIn   []string
	ReceiverIn []string
}

// QueryConversation returns the query selecting the messages of key.
//
// The membership predicates alone also select messages a participant sent to
// itself; Channel filters those with ConversationKey.Matches.
func QueryConversation(key ConversationKey) Query {
	return Query{
		SenderIn:   key.Participants(),
		ReceiverIn: key.Participants(),
	}
}

// Matches reports whether msg satisfies both membership predicates.
func (q Query) Matches(msg Message) bool {
	return slices.Contains(q.SenderIn, msg.SenderID) && slices.Contains(q.ReceiverIn, msg.ReceiverID)
}

// A Snapshot is the full result of a live query at one point in time.
type Snapshot struct {
	// Version grows with every change to the result. Stores that only append
	// use the highest Seq in Messages.
	Version  int64
	Messages []Message
}

// A Watch streams snapshots of a live query. Snapshots is closed when the
// watch ends, after which Err reports why; Err is nil after Close.
type Watch interface {
	Snapshots() <-chan Snapshot
	Err() error
	Close() error
}

// A Backend is an append-only message store with live queries.
type Backend interface {
	// InsertMessage creates msg and returns it with ID and Seq assigned.
	InsertMessage(ctx context.Context, msg Message) (Message, error)
	// Watch opens a live query. The first snapshot is the current result.
	Watch(ctx context.Context, q Query) (Watch, error)
	// QueryMessages returns the current result of q ordered by timestamp.
	QueryMessages(ctx context.Context, q Query) ([]Message, error)
}

// SortMessages orders msgs by timestamp then insertion sequence.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
}

// Version returns the highest sequence number in msgs.
func Version(msgs []Message) int64 {
	var v int64
	for _, m := range msgs {
		v = max(v, m.Seq)
	}
	return v
}
