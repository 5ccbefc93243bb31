package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/GetStream/duochat/livestore"
)

// Redis provides the message change feed over Redis Pub/Sub.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

// Publish announces that a message with sequence seq was stored for the
// receiver participantID.
func (r *Redis) Publish(ctx context.Context, participantID string, seq int64) error {
	n := notification{Participant: participantID, Seq: seq}
	if err := r.cli.Publish(ctx, inboxChannel(participantID), n.encode()).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe listens for notifications addressed to any of participantIDs. It
// returns once the subscription is confirmed by the server.
func (r *Redis) Subscribe(ctx context.Context, participantIDs ...string) (livestore.Notifications, error) {
	if len(participantIDs) == 0 {
		return nil, errors.New("subscribe: no participants")
	}
	channels := make([]string, len(participantIDs))
	for i, id := range participantIDs {
		channels[i] = inboxChannel(id)
	}

	ps := r.cli.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	s := &subscription{
		ps:   ps,
		c:    make(chan int64, 16),
		stop: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type subscription struct {
	ps   *redis.PubSub
	c    chan int64
	stop chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (s *subscription) run() {
	defer close(s.c)
	ctx := context.Background()
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-s.stop:
			default:
				// The server connection broke. Notifications may have been
				// lost, so the subscription ends instead of reconnecting.
				s.mu.Lock()
				s.err = fmt.Errorf("receive: %w", err)
				s.mu.Unlock()
			}
			return
		}
		n, err := decodeNotification(msg.Payload)
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		select {
		case s.c <- n.Seq:
		case <-s.stop:
			return
		}
	}
}

func (s *subscription) C() <-chan int64 { return s.c }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.ps.Close()
	})
	return err
}
