package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "ekklesia:broadcast"

// RedisBus fans messages out to every process subscribed to the same Redis channel.
type RedisBus struct {
	client  *redis.Client
	channel string
}

func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan Message, memoryBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.loop(subCtx)
	return sub, nil
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan Message
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// loop stops on the first receive error instead of letting go-redis reconnect
// silently, so the caller sees the gap and reloads state after resubscribing.
func (s *redisSubscription) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.messages)
	defer s.pubsub.Close()

	for {
		raw, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			s.fail(err)
			return
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			continue
		}
		select {
		case s.messages <- msg:
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

func (s *redisSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.messages
}

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}
