package broadcast

import (
	"context"
	"errors"
	"sync"
)

var ErrBusDisconnected = errors.New("broadcast bus disconnected")

const memoryBuffer = 32

// MemoryBus is an in-process Bus for single-instance deployments and tests.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.deliver(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		bus:      b,
		messages: make(chan Message, memoryBuffer),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			b.remove(sub, ctx.Err())
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Disconnect ends every subscription with ErrBusDisconnected.
func (b *MemoryBus) Disconnect() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*memorySubscription]struct{})
	b.mu.Unlock()
	for sub := range subs {
		sub.end(ErrBusDisconnected)
	}
}

func (b *MemoryBus) remove(sub *memorySubscription, err error) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		sub.end(err)
	}
}

type memorySubscription struct {
	bus      *MemoryBus
	mu       sync.Mutex
	messages chan Message
	done     chan struct{}
	err      error
	ended    bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *memorySubscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.messages)
	close(s.done)
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.messages
}

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s, nil)
	return nil
}
