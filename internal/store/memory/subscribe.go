package memory

import (
	"context"
	"sync"

	"ekklesia/queue-service/internal/store"
)

const subscriptionBuffer = 32

// Subscribe registers a listener for row changes. Delivery is best effort: when a
// subscriber falls behind its buffer, further events for it are dropped.
func (s *Store) Subscribe(ctx context.Context) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures.Subscribe != nil {
		return nil, s.failures.Subscribe
	}
	sub := &subscription{
		events: make(chan store.ChangeEvent, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	s.subs[sub] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			s.removeSubscription(sub, ctx.Err())
		case <-sub.done:
		}
	}()
	return &handle{store: s, sub: sub}, nil
}

func (s *Store) removeSubscription(sub *subscription, err error) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if ok {
		sub.end(err)
	}
}

func (s *Store) notifyLocked(collection, op, id string) {
	event := store.ChangeEvent{Collection: collection, Op: op, ID: id}
	for sub := range s.subs {
		sub.send(event)
	}
}

type subscription struct {
	mu     sync.Mutex
	events chan store.ChangeEvent
	done   chan struct{}
	err    error
	ended  bool
}

func (s *subscription) send(event store.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *subscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
	close(s.done)
}

type handle struct {
	store *Store
	sub   *subscription
}

func (h *handle) Events() <-chan store.ChangeEvent {
	return h.sub.events
}

func (h *handle) Err() error {
	h.sub.mu.Lock()
	defer h.sub.mu.Unlock()
	return h.sub.err
}

func (h *handle) Close() error {
	h.store.removeSubscription(h.sub, nil)
	return nil
}
