package postgres

import (
	"context"
	"encoding/json"
	"sync"

	"ekklesia/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// notifyChannel matches the pg_notify channel used by the change triggers in migrations/.
const notifyChannel = "ekklesia_changes"

// Subscribe opens a dedicated connection outside the pool and LISTENs for row changes.
func (s *Store) Subscribe(ctx context.Context) (store.Subscription, error) {
	conn, err := pgx.ConnectConfig(ctx, s.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		conn:   conn,
		events: make(chan store.ChangeEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.loop(subCtx)
	return sub, nil
}

type subscription struct {
	conn   *pgx.Conn
	events chan store.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *subscription) Events() <-chan store.ChangeEvent {
	return s.events
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func (s *subscription) loop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.conn.Close(context.Background())

	for {
		notification, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			s.fail(err)
			return
		}
		var event store.ChangeEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			continue
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
}
