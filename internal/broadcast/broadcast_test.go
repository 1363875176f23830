package broadcast

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"ekklesia/queue-service/internal/models"

	"github.com/redis/go-redis/v9"
)

func TestMessageHelpers(t *testing.T) {
	text, err := NewDisplayMessage("Culto às 19h").DisplayText()
	if err != nil || text != "Culto às 19h" {
		t.Fatalf("display text = %q %v", text, err)
	}

	msg, err := NewCurrentCall(models.Ticket{ID: "t1", Number: "CA-007"})
	if err != nil {
		t.Fatalf("current call: %v", err)
	}
	ticket, err := msg.CalledTicket()
	if err != nil || ticket.Number != "CA-007" {
		t.Fatalf("called ticket = %+v %v", ticket, err)
	}

	if _, err := msg.DisplayText(); !errors.Is(err, ErrUnexpectedEvent) {
		t.Fatalf("expected ErrUnexpectedEvent, got %v", err)
	}
}

func TestMemoryBusFanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	first, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer second.Close()

	if err := bus.Publish(ctx, NewDisplayMessage("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, sub := range []Subscription{first, second} {
		msg := <-sub.Messages()
		if text, _ := msg.DisplayText(); text != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-first.Messages(); ok {
		t.Fatalf("expected closed channel")
	}
	if first.Err() != nil {
		t.Fatalf("expected nil Err after Close, got %v", first.Err())
	}
}

func TestMemoryBusDisconnect(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Disconnect()
	if _, ok := <-sub.Messages(); ok {
		t.Fatalf("expected closed channel")
	}
	if !errors.Is(sub.Err(), ErrBusDisconnected) {
		t.Fatalf("expected ErrBusDisconnected, got %v", sub.Err())
	}
	if err := bus.Publish(context.Background(), NewDisplayMessage("late")); err != nil {
		t.Fatalf("publish after disconnect: %v", err)
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR is required for redis tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	bus := NewRedisBus(client, "ekklesia:test:"+time.Now().Format("150405.000000000"))

	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, NewDisplayMessage("bem-vindos")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if text, _ := msg.DisplayText(); text != "bem-vindos" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}
