package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ekklesia/queue-service/internal/broadcast"
	"ekklesia/queue-service/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange = exchange
	f.key = key
	f.msg = msg
	return f.err
}

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func TestAMQPPublisherRoutesByEventType(t *testing.T) {
	ch := &fakeChannel{}
	pub := &AMQPPublisher{ch: ch, exchange: DefaultExchange}
	event := Event{
		Type:       TicketCalled,
		Ticket:     models.Ticket{ID: "t1", Number: "CA-003"},
		OccurredAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	if err := pub.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if ch.exchange != DefaultExchange || ch.key != TicketCalled {
		t.Fatalf("unexpected routing %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent || ch.msg.ContentType != "application/json" {
		t.Fatalf("unexpected publishing: %+v", ch.msg)
	}
	var decoded Event
	if err := json.Unmarshal(ch.msg.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Ticket.Number != "CA-003" {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestAMQPPublisherRedialsAfterChannelClosed(t *testing.T) {
	stale := &fakeChannel{err: amqp.ErrClosed}
	fresh := &fakeChannel{}
	staleClosed := false
	dials := 0
	pub := &AMQPPublisher{
		ch:       stale,
		closer:   func() error { staleClosed = true; return nil },
		exchange: DefaultExchange,
		dial: func() (channelPublisher, func() error, error) {
			dials++
			return fresh, func() error { return nil }, nil
		},
	}

	if err := pub.Notify(context.Background(), Event{Type: TicketRecalled, Ticket: models.Ticket{Number: "CA-004"}}); err != nil {
		t.Fatalf("notify after redial: %v", err)
	}
	if dials != 1 || !staleClosed {
		t.Fatalf("expected one redial closing the stale channel, dials=%d closed=%v", dials, staleClosed)
	}
	if fresh.key != TicketRecalled {
		t.Fatalf("expected retry on the new channel, got key %q", fresh.key)
	}

	if err := pub.Notify(context.Background(), Event{Type: TicketCalled}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if dials != 1 {
		t.Fatalf("healthy channel must not redial, dials=%d", dials)
	}
}

func TestAMQPPublisherKeepsChannelOnOtherErrors(t *testing.T) {
	ch := &fakeChannel{err: context.DeadlineExceeded}
	dials := 0
	pub := &AMQPPublisher{
		ch:       ch,
		exchange: DefaultExchange,
		dial: func() (channelPublisher, func() error, error) {
			dials++
			return nil, nil, errors.New("unreachable")
		},
	}
	err := pub.Notify(context.Background(), Event{Type: TicketCalled})
	if !errors.Is(err, context.DeadlineExceeded) || dials != 0 {
		t.Fatalf("expected deadline error without redial, got %v dials=%d", err, dials)
	}
}

func TestAMQPPublisherReportsFailedRedial(t *testing.T) {
	pub := &AMQPPublisher{
		ch:       &fakeChannel{err: amqp.ErrClosed},
		exchange: DefaultExchange,
		dial: func() (channelPublisher, func() error, error) {
			return nil, nil, errors.New("dial rabbitmq: connection refused")
		},
	}
	if err := pub.Notify(context.Background(), Event{Type: TicketCalled}); !errors.Is(err, amqp.ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	// The next publish tries to connect again instead of reusing the dead channel.
	if err := pub.Notify(context.Background(), Event{Type: TicketCalled}); err == nil {
		t.Fatalf("expected dial failure to surface")
	}
}

func TestBroadcastNotifierOnlyAnnouncesCalls(t *testing.T) {
	ctx := context.Background()
	bus := broadcast.NewMemoryBus()
	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	notifier := NewBroadcastNotifier(bus)
	if err := notifier.Notify(ctx, Event{Type: TicketCompleted, Ticket: models.Ticket{Number: "CA-001"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := notifier.Notify(ctx, Event{Type: TicketRecalled, Ticket: models.Ticket{Number: "CA-002"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	msg := <-sub.Messages()
	ticket, err := msg.CalledTicket()
	if err != nil || ticket.Number != "CA-002" {
		t.Fatalf("expected current_call for CA-002, got %+v %v", msg, err)
	}
	if len(sub.Messages()) != 0 {
		t.Fatalf("completed events must not be broadcast")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	first := errors.New("first")
	calls := 0
	multi := Multi{
		NotifierFunc(func(context.Context, Event) error { calls++; return first }),
		nil,
		NotifierFunc(func(context.Context, Event) error { calls++; return nil }),
	}
	err := multi.Notify(context.Background(), Event{Type: TicketCreated})
	if !errors.Is(err, first) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected every notifier to run, got %d calls", calls)
	}
}

func TestAckDelivery(t *testing.T) {
	body, _ := json.Marshal(Event{Type: TicketCalled})
	cases := []struct {
		name        string
		body        []byte
		redelivered bool
		handleErr   error
		wantAck     bool
		wantRequeue bool
	}{
		{"handled", body, false, nil, true, false},
		{"malformed dropped", []byte("{"), false, nil, false, false},
		{"failure requeued once", body, false, errors.New("busy"), false, true},
		{"redelivered failure dropped", body, true, errors.New("busy"), false, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			ackDelivery(context.Background(), ack, tt.body, tt.redelivered, func(context.Context, Event) error {
				return tt.handleErr
			})
			if ack.acked != tt.wantAck {
				t.Fatalf("acked=%v, want %v", ack.acked, tt.wantAck)
			}
			if !tt.wantAck && (!ack.nacked || ack.requeue != tt.wantRequeue) {
				t.Fatalf("nacked=%v requeue=%v, want requeue %v", ack.nacked, ack.requeue, tt.wantRequeue)
			}
		})
	}
}

func TestAnnouncement(t *testing.T) {
	withClient := Event{
		Ticket:      models.Ticket{Number: "CA-007", ServiceID: "cadastro", Client: &models.ClientData{Name: " maria "}},
		ServiceName: "Cadastro",
	}
	if got := Announcement(withClient); got != "Senha CA-007, MARIA, compareça ao atendimento de Cadastro" {
		t.Fatalf("unexpected announcement: %q", got)
	}
	anonymous := Event{Ticket: models.Ticket{Number: "TRP-002", ServiceID: "triagem"}}
	if got := Announcement(anonymous); got != "Senha TRP-002, compareça ao atendimento de triagem" {
		t.Fatalf("unexpected announcement: %q", got)
	}
}
