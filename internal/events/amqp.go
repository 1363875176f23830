package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "ekklesia.tickets"

type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPPublisher sends events to a durable topic exchange keyed by event type.
// A publish that fails because the channel or connection is gone reopens both
// and retries once.
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       channelPublisher
	closer   func() error
	dial     func() (channelPublisher, func() error, error)
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &AMQPPublisher{
		exchange: exchange,
		dial: func() (channelPublisher, func() error, error) {
			return dialPublisher(url, exchange)
		},
	}
	if err := p.redialLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func dialPublisher(url, exchange string) (channelPublisher, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	closer := func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return ch, closer, nil
}

func (p *AMQPPublisher) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		if err := p.redialLocked(); err != nil {
			return err
		}
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg)
	if err == nil || p.dial == nil || !connectionLost(err) {
		return err
	}
	if redialErr := p.redialLocked(); redialErr != nil {
		return fmt.Errorf("%w (redial: %v)", err, redialErr)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg)
}

func (p *AMQPPublisher) redialLocked() error {
	if p.dial == nil {
		return fmt.Errorf("publish %s: %w", p.exchange, amqp.ErrClosed)
	}
	if p.closer != nil {
		_ = p.closer()
	}
	p.ch, p.closer = nil, nil
	ch, closer, err := p.dial()
	if err != nil {
		return err
	}
	p.ch, p.closer = ch, closer
	return nil
}

// connectionLost reports broker-side failures; context and encoding errors
// are returned as they are.
func connectionLost(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr)
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = nil
	if p.closer == nil {
		return nil
	}
	err := p.closer()
	p.closer = nil
	return err
}

// Consumer reads events from a durable queue bound to the exchange.
type Consumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
}

func NewConsumer(url, exchange, queue string, keys []string) (*Consumer, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return &Consumer{conn: conn, ch: ch, exchange: exchange, queue: q.Name}, nil
}

// Run handles deliveries until ctx is done or the channel closes. Malformed
// messages are dropped; handler failures are requeued once.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, Event) error) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consume %s: delivery channel closed", c.queue)
			}
			processDelivery(ctx, delivery, handle)
		}
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func processDelivery(ctx context.Context, delivery amqp.Delivery, handle func(context.Context, Event) error) {
	ackDelivery(ctx, delivery, delivery.Body, delivery.Redelivered, handle)
}

func ackDelivery(ctx context.Context, ack acknowledger, body []byte, redelivered bool, handle func(context.Context, Event) error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		_ = ack.Nack(false, false)
		return
	}
	if err := handle(ctx, event); err != nil {
		_ = ack.Nack(false, !redelivered)
		return
	}
	_ = ack.Ack(false)
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Announcement is the call-out text read on the panel for a called ticket.
func Announcement(event Event) string {
	service := event.ServiceName
	if service == "" {
		service = event.Ticket.ServiceID
	}
	if event.Ticket.Client != nil && strings.TrimSpace(event.Ticket.Client.Name) != "" {
		return fmt.Sprintf("Senha %s, %s, compareça ao atendimento de %s",
			event.Ticket.Number, strings.ToUpper(strings.TrimSpace(event.Ticket.Client.Name)), service)
	}
	return fmt.Sprintf("Senha %s, compareça ao atendimento de %s", event.Ticket.Number, service)
}
