// Package broadcast carries ephemeral messages (display text, current call) between
// running processes. Nothing sent here is persisted.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ekklesia/queue-service/internal/models"
)

const (
	EventDisplayMessage = "display_message"
	EventCurrentCall    = "current_call"
)

var ErrUnexpectedEvent = errors.New("unexpected broadcast event")

type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type displayPayload struct {
	Message string `json:"message"`
}

// Bus is a best-effort pub/sub channel. Subscribers only see messages published
// while they are subscribed.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription ends by closing Messages; Err then reports the cause, or nil after Close.
type Subscription interface {
	Messages() <-chan Message
	Err() error
	Close() error
}

func NewDisplayMessage(text string) Message {
	payload, _ := json.Marshal(displayPayload{Message: text})
	return Message{Event: EventDisplayMessage, Payload: payload}
}

func NewCurrentCall(ticket models.Ticket) (Message, error) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: EventCurrentCall, Payload: payload}, nil
}

func (m Message) DisplayText() (string, error) {
	if m.Event != EventDisplayMessage {
		return "", fmt.Errorf("%w: %s", ErrUnexpectedEvent, m.Event)
	}
	var payload displayPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return "", err
	}
	return payload.Message, nil
}

func (m Message) CalledTicket() (models.Ticket, error) {
	if m.Event != EventCurrentCall {
		return models.Ticket{}, fmt.Errorf("%w: %s", ErrUnexpectedEvent, m.Event)
	}
	var ticket models.Ticket
	if err := json.Unmarshal(m.Payload, &ticket); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}
