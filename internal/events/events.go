// Package events publishes ticket lifecycle changes to interested consumers.
package events

import (
	"context"
	"errors"
	"time"

	"ekklesia/queue-service/internal/models"
)

const (
	TicketCreated   = "ticket.created"
	TicketCalled    = "ticket.called"
	TicketRecalled  = "ticket.recalled"
	TicketCompleted = "ticket.completed"
	TicketCanceled  = "ticket.canceled"
	TicketRequeued  = "ticket.requeued"
)

type Event struct {
	Type        string        `json:"type"`
	Ticket      models.Ticket `json:"ticket"`
	ServiceName string        `json:"service_name,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// IsCall reports whether the event should trigger a call-out on the panel.
func (e Event) IsCall() bool {
	return e.Type == TicketCalled || e.Type == TicketRecalled
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type NotifierFunc func(ctx context.Context, event Event) error

func (f NotifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
