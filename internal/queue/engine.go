// Package queue owns the ticket lifecycle: issuing numbers, ordering the waiting
// line and applying status transitions against the ticket store.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ekklesia/queue-service/internal/events"
	"ekklesia/queue-service/internal/models"
	"ekklesia/queue-service/internal/sequence"
	"ekklesia/queue-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ekklesia/queue")

type Options struct {
	Notifier events.Notifier
	Logger   *slog.Logger
	Clock    func() time.Time
	// Location defines the calendar day used by daily caps.
	Location *time.Location
}

type Engine struct {
	store     store.TicketStore
	allocator *sequence.Allocator
	notifier  events.Notifier
	logger    *slog.Logger
	now       func() time.Time
	loc       *time.Location
}

// TicketActionInput carries the optional fields recorded by complete and cancel.
type TicketActionInput struct {
	TicketID    string
	Notes       string
	AttendantID string
}

func NewEngine(st store.TicketStore, options Options) *Engine {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = events.Nop{}
	}
	clock := options.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	loc := options.Location
	if loc == nil {
		loc = time.Local
	}
	return &Engine{
		store:     st,
		allocator: sequence.NewAllocator(st, logger),
		notifier:  notifier,
		logger:    logger,
		now:       clock,
		loc:       loc,
	}
}

func (e *Engine) GenerateTicket(ctx context.Context, serviceID string, ticketType models.TicketType, client *models.ClientData) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.GenerateTicket", trace.WithAttributes(
		attribute.String("service_id", serviceID),
		attribute.String("ticket_type", string(ticketType)),
	))
	defer func() { endSpan(span, err) }()

	if !ticketType.Valid() {
		return models.Ticket{}, fmt.Errorf("%w: %q", ErrInvalidTicketType, ticketType)
	}
	client, err = normalizeClient(client)
	if err != nil {
		return models.Ticket{}, err
	}

	service, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("generate ticket for %s: %w", serviceID, err)
	}

	now := e.now()
	issued := 0
	if _, capped := service.DailyCap(); capped && !service.Paused {
		from, to := DayBounds(now, e.loc)
		issued, err = e.store.CountTickets(ctx, service.ID, from, to)
		if err != nil {
			return models.Ticket{}, fmt.Errorf("count tickets for %s: %w", service.ID, err)
		}
	}
	if err = CheckGate(service, issued); err != nil {
		return models.Ticket{}, err
	}

	number, err := e.allocator.Allocate(ctx, service, ticketType == models.TypePriority)
	if err != nil {
		return models.Ticket{}, err
	}

	ticket, err = e.store.InsertTicket(ctx, store.NewTicket{
		Number:    number,
		Type:      ticketType,
		ServiceID: service.ID,
		Timestamp: now,
		Client:    client,
	})
	if err != nil {
		return models.Ticket{}, fmt.Errorf("insert ticket %s: %w", number, err)
	}

	e.emit(ctx, events.TicketCreated, ticket, service.Name)
	return ticket, nil
}

// WaitingTickets returns the ordered waiting line. An empty serviceID spans all services.
func (e *Engine) WaitingTickets(ctx context.Context, serviceID string) ([]models.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, store.TicketFilter{
		ServiceID: serviceID,
		Statuses:  []models.TicketStatus{models.StatusWaiting},
	})
	if err != nil {
		return nil, fmt.Errorf("list waiting tickets: %w", err)
	}
	return OrderWaiting(tickets), nil
}

// CallNextTicket calls the head of the waiting line. ok is false when there is
// nothing to call, which is not an error.
func (e *Engine) CallNextTicket(ctx context.Context, serviceID, attendantID string) (ticket models.Ticket, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "queue.CallNextTicket", trace.WithAttributes(attribute.String("service_id", serviceID)))
	defer func() { endSpan(span, err) }()

	waiting, err := e.WaitingTickets(ctx, serviceID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if len(waiting) == 0 {
		return models.Ticket{}, false, nil
	}
	called, err := e.store.ListTickets(ctx, store.TicketFilter{
		ServiceID: serviceID,
		Statuses:  []models.TicketStatus{models.StatusCalled},
	})
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("list called tickets: %w", err)
	}
	serving := make(map[string]string, len(called))
	for _, current := range called {
		serving[current.ServiceID] = current.Number
	}

	// Across all services, skip lines whose service is still serving someone.
	var next models.Ticket
	found := false
	for _, candidate := range waiting {
		if _, busy := serving[candidate.ServiceID]; !busy {
			next, found = candidate, true
			break
		}
	}
	if !found {
		head := waiting[0]
		return models.Ticket{}, false, fmt.Errorf("%w: %s is serving %s", ErrServiceBusy, head.ServiceID, serving[head.ServiceID])
	}

	status := models.StatusCalled
	now := e.now()
	patch := store.TicketPatch{
		Status:       &status,
		CalledAt:     &now,
		ExpectStatus: store.AllowedFrom(store.ActionCall),
	}
	if attendantID != "" {
		patch.AttendantID = &attendantID
	}
	ticket, err = e.store.UpdateTicket(ctx, next.ID, patch)
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("call ticket %s: %w", next.Number, err)
	}

	e.emit(ctx, events.TicketCalled, ticket, "")
	return ticket, true, nil
}

func (e *Engine) RecallTicket(ctx context.Context, ticketID string) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.RecallTicket", trace.WithAttributes(attribute.String("ticket_id", ticketID)))
	defer func() { endSpan(span, err) }()

	now := e.now()
	ticket, err = e.store.UpdateTicket(ctx, ticketID, store.TicketPatch{
		CalledAt:     &now,
		ExpectStatus: store.AllowedFrom(store.ActionRecall),
	})
	if err != nil {
		return models.Ticket{}, fmt.Errorf("recall ticket %s: %w", ticketID, err)
	}
	e.emit(ctx, events.TicketRecalled, ticket, "")
	return ticket, nil
}

func (e *Engine) CompleteTicket(ctx context.Context, input TicketActionInput) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.CompleteTicket", trace.WithAttributes(attribute.String("ticket_id", input.TicketID)))
	defer func() { endSpan(span, err) }()

	status := models.StatusCompleted
	now := e.now()
	patch := store.TicketPatch{
		Status:       &status,
		CompletedAt:  &now,
		ExpectStatus: store.AllowedFrom(store.ActionComplete),
	}
	applyActionFields(&patch, input)
	ticket, err = e.store.UpdateTicket(ctx, input.TicketID, patch)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("complete ticket %s: %w", input.TicketID, err)
	}
	e.emit(ctx, events.TicketCompleted, ticket, "")
	return ticket, nil
}

func (e *Engine) CancelTicket(ctx context.Context, input TicketActionInput) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.CancelTicket", trace.WithAttributes(attribute.String("ticket_id", input.TicketID)))
	defer func() { endSpan(span, err) }()

	status := models.StatusCanceled
	now := e.now()
	patch := store.TicketPatch{
		Status:       &status,
		CanceledAt:   &now,
		ExpectStatus: store.AllowedFrom(store.ActionCancel),
	}
	applyActionFields(&patch, input)
	ticket, err = e.store.UpdateTicket(ctx, input.TicketID, patch)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("cancel ticket %s: %w", input.TicketID, err)
	}
	e.emit(ctx, events.TicketCanceled, ticket, "")
	return ticket, nil
}

// ReissueTicket mints a new ticket with the original's service, type and client data.
// The original ticket is left untouched.
func (e *Engine) ReissueTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	original, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("reissue ticket %s: %w", ticketID, err)
	}
	return e.GenerateTicket(ctx, original.ServiceID, original.Type, original.Client)
}

// RequeueTicketByNumber returns the most recent ticket with this number to the
// waiting line. CalledAt and CanceledAt are cleared; CompletedAt, notes and
// attendant are kept.
func (e *Engine) RequeueTicketByNumber(ctx context.Context, number string) (ticket models.Ticket, err error) {
	ctx, span := tracer.Start(ctx, "queue.RequeueTicketByNumber", trace.WithAttributes(attribute.String("ticket_number", number)))
	defer func() { endSpan(span, err) }()

	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return models.Ticket{}, ErrTicketNumberMissing
	}
	matches, err := e.store.ListTickets(ctx, store.TicketFilter{Number: number, Order: store.NewestFirst, Limit: 1})
	if err != nil {
		return models.Ticket{}, fmt.Errorf("find ticket %s: %w", number, err)
	}
	if len(matches) == 0 {
		return models.Ticket{}, store.TicketNotFound(number)
	}
	if !store.ValidTransition(store.ActionRequeue, matches[0].Status) {
		return models.Ticket{}, fmt.Errorf("requeue ticket %s: %s: %w", number, matches[0].Status, ErrInvalidState)
	}

	status := models.StatusWaiting
	ticket, err = e.store.UpdateTicket(ctx, matches[0].ID, store.TicketPatch{
		Status:          &status,
		ClearCalledAt:   true,
		ClearCanceledAt: true,
		ExpectStatus:    store.AllowedFrom(store.ActionRequeue),
	})
	if err != nil {
		return models.Ticket{}, fmt.Errorf("requeue ticket %s: %w", number, err)
	}
	e.emit(ctx, events.TicketRequeued, ticket, "")
	return ticket, nil
}

func (e *Engine) ServiceHistory(ctx context.Context, serviceID string) ([]models.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, store.TicketFilter{
		ServiceID: serviceID,
		Statuses:  []models.TicketStatus{models.StatusCalled, models.StatusCompleted, models.StatusCanceled},
	})
	if err != nil {
		return nil, fmt.Errorf("list history for %s: %w", serviceID, err)
	}
	return OrderHistory(tickets), nil
}

// CurrentTicket is always derived from the store: the called ticket with the latest CalledAt.
func (e *Engine) CurrentTicket(ctx context.Context) (models.Ticket, bool, error) {
	called, err := e.store.ListTickets(ctx, store.TicketFilter{Statuses: []models.TicketStatus{models.StatusCalled}})
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("list called tickets: %w", err)
	}
	ticket, ok := CurrentOf(called)
	return ticket, ok, nil
}

func (e *Engine) RecentCalls(ctx context.Context, limit int) ([]models.Ticket, error) {
	tickets, err := e.store.ListTickets(ctx, store.TicketFilter{
		Statuses: []models.TicketStatus{models.StatusCalled, models.StatusCompleted},
	})
	if err != nil {
		return nil, fmt.Errorf("list recent calls: %w", err)
	}
	return RecentCalls(tickets, limit), nil
}

func (e *Engine) emit(ctx context.Context, eventType string, ticket models.Ticket, serviceName string) {
	if serviceName == "" {
		if service, err := e.store.GetService(ctx, ticket.ServiceID); err == nil {
			serviceName = service.Name
		}
	}
	event := events.Event{Type: eventType, Ticket: ticket, ServiceName: serviceName, OccurredAt: e.now()}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("ticket event not delivered", "event", eventType, "ticket_id", ticket.ID, "error", err)
	}
}

func applyActionFields(patch *store.TicketPatch, input TicketActionInput) {
	if notes := strings.TrimSpace(input.Notes); notes != "" {
		patch.Notes = &notes
	}
	if input.AttendantID != "" {
		attendant := input.AttendantID
		patch.AttendantID = &attendant
	}
}

func normalizeClient(client *models.ClientData) (*models.ClientData, error) {
	if client == nil {
		return nil, nil
	}
	normalized := models.ClientData{
		Name:  strings.ToUpper(strings.TrimSpace(client.Name)),
		CPF:   strings.TrimSpace(client.CPF),
		Phone: strings.TrimSpace(client.Phone),
		Email: strings.TrimSpace(client.Email),
	}
	if normalized.Name == "" {
		return nil, ErrClientNameRequired
	}
	return &normalized, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
