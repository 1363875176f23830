// Package memory is an in-process TicketStore used for local development and tests.
// It keeps the same guarantees as the Postgres store within a single process.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ekklesia/queue-service/internal/models"
	"ekklesia/queue-service/internal/store"

	"github.com/google/uuid"
)

var ErrDisconnected = errors.New("memory store: subscription disconnected")

// Failures injects errors into individual operations. A nil field disables injection.
type Failures struct {
	Sequence  error
	Latest    error
	Insert    error
	Update    error
	List      error
	Subscribe error
}

type Store struct {
	mu        sync.Mutex
	tickets   map[string]models.Ticket
	services  map[string]models.ServiceConfig
	sequences map[string]int64
	subs      map[*subscription]struct{}
	failures  Failures
	now       func() time.Time
}

func New() *Store {
	return &Store{
		tickets:   make(map[string]models.Ticket),
		services:  make(map[string]models.ServiceConfig),
		sequences: make(map[string]int64),
		subs:      make(map[*subscription]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) SetFailures(failures Failures) {
	s.mu.Lock()
	s.failures = failures
	s.mu.Unlock()
}

// Disconnect ends every open subscription with ErrDisconnected.
func (s *Store) Disconnect() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()
	for sub := range subs {
		sub.end(ErrDisconnected)
	}
}

func (s *Store) InsertTicket(ctx context.Context, input store.NewTicket) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures.Insert != nil {
		return models.Ticket{}, s.failures.Insert
	}
	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}
	ticket := models.Ticket{
		ID:        uuid.NewString(),
		Number:    input.Number,
		Type:      input.Type,
		ServiceID: input.ServiceID,
		Timestamp: timestamp,
		Status:    models.StatusWaiting,
	}
	if input.Client != nil {
		client := *input.Client
		ticket.Client = &client
	}
	s.tickets[ticket.ID] = ticket
	s.notifyLocked(store.CollectionTickets, "INSERT", ticket.ID)
	return cloneTicket(ticket), nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticketID string, patch store.TicketPatch) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures.Update != nil {
		return models.Ticket{}, s.failures.Update
	}
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.TicketNotFound(ticketID)
	}
	if len(patch.ExpectStatus) > 0 && !statusIn(ticket.Status, patch.ExpectStatus) {
		return models.Ticket{}, store.ErrInvalidState
	}
	if patch.Status != nil {
		ticket.Status = *patch.Status
	}
	if patch.ClearCalledAt {
		ticket.CalledAt = nil
	} else if patch.CalledAt != nil {
		ticket.CalledAt = timePtr(*patch.CalledAt)
	}
	if patch.CompletedAt != nil {
		ticket.CompletedAt = timePtr(*patch.CompletedAt)
	}
	if patch.ClearCanceledAt {
		ticket.CanceledAt = nil
	} else if patch.CanceledAt != nil {
		ticket.CanceledAt = timePtr(*patch.CanceledAt)
	}
	if patch.Notes != nil {
		ticket.Notes = *patch.Notes
	}
	if patch.AttendantID != nil {
		ticket.AttendantID = *patch.AttendantID
	}
	s.tickets[ticketID] = ticket
	s.notifyLocked(store.CollectionTickets, "UPDATE", ticketID)
	return cloneTicket(ticket), nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.TicketNotFound(ticketID)
	}
	return cloneTicket(ticket), nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures.List != nil {
		return nil, s.failures.List
	}
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if filter.ServiceID != "" && ticket.ServiceID != filter.ServiceID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(ticket.Status, filter.Statuses) {
			continue
		}
		if filter.Number != "" && ticket.Number != filter.Number {
			continue
		}
		tickets = append(tickets, cloneTicket(ticket))
	}
	sort.SliceStable(tickets, func(i, j int) bool {
		if filter.Order == store.NewestFirst {
			return tickets[i].Timestamp.After(tickets[j].Timestamp)
		}
		return tickets[i].Timestamp.Before(tickets[j].Timestamp)
	})
	if filter.Limit > 0 && len(tickets) > filter.Limit {
		tickets = tickets[:filter.Limit]
	}
	return tickets, nil
}

func (s *Store) CountTickets(ctx context.Context, serviceID string, from, to time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, ticket := range s.tickets {
		if ticket.ServiceID != serviceID {
			continue
		}
		if !ticket.Timestamp.Before(from) && ticket.Timestamp.Before(to) {
			count++
		}
	}
	return count, nil
}

func (s *Store) NextSequence(ctx context.Context, serviceID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures.Sequence != nil {
		return 0, s.failures.Sequence
	}
	s.sequences[serviceID]++
	return s.sequences[serviceID], nil
}

func (s *Store) LatestTicketNumber(ctx context.Context, serviceID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures.Latest != nil {
		return "", false, s.failures.Latest
	}
	var latest models.Ticket
	found := false
	for _, ticket := range s.tickets {
		if ticket.ServiceID != serviceID {
			continue
		}
		if !found || ticket.Timestamp.After(latest.Timestamp) {
			latest = ticket
			found = true
		}
	}
	return latest.Number, found, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.ServiceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	services := make([]models.ServiceConfig, 0, len(s.services))
	for _, service := range s.services {
		services = append(services, cloneService(service))
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.ServiceConfig, error) {
	if err := ctx.Err(); err != nil {
		return models.ServiceConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceID]
	if !ok {
		return models.ServiceConfig{}, store.ServiceNotFound(serviceID)
	}
	return cloneService(service), nil
}

func (s *Store) SaveService(ctx context.Context, service models.ServiceConfig) (models.ServiceConfig, error) {
	if err := ctx.Err(); err != nil {
		return models.ServiceConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op := "INSERT"
	if _, exists := s.services[service.ID]; exists {
		op = "UPDATE"
	}
	s.services[service.ID] = cloneService(service)
	s.notifyLocked(store.CollectionServices, op, service.ID)
	return cloneService(service), nil
}

func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return store.ServiceNotFound(serviceID)
	}
	delete(s.services, serviceID)
	s.notifyLocked(store.CollectionServices, "DELETE", serviceID)
	return nil
}

func (s *Store) SetServicePaused(ctx context.Context, serviceID string, paused bool) (models.ServiceConfig, error) {
	if err := ctx.Err(); err != nil {
		return models.ServiceConfig{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceID]
	if !ok {
		return models.ServiceConfig{}, store.ServiceNotFound(serviceID)
	}
	service.Paused = paused
	s.services[serviceID] = service
	s.notifyLocked(store.CollectionServices, "UPDATE", serviceID)
	return cloneService(service), nil
}

func statusIn(status models.TicketStatus, allowed []models.TicketStatus) bool {
	for _, candidate := range allowed {
		if candidate == status {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func cloneTicket(ticket models.Ticket) models.Ticket {
	if ticket.CalledAt != nil {
		ticket.CalledAt = timePtr(*ticket.CalledAt)
	}
	if ticket.CompletedAt != nil {
		ticket.CompletedAt = timePtr(*ticket.CompletedAt)
	}
	if ticket.CanceledAt != nil {
		ticket.CanceledAt = timePtr(*ticket.CanceledAt)
	}
	if ticket.Client != nil {
		client := *ticket.Client
		ticket.Client = &client
	}
	return ticket
}

func cloneService(service models.ServiceConfig) models.ServiceConfig {
	if service.MaxTickets != nil {
		limit := *service.MaxTickets
		service.MaxTickets = &limit
	}
	return service
}
