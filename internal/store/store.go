package store

import (
	"context"
	"time"

	"ekklesia/queue-service/internal/models"
)

const (
	CollectionTickets  = "tickets"
	CollectionServices = "services"
)

type NewTicket struct {
	Number    string
	Type      models.TicketType
	ServiceID string
	Timestamp time.Time
	Client    *models.ClientData
}

// TicketPatch describes a partial update. Nil fields are left untouched.
// When ExpectStatus is non-empty the update only applies while the row is in
// one of those statuses; otherwise ErrInvalidState is returned.
type TicketPatch struct {
	Status          *models.TicketStatus
	CalledAt        *time.Time
	CompletedAt     *time.Time
	CanceledAt      *time.Time
	ClearCalledAt   bool
	ClearCanceledAt bool
	Notes           *string
	AttendantID     *string
	ExpectStatus    []models.TicketStatus
}

type SortOrder int

const (
	OldestFirst SortOrder = iota
	NewestFirst
)

type TicketFilter struct {
	ServiceID string
	Statuses  []models.TicketStatus
	Number    string
	Order     SortOrder
	Limit     int
}

type ChangeEvent struct {
	Collection string `json:"collection"`
	Op         string `json:"op"`
	ID         string `json:"id"`
}

// Subscription delivers row change notifications until it fails or is closed.
// Events is closed when the subscription ends; Err then reports why.
type Subscription interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

type TicketStore interface {
	InsertTicket(ctx context.Context, input NewTicket) (models.Ticket, error)
	UpdateTicket(ctx context.Context, ticketID string, patch TicketPatch) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	CountTickets(ctx context.Context, serviceID string, from, to time.Time) (int, error)
	NextSequence(ctx context.Context, serviceID string) (int64, error)
	LatestTicketNumber(ctx context.Context, serviceID string) (string, bool, error)
	ListServices(ctx context.Context) ([]models.ServiceConfig, error)
	GetService(ctx context.Context, serviceID string) (models.ServiceConfig, error)
	SaveService(ctx context.Context, service models.ServiceConfig) (models.ServiceConfig, error)
	DeleteService(ctx context.Context, serviceID string) error
	SetServicePaused(ctx context.Context, serviceID string, paused bool) (models.ServiceConfig, error)
	Subscribe(ctx context.Context) (Subscription, error)
}
