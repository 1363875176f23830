package models

import "time"

type TicketType string

type TicketStatus string

const (
	TypeNormal   TicketType = "normal"
	TypePriority TicketType = "priority"
)

const (
	StatusWaiting   TicketStatus = "waiting"
	StatusCalled    TicketStatus = "called"
	StatusCompleted TicketStatus = "completed"
	StatusCanceled  TicketStatus = "canceled"
)

type ClientData struct {
	Name  string `json:"name"`
	CPF   string `json:"cpf,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type Ticket struct {
	ID          string       `json:"id"`
	Number      string       `json:"ticket_number"`
	Type        TicketType   `json:"type"`
	ServiceID   string       `json:"service_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Status      TicketStatus `json:"status"`
	CalledAt    *time.Time   `json:"called_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CanceledAt  *time.Time   `json:"canceled_at,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	AttendantID string       `json:"attendant_id,omitempty"`
	Client      *ClientData  `json:"client,omitempty"`
}

func (t TicketType) Valid() bool {
	return t == TypeNormal || t == TypePriority
}

// LastActivity returns the most recent of CalledAt, CompletedAt and CanceledAt.
func (t Ticket) LastActivity() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, ts := range []*time.Time{t.CalledAt, t.CompletedAt, t.CanceledAt} {
		if ts == nil {
			continue
		}
		if !found || ts.After(latest) {
			latest = *ts
			found = true
		}
	}
	return latest, found
}
