package queue

import (
	"sort"

	"ekklesia/queue-service/internal/models"
)

// OrderWaiting returns the waiting tickets with priority tickets first and FIFO
// by timestamp within each tier. Non-waiting tickets are dropped.
func OrderWaiting(tickets []models.Ticket) []models.Ticket {
	waiting := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		if ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		pi := waiting[i].Type == models.TypePriority
		pj := waiting[j].Type == models.TypePriority
		if pi != pj {
			return pi
		}
		return waiting[i].Timestamp.Before(waiting[j].Timestamp)
	})
	return waiting
}

// CurrentOf picks the called ticket with the most recent CalledAt.
func CurrentOf(tickets []models.Ticket) (models.Ticket, bool) {
	var current models.Ticket
	found := false
	for _, ticket := range tickets {
		if ticket.Status != models.StatusCalled || ticket.CalledAt == nil {
			continue
		}
		if !found || ticket.CalledAt.After(*current.CalledAt) {
			current = ticket
			found = true
		}
	}
	return current, found
}

// OrderHistory keeps called, completed and canceled tickets, most recent activity first.
func OrderHistory(tickets []models.Ticket) []models.Ticket {
	history := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		switch ticket.Status {
		case models.StatusCalled, models.StatusCompleted, models.StatusCanceled:
			history = append(history, ticket)
		}
	}
	sort.SliceStable(history, func(i, j int) bool {
		ai, _ := history[i].LastActivity()
		aj, _ := history[j].LastActivity()
		return ai.After(aj)
	})
	return history
}

// RecentCalls lists called or completed tickets by CalledAt descending, as shown
// under the current call on the panel.
func RecentCalls(tickets []models.Ticket, limit int) []models.Ticket {
	recent := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		if ticket.CalledAt == nil {
			continue
		}
		if ticket.Status == models.StatusCalled || ticket.Status == models.StatusCompleted {
			recent = append(recent, ticket)
		}
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CalledAt.After(*recent[j].CalledAt)
	})
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}
	return recent
}
