package store

import "ekklesia/queue-service/internal/models"

const (
	ActionCall     = "call"
	ActionRecall   = "recall"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
	ActionRequeue  = "requeue"
)

var transitionMap = map[string][]models.TicketStatus{
	ActionCall:     {models.StatusWaiting},
	ActionRecall:   {models.StatusCalled},
	ActionComplete: {models.StatusCalled},
	ActionCancel:   {models.StatusWaiting, models.StatusCalled},
	ActionRequeue:  {models.StatusCalled, models.StatusCompleted, models.StatusCanceled},
}

func ValidTransition(action string, fromStatus models.TicketStatus) bool {
	for _, status := range AllowedFrom(action) {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses an action may start from, for use as an update guard.
func AllowedFrom(action string) []models.TicketStatus {
	allowed, ok := transitionMap[action]
	if !ok {
		return nil
	}
	out := make([]models.TicketStatus, len(allowed))
	copy(out, allowed)
	return out
}
