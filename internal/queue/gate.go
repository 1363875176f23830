package queue

import (
	"fmt"
	"time"

	"ekklesia/queue-service/internal/models"
)

// CheckGate decides whether a new ticket may be issued for the service given how
// many were already issued in the current calendar day.
func CheckGate(service models.ServiceConfig, issuedToday int) error {
	if service.Paused {
		return fmt.Errorf("%w: service %s", ErrGenerationPaused, service.ID)
	}
	if limit, ok := service.DailyCap(); ok && issuedToday >= limit {
		return fmt.Errorf("%w: service %s issued %d of %d", ErrDailyLimitReached, service.ID, issuedToday, limit)
	}
	return nil
}

// DayBounds returns [start, end) of the calendar day containing now in loc.
func DayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
