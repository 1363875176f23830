package queue

import (
	"errors"

	"ekklesia/queue-service/internal/store"
)

var (
	ErrGenerationPaused    = errors.New("generation paused")
	ErrDailyLimitReached   = errors.New("daily limit reached")
	ErrInvalidTicketType   = errors.New("invalid ticket type")
	ErrClientNameRequired  = errors.New("client name required")
	ErrTicketNumberMissing = errors.New("ticket number required")
	ErrServiceBusy         = errors.New("service already has a called ticket")
	ErrInvalidState        = store.ErrInvalidState
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindTransient  Kind = "transient"
)

// KindOf classifies an engine error. Anything unrecognised is treated as a
// store failure whose outcome the caller must reconcile.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrTicketNotFound), errors.Is(err, store.ErrServiceNotFound):
		return KindNotFound
	case errors.Is(err, ErrGenerationPaused),
		errors.Is(err, ErrDailyLimitReached),
		errors.Is(err, ErrInvalidTicketType),
		errors.Is(err, ErrClientNameRequired),
		errors.Is(err, ErrTicketNumberMissing),
		errors.Is(err, ErrServiceBusy),
		errors.Is(err, ErrInvalidState):
		return KindValidation
	default:
		return KindTransient
	}
}
