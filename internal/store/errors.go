package store

import (
	"errors"
	"fmt"
)

var (
	ErrServiceNotFound     = errors.New("service not found")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrInvalidState        = errors.New("invalid ticket state")
	ErrSequenceUnavailable = errors.New("sequence unavailable")
)

// NotFoundError names the identifier that matched nothing. It unwraps to
// ErrTicketNotFound or ErrServiceNotFound.
type NotFoundError struct {
	Err error
	Key string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%v: %s", e.Err, e.Key) }

func (e *NotFoundError) Unwrap() error { return e.Err }

func TicketNotFound(key string) error { return &NotFoundError{Err: ErrTicketNotFound, Key: key} }

func ServiceNotFound(key string) error { return &NotFoundError{Err: ErrServiceNotFound, Key: key} }
