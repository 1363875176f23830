// Package sequence turns per-service counters into display ticket numbers.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"ekklesia/queue-service/internal/models"
)

const ticketNumberPad = 3

// Source is the subset of the ticket store the allocator needs.
type Source interface {
	NextSequence(ctx context.Context, serviceID string) (int64, error)
	LatestTicketNumber(ctx context.Context, serviceID string) (string, bool, error)
}

type Allocator struct {
	source Source
	logger *slog.Logger
}

func NewAllocator(source Source, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{source: source, logger: logger}
}

// Allocate returns the next ticket number for the service. The atomic counter is
// preferred; when it fails the number is derived from the latest issued ticket,
// which can hand out the same number to concurrent callers.
func (a *Allocator) Allocate(ctx context.Context, service models.ServiceConfig, priority bool) (string, error) {
	seq, err := a.source.NextSequence(ctx, service.ID)
	if err == nil {
		return Format(service.Prefix, priority, seq), nil
	}

	a.logger.Warn("atomic sequence unavailable, deriving number from latest ticket; duplicates possible under concurrent issue",
		"service_id", service.ID, "error", err)

	latest, found, fallbackErr := a.source.LatestTicketNumber(ctx, service.ID)
	if fallbackErr != nil {
		return "", fmt.Errorf("allocate ticket number for %s: %w", service.ID, errors.Join(err, fallbackErr))
	}
	next := int64(1)
	if found {
		if parsed, ok := ParseSequence(latest); ok {
			next = parsed + 1
		}
	}
	return Format(service.Prefix, priority, next), nil
}

// Format renders PREFIX[P]-NNN with the sequence padded to at least three digits.
func Format(prefix string, priority bool, seq int64) string {
	marker := ""
	if priority {
		marker = "P"
	}
	return fmt.Sprintf("%s%s-%0*d", prefix, marker, ticketNumberPad, seq)
}

// ParseSequence extracts the numeric part after the last dash of a ticket number.
func ParseSequence(number string) (int64, bool) {
	idx := strings.LastIndex(number, "-")
	if idx < 0 || idx == len(number)-1 {
		return 0, false
	}
	seq, err := strconv.ParseInt(number[idx+1:], 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}
