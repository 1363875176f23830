package queue

import (
	"errors"
	"testing"
	"time"

	"ekklesia/queue-service/internal/models"
)

func TestCheckGate(t *testing.T) {
	three := 3
	zero := 0
	cases := []struct {
		name    string
		service models.ServiceConfig
		issued  int
		want    error
	}{
		{"open", models.ServiceConfig{ID: "s"}, 100, nil},
		{"paused", models.ServiceConfig{ID: "s", Paused: true}, 0, ErrGenerationPaused},
		{"under cap", models.ServiceConfig{ID: "s", MaxTickets: &three}, 2, nil},
		{"at cap", models.ServiceConfig{ID: "s", MaxTickets: &three}, 3, ErrDailyLimitReached},
		{"zero cap is unlimited", models.ServiceConfig{ID: "s", MaxTickets: &zero}, 50, nil},
		{"paused wins over cap", models.ServiceConfig{ID: "s", Paused: true, MaxTickets: &three}, 3, ErrGenerationPaused},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckGate(tt.service, tt.issued)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDayBoundsUsesLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	now := time.Date(2026, 3, 11, 1, 30, 0, 0, time.UTC)
	start, end := DayBounds(now, loc)
	wantStart := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	if !start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantStart.Add(24 * time.Hour)) {
		t.Fatalf("end = %v", end)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("nil error has no kind")
	}
	if KindOf(errors.New("dial tcp: timeout")) != KindTransient {
		t.Fatalf("unknown errors are transient")
	}
	if KindOf(ErrInvalidState) != KindValidation {
		t.Fatalf("invalid state is a validation failure")
	}
}
