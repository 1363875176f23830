package queue

import (
	"testing"
	"time"

	"ekklesia/queue-service/internal/models"
)

func at(minute int) time.Time {
	return time.Date(2026, 1, 5, 8, minute, 0, 0, time.UTC)
}

func atPtr(minute int) *time.Time {
	t := at(minute)
	return &t
}

func TestOrderWaiting(t *testing.T) {
	tickets := []models.Ticket{
		{ID: "n3", Type: models.TypeNormal, Status: models.StatusWaiting, Timestamp: at(3)},
		{ID: "p2", Type: models.TypePriority, Status: models.StatusWaiting, Timestamp: at(5)},
		{ID: "c1", Type: models.TypePriority, Status: models.StatusCalled, Timestamp: at(0)},
		{ID: "n1", Type: models.TypeNormal, Status: models.StatusWaiting, Timestamp: at(1)},
		{ID: "p1", Type: models.TypePriority, Status: models.StatusWaiting, Timestamp: at(4)},
	}
	got := OrderWaiting(tickets)
	want := []string{"p1", "p2", "n1", "n3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tickets, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i].ID, want[i])
		}
	}
	if tickets[0].ID != "n3" {
		t.Fatalf("input slice must not be reordered")
	}
}

func TestCurrentOf(t *testing.T) {
	cases := []struct {
		name    string
		tickets []models.Ticket
		want    string
	}{
		{"none", nil, ""},
		{"ignores non-called", []models.Ticket{{ID: "a", Status: models.StatusCompleted, CalledAt: atPtr(9)}}, ""},
		{"latest call wins across services", []models.Ticket{
			{ID: "a", ServiceID: "cadastro", Status: models.StatusCalled, CalledAt: atPtr(1)},
			{ID: "b", ServiceID: "triagem", Status: models.StatusCalled, CalledAt: atPtr(7)},
			{ID: "c", ServiceID: "cadastro", Status: models.StatusCalled, CalledAt: atPtr(4)},
		}, "b"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CurrentOf(tt.tickets)
			if tt.want == "" {
				if ok {
					t.Fatalf("expected no current ticket, got %s", got.ID)
				}
				return
			}
			if !ok || got.ID != tt.want {
				t.Fatalf("got %s (%v), want %s", got.ID, ok, tt.want)
			}
		})
	}
}

func TestOrderHistory(t *testing.T) {
	tickets := []models.Ticket{
		{ID: "waiting", Status: models.StatusWaiting},
		{ID: "called", Status: models.StatusCalled, CalledAt: atPtr(2)},
		{ID: "completed", Status: models.StatusCompleted, CalledAt: atPtr(1), CompletedAt: atPtr(6)},
		{ID: "canceled", Status: models.StatusCanceled, CanceledAt: atPtr(4)},
	}
	got := OrderHistory(tickets)
	want := []string{"completed", "canceled", "called"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tickets, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestRecentCalls(t *testing.T) {
	tickets := []models.Ticket{
		{ID: "a", Status: models.StatusCompleted, CalledAt: atPtr(1)},
		{ID: "b", Status: models.StatusCalled, CalledAt: atPtr(5)},
		{ID: "c", Status: models.StatusCanceled, CalledAt: atPtr(9)},
		{ID: "d", Status: models.StatusCompleted, CalledAt: atPtr(3)},
		{ID: "e", Status: models.StatusWaiting},
	}
	got := RecentCalls(tickets, 2)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "d" {
		t.Fatalf("unexpected recent calls: %+v", got)
	}
}
