package sequence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"ekklesia/queue-service/internal/models"
)

type fakeSource struct {
	next   func(ctx context.Context, serviceID string) (int64, error)
	latest func(ctx context.Context, serviceID string) (string, bool, error)
}

func (f fakeSource) NextSequence(ctx context.Context, serviceID string) (int64, error) {
	return f.next(ctx, serviceID)
}

func (f fakeSource) LatestTicketNumber(ctx context.Context, serviceID string) (string, bool, error) {
	return f.latest(ctx, serviceID)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var cadastro = models.ServiceConfig{ID: "cadastro", Name: "Cadastro", Prefix: "PX"}

func TestFormat(t *testing.T) {
	cases := []struct {
		prefix   string
		priority bool
		seq      int64
		want     string
	}{
		{"PX", false, 7, "PX-007"},
		{"PX", true, 12, "PXP-012"},
		{"CA", false, 1000, "CA-1000"},
		{"CA", true, 0, "CAP-000"},
	}
	for _, tt := range cases {
		if got := Format(tt.prefix, tt.priority, tt.seq); got != tt.want {
			t.Fatalf("Format(%q, %v, %d)=%q, want %q", tt.prefix, tt.priority, tt.seq, got, tt.want)
		}
	}
}

func TestParseSequence(t *testing.T) {
	cases := []struct {
		number string
		want   int64
		ok     bool
	}{
		{"CA-007", 7, true},
		{"CAP-012", 12, true},
		{"CA-1234", 1234, true},
		{"CA", 0, false},
		{"CA-", 0, false},
		{"CA-abc", 0, false},
	}
	for _, tt := range cases {
		got, ok := ParseSequence(tt.number)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParseSequence(%q)=(%d,%v), want (%d,%v)", tt.number, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAllocateUsesAtomicCounter(t *testing.T) {
	alloc := NewAllocator(fakeSource{
		next: func(ctx context.Context, serviceID string) (int64, error) { return 12, nil },
		latest: func(ctx context.Context, serviceID string) (string, bool, error) {
			t.Fatalf("fallback must not run when the counter works")
			return "", false, nil
		},
	}, quietLogger())

	number, err := alloc.Allocate(context.Background(), cadastro, true)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if number != "PXP-012" {
		t.Fatalf("expected PXP-012, got %s", number)
	}
}

func TestAllocateFallback(t *testing.T) {
	down := errors.New("rpc unavailable")
	cases := []struct {
		name     string
		latest   string
		found    bool
		priority bool
		want     string
	}{
		{"increments latest", "PX-041", true, false, "PX-042"},
		{"renormalizes priority marker", "PX-041", true, true, "PXP-042"},
		{"starts at one when empty", "", false, false, "PX-001"},
		{"starts at one when unparseable", "legacy", true, false, "PX-001"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			alloc := NewAllocator(fakeSource{
				next: func(ctx context.Context, serviceID string) (int64, error) { return 0, down },
				latest: func(ctx context.Context, serviceID string) (string, bool, error) {
					return tt.latest, tt.found, nil
				},
			}, quietLogger())
			number, err := alloc.Allocate(context.Background(), cadastro, tt.priority)
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			if number != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, number)
			}
		})
	}
}

func TestAllocateFailsWhenBothPathsFail(t *testing.T) {
	down := errors.New("rpc unavailable")
	unreachable := errors.New("store unreachable")
	alloc := NewAllocator(fakeSource{
		next:   func(ctx context.Context, serviceID string) (int64, error) { return 0, down },
		latest: func(ctx context.Context, serviceID string) (string, bool, error) { return "", false, unreachable },
	}, quietLogger())

	_, err := alloc.Allocate(context.Background(), cadastro, false)
	if !errors.Is(err, down) || !errors.Is(err, unreachable) {
		t.Fatalf("expected both causes in error, got %v", err)
	}
}

// The fallback path reads the latest number without any lock, so two racing
// allocations that observe the same latest ticket receive the same number.
func TestFallbackCanDuplicateUnderConcurrency(t *testing.T) {
	var ready sync.WaitGroup
	ready.Add(2)
	release := make(chan struct{})
	alloc := NewAllocator(fakeSource{
		next: func(ctx context.Context, serviceID string) (int64, error) { return 0, errors.New("down") },
		latest: func(ctx context.Context, serviceID string) (string, bool, error) {
			ready.Done()
			<-release
			return "PX-009", true, nil
		},
	}, quietLogger())

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			number, err := alloc.Allocate(context.Background(), cadastro, false)
			if err != nil {
				results <- "error: " + err.Error()
				return
			}
			results <- number
		}()
	}
	ready.Wait()
	close(release)

	first, second := <-results, <-results
	if first != "PX-010" || second != "PX-010" {
		t.Fatalf("expected both racing allocations to get PX-010, got %s and %s", first, second)
	}
}
