package hub

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ekklesia/queue-service/internal/livesync"
	"ekklesia/queue-service/internal/models"
)

func newTestHub() *Hub {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func drain(ch chan []byte) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			var env struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(msg, &env)
			out = append(out, env.Type)
		default:
			return out
		}
	}
}

func TestBroadcastMatchesSubscription(t *testing.T) {
	h := newTestHub()
	all := &Client{ID: "all", Send: make(chan []byte, 4)}
	cadastro := &Client{ID: "cadastro", Send: make(chan []byte, 4)}
	h.Register(all)
	h.Register(cadastro)
	h.UpdateSubscription(cadastro, Subscription{ServiceID: "cadastro"})

	h.Broadcast([]byte(`{"type":"a"}`), "triagem")
	h.Broadcast([]byte(`{"type":"b"}`), "cadastro")
	h.Broadcast([]byte(`{"type":"c"}`), "")

	if got := drain(all.Send); len(got) != 3 {
		t.Fatalf("unfiltered client expected 3 messages, got %v", got)
	}
	if got := drain(cadastro.Send); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("filtered client expected [b c], got %v", got)
	}

	h.Unregister(cadastro)
	h.Unregister(cadastro)
	if h.ClientCount() != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", h.ClientCount())
	}
	if got := h.Var().String(); got != "1" {
		t.Fatalf("expected client gauge 1, got %s", got)
	}
}

func TestPushSnapshotReplaysToLateClients(t *testing.T) {
	h := newTestHub()
	now := time.Now()
	current := models.Ticket{ID: "t1", Number: "CA-001", ServiceID: "cadastro", Status: models.StatusCalled, CalledAt: &now}
	h.PushSnapshot(livesync.Snapshot{
		Services: []models.ServiceConfig{{ID: "cadastro", Prefix: "CA"}, {ID: "triagem", Prefix: "TR"}},
		Current:  &current,
		Waiting: map[string][]models.Ticket{
			"cadastro": {{ID: "t2", Number: "CA-002", ServiceID: "cadastro", Status: models.StatusWaiting}},
		},
		DisplayMessage: "Bem-vindos",
	})

	late := &Client{ID: "late", Send: make(chan []byte, 4)}
	h.Register(late)
	msg := <-late.Send
	var env struct {
		Type    string     `json:"type"`
		Payload panelState `json:"payload"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != MessagePanelState || env.Payload.Current == nil || env.Payload.Current.Number != "CA-001" || env.Payload.DisplayMessage != "Bem-vindos" {
		t.Fatalf("unexpected panel state: %+v", env)
	}

	h.UpdateSubscription(late, Subscription{ServiceID: "cadastro"})
	var queue struct {
		Type    string     `json:"type"`
		Payload queueState `json:"payload"`
	}
	if err := json.Unmarshal(<-late.Send, &queue); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if queue.Type != MessageQueueUpdated || len(queue.Payload.Waiting) != 1 || queue.Payload.Waiting[0].Number != "CA-002" {
		t.Fatalf("unexpected queue snapshot: %+v", queue)
	}
}

type fakeSession struct {
	incoming chan string
	mu       sync.Mutex
	sent     []string
}

func (f *fakeSession) Recv() (string, error) {
	msg, ok := <-f.incoming
	if !ok {
		return "", errors.New("closed")
	}
	return msg, nil
}

func (f *fakeSession) Send(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestServeHandlesSubscribeAndDisconnect(t *testing.T) {
	h := newTestHub()
	session := &fakeSession{incoming: make(chan string)}
	done := make(chan struct{})
	go func() {
		h.Serve(session)
		close(done)
	}()

	session.incoming <- `{"action":"subscribe","service_id":"triagem"}`
	// Serve is back in Recv once this is accepted, so the subscription is applied.
	session.incoming <- `not json`
	h.Broadcast([]byte(`{"type":"other"}`), "cadastro")
	h.Broadcast([]byte(`{"type":"mine"}`), "triagem")

	deadline := time.Now().Add(time.Second)
	for session.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if session.count() != 1 {
		t.Fatalf("expected exactly one relayed message, got %d", session.count())
	}

	close(session.incoming)
	<-done
	if h.ClientCount() != 0 {
		t.Fatalf("client must be unregistered after disconnect")
	}
}

func TestParseSubscribe(t *testing.T) {
	if _, ok := ParseSubscribe([]byte(`{"action":"join"}`)); ok {
		t.Fatalf("unknown action must be rejected")
	}
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","service_id":"cadastro"}`))
	if !ok || msg.ServiceID != "cadastro" {
		t.Fatalf("unexpected parse result: %+v %v", msg, ok)
	}
}
