package events

import (
	"context"

	"ekklesia/queue-service/internal/broadcast"
)

// BroadcastNotifier announces calls and recalls as current_call messages.
type BroadcastNotifier struct {
	bus broadcast.Bus
}

func NewBroadcastNotifier(bus broadcast.Bus) *BroadcastNotifier {
	return &BroadcastNotifier{bus: bus}
}

func (n *BroadcastNotifier) Notify(ctx context.Context, event Event) error {
	if !event.IsCall() {
		return nil
	}
	msg, err := broadcast.NewCurrentCall(event.Ticket)
	if err != nil {
		return err
	}
	return n.bus.Publish(ctx, msg)
}
