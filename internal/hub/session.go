package hub

import (
	"github.com/google/uuid"
)

// Session is the part of a SockJS session the hub uses.
type Session interface {
	Recv() (string, error)
	Send(string) error
}

const clientBuffer = 16

// Serve registers the session and relays hub messages to it until the peer
// disconnects. Clients may send subscribe/unsubscribe messages to follow one service.
func (h *Hub) Serve(session Session) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
	h.Register(client)
	h.logger.Debug("realtime client connected", "client_id", client.ID, "clients", h.ClientCount())
	defer func() {
		h.Unregister(client)
		h.logger.Debug("realtime client disconnected", "client_id", client.ID, "clients", h.ClientCount())
	}()

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		h.UpdateSubscription(client, Subscription{ServiceID: parsed.ServiceID})
	}
}
