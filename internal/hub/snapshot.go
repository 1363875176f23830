package hub

import (
	"encoding/json"
	"time"

	"ekklesia/queue-service/internal/livesync"
	"ekklesia/queue-service/internal/models"
)

const (
	MessagePanelState   = "panel.state"
	MessageQueueUpdated = "queue.snapshot"
)

type envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type panelState struct {
	Current        *models.Ticket         `json:"current_ticket"`
	LastCall       *models.Ticket         `json:"last_call,omitempty"`
	DisplayMessage string                 `json:"display_message"`
	Services       []models.ServiceConfig `json:"services"`
}

type queueState struct {
	ServiceID string          `json:"service_id"`
	Waiting   []models.Ticket `json:"waiting"`
}

// PushSnapshot sends the global panel state to every client and each service's
// waiting line to the clients following that service.
func (h *Hub) PushSnapshot(snapshot livesync.Snapshot) {
	panel, err := json.Marshal(envelope{
		Type: MessagePanelState,
		Payload: panelState{
			Current:        snapshot.Current,
			LastCall:       snapshot.LastCall,
			DisplayMessage: snapshot.DisplayMessage,
			Services:       snapshot.Services,
		},
		CreatedAt: snapshot.UpdatedAt,
	})
	if err != nil {
		h.logger.Error("encode panel state", "error", err)
		return
	}

	queues := make(map[string][]byte, len(snapshot.Services))
	for _, service := range snapshot.Services {
		waiting := snapshot.Waiting[service.ID]
		if waiting == nil {
			waiting = []models.Ticket{}
		}
		payload, err := json.Marshal(envelope{
			Type:      MessageQueueUpdated,
			Payload:   queueState{ServiceID: service.ID, Waiting: waiting},
			CreatedAt: snapshot.UpdatedAt,
		})
		if err != nil {
			h.logger.Error("encode queue state", "service_id", service.ID, "error", err)
			continue
		}
		queues[service.ID] = payload
	}

	h.mu.Lock()
	h.panel = panel
	h.queues = queues
	h.mu.Unlock()

	h.Broadcast(panel, "")
	for serviceID, payload := range queues {
		h.Broadcast(payload, serviceID)
	}
}
