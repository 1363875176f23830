package livesync

import (
	"context"
	"time"

	"ekklesia/queue-service/internal/broadcast"
	"ekklesia/queue-service/internal/store"
)

func (c *Coordinator) watchStore(ctx context.Context) {
	for {
		sub, err := c.source.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("store subscription failed", "error", err, "retry_in", c.delay)
			if !sleepCtx(ctx, c.delay) {
				return
			}
			continue
		}
		// Changes committed before LISTEN took effect produced no event.
		c.resync(ctx)

		for event := range sub.Events() {
			c.handleStoreEvent(ctx, event)
		}
		cause := sub.Err()
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("store subscription closed", "error", cause, "retry_in", c.delay)
		if !sleepCtx(ctx, c.delay) {
			return
		}
	}
}

func (c *Coordinator) handleStoreEvent(ctx context.Context, event store.ChangeEvent) {
	switch event.Collection {
	case store.CollectionTickets:
		if c.consumeSkip() {
			c.logger.Debug("skipping ticket reload after local mutation", "ticket_id", event.ID)
			return
		}
		if err := c.ReloadTickets(ctx); err != nil {
			c.logger.Warn("ticket reload failed", "error", err)
		}
	case store.CollectionServices:
		if err := c.ReloadServices(ctx); err != nil {
			c.logger.Warn("service reload failed", "error", err)
		}
	}
}

// resync reloads everything to cover a gap in notifications.
func (c *Coordinator) resync(ctx context.Context) {
	if err := c.ReloadServices(ctx); err != nil {
		c.logger.Warn("service reload failed", "error", err)
	}
	if err := c.ReloadTickets(ctx); err != nil {
		c.logger.Warn("ticket reload failed", "error", err)
	}
}

func (c *Coordinator) watchBus(ctx context.Context) {
	for {
		sub, err := c.bus.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("broadcast subscription failed", "error", err, "retry_in", c.delay)
			if !sleepCtx(ctx, c.delay) {
				return
			}
			continue
		}

		for msg := range sub.Messages() {
			c.handleBroadcast(msg)
		}
		cause := sub.Err()
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("broadcast subscription closed", "error", cause, "retry_in", c.delay)
		if !sleepCtx(ctx, c.delay) {
			return
		}
	}
}

func (c *Coordinator) handleBroadcast(msg broadcast.Message) {
	switch msg.Event {
	case broadcast.EventDisplayMessage:
		text, err := msg.DisplayText()
		if err != nil {
			c.logger.Warn("malformed display message", "error", err)
			return
		}
		c.setDisplayMessage(text)
	case broadcast.EventCurrentCall:
		ticket, err := msg.CalledTicket()
		if err != nil {
			c.logger.Warn("malformed current call", "error", err)
			return
		}
		c.setLastCall(ticket)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
