// Package livesync keeps a process-local view of tickets, services and the panel
// message in step with the store and the broadcast bus.
package livesync

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"ekklesia/queue-service/internal/broadcast"
	"ekklesia/queue-service/internal/models"
	"ekklesia/queue-service/internal/queue"
	"ekklesia/queue-service/internal/store"
)

const (
	DefaultResubscribeDelay    = 2 * time.Second
	DefaultLocalMutationWindow = 500 * time.Millisecond
)

// Source is the part of the ticket store the coordinator reads from.
type Source interface {
	ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	ListServices(ctx context.Context) ([]models.ServiceConfig, error)
	Subscribe(ctx context.Context) (store.Subscription, error)
}

type Options struct {
	Bus                 broadcast.Bus
	Logger              *slog.Logger
	Clock               func() time.Time
	ResubscribeDelay    time.Duration
	LocalMutationWindow time.Duration
}

type Snapshot struct {
	Tickets        []models.Ticket            `json:"tickets"`
	Services       []models.ServiceConfig     `json:"services"`
	Current        *models.Ticket             `json:"current_ticket"`
	LastCall       *models.Ticket             `json:"last_call,omitempty"`
	DisplayMessage string                     `json:"display_message"`
	Waiting        map[string][]models.Ticket `json:"waiting"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

type Coordinator struct {
	source Source
	bus    broadcast.Bus
	logger *slog.Logger
	now    func() time.Time
	delay  time.Duration
	window time.Duration

	mu             sync.RWMutex
	tickets        []models.Ticket
	services       []models.ServiceConfig
	overlay        map[string]models.Ticket
	displayMessage string
	lastCall       *models.Ticket
	skipArmed      bool
	localAt        time.Time
	updatedAt      time.Time
	listeners      []func(Snapshot)
}

func NewCoordinator(source Source, options Options) *Coordinator {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	delay := options.ResubscribeDelay
	if delay <= 0 {
		delay = DefaultResubscribeDelay
	}
	window := options.LocalMutationWindow
	if window <= 0 {
		window = DefaultLocalMutationWindow
	}
	return &Coordinator{
		source:  source,
		bus:     options.Bus,
		logger:  logger,
		now:     clock,
		delay:   delay,
		window:  window,
		overlay: make(map[string]models.Ticket),
	}
}

// OnUpdate registers a listener called after every state change. Listeners run
// on the goroutine that produced the change and must not block.
func (c *Coordinator) OnUpdate(fn func(Snapshot)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Run loads the initial state and keeps both subscriptions alive until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.ReloadServices(ctx); err != nil {
		c.logger.Warn("initial services load failed", "error", err)
	}
	if err := c.ReloadTickets(ctx); err != nil {
		c.logger.Warn("initial tickets load failed", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watchStore(ctx)
	}()
	if c.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.watchBus(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (c *Coordinator) ReloadTickets(ctx context.Context) error {
	tickets, err := c.source.ListTickets(ctx, store.TicketFilter{})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tickets = tickets
	c.overlay = make(map[string]models.Ticket)
	c.updatedAt = c.now()
	c.mu.Unlock()
	c.publish()
	return nil
}

func (c *Coordinator) ReloadServices(ctx context.Context) error {
	services, err := c.source.ListServices(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.services = services
	c.updatedAt = c.now()
	c.mu.Unlock()
	c.publish()
	return nil
}

// ApplyLocal shows the result of a local mutation before the store notification
// arrives, and skips one ticket reconciliation that lands within the window.
func (c *Coordinator) ApplyLocal(ticket models.Ticket) {
	c.mu.Lock()
	c.overlay[ticket.ID] = ticket
	c.skipArmed = true
	c.localAt = c.now()
	c.updatedAt = c.localAt
	c.mu.Unlock()
	c.publish()
}

// SetDisplayMessage updates the panel text here and on every process sharing the bus.
// An empty message clears it.
func (c *Coordinator) SetDisplayMessage(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	c.setDisplayMessage(message)
	if c.bus == nil {
		return nil
	}
	return c.bus.Publish(ctx, broadcast.NewDisplayMessage(message))
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	merged := make([]models.Ticket, 0, len(c.tickets)+len(c.overlay))
	seen := make(map[string]bool, len(c.overlay))
	for _, ticket := range c.tickets {
		if local, ok := c.overlay[ticket.ID]; ok {
			merged = append(merged, local)
			seen[ticket.ID] = true
			continue
		}
		merged = append(merged, ticket)
	}
	for id, local := range c.overlay {
		if !seen[id] {
			merged = append(merged, local)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })

	snapshot := Snapshot{
		Tickets:        merged,
		Services:       append([]models.ServiceConfig(nil), c.services...),
		DisplayMessage: c.displayMessage,
		Waiting:        make(map[string][]models.Ticket),
		UpdatedAt:      c.updatedAt,
	}
	if current, ok := queue.CurrentOf(merged); ok {
		snapshot.Current = &current
	}
	if c.lastCall != nil {
		last := *c.lastCall
		snapshot.LastCall = &last
	}
	for _, ticket := range queue.OrderWaiting(merged) {
		snapshot.Waiting[ticket.ServiceID] = append(snapshot.Waiting[ticket.ServiceID], ticket)
	}
	return snapshot
}

func (c *Coordinator) publish() {
	c.mu.RLock()
	listeners := slices.Clone(c.listeners)
	var snapshot Snapshot
	if len(listeners) > 0 {
		snapshot = c.snapshotLocked()
	}
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (c *Coordinator) setDisplayMessage(message string) {
	c.mu.Lock()
	c.displayMessage = message
	c.updatedAt = c.now()
	c.mu.Unlock()
	c.publish()
}

func (c *Coordinator) setLastCall(ticket models.Ticket) {
	c.mu.Lock()
	c.lastCall = &ticket
	c.updatedAt = c.now()
	c.mu.Unlock()
	c.publish()
}

// consumeSkip reports whether this reconciliation should be skipped. The flag is
// one-shot: it is cleared whether or not it was still inside the window.
func (c *Coordinator) consumeSkip() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.skipArmed {
		return false
	}
	c.skipArmed = false
	return c.now().Sub(c.localAt) <= c.window
}
