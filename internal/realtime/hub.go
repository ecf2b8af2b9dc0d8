// ABOUTME: In-memory per-tenant fan-out of live events to connected clients
// ABOUTME: Delivery is at-most-once; slow subscribers drop events instead of blocking publishers

package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event is a single live notification for a tenant's clients.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Hub provides in-memory pub/sub keyed by tenant. Events published for one
// tenant are never delivered to another tenant's subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // tenantID -> subID -> ch
	closed      bool
	logger      *slog.Logger

	// onDrop is called for every event dropped because a subscriber was full.
	onDrop func(tenantID, event string)
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "realtime"),
	}
}

// OnDrop registers a callback invoked when an event is dropped for a slow subscriber.
func (h *Hub) OnDrop(fn func(tenantID, event string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Subscribe registers a subscriber for a tenant's events. The subscription is
// removed and its channel closed when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, tenantID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := h.subscribers[tenantID]; !ok {
		h.subscribers[tenantID] = make(map[string]chan Event)
	}
	h.subscribers[tenantID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of a tenant. It never blocks:
// a tenant with no subscribers simply misses the event.
func (h *Hub) Publish(tenantID, event string, payload any) {
	evt := Event{Name: event, Payload: payload, Time: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subscribers[tenantID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			h.logger.Debug("dropped event for slow subscriber", "tenant_id", tenantID, "event", event)
			if h.onDrop != nil {
				h.onDrop(tenantID, event)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions for a tenant.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[tenantID])
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(tenantID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[tenantID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(h.subscribers, tenantID)
	}

	h.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for tenantID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, tenantID)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
