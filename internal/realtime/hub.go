// Package realtime streams risk changes to WebSocket subscribers.
//
// Dashboards and analysts subscribe instead of polling:
// - risk_updated whenever an account is rescored in real time
// - zone_changed when that rescore moves it between zones
// - pipeline_completed after each batch run
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/metrics"
)

// EventType for real-time events
type EventType string

const (
	EventRiskUpdated       EventType = "risk_updated"
	EventZoneChanged       EventType = "zone_changed"
	EventPipelineCompleted EventType = "pipeline_completed"

	// Control messages sent to a single client in reply to a subscription.
	EventSubscribed EventType = "subscribed"
	EventError      EventType = "error"
)

func (t EventType) broadcastable() bool {
	switch t {
	case EventRiskUpdated, EventZoneChanged, EventPipelineCompleted:
		return true
	}
	return false
}

// Event represents a real-time event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// RiskUpdate is the payload of risk_updated and zone_changed events.
type RiskUpdate struct {
	AccountID          string     `json:"accountId"`
	ContaminationScore float64    `json:"riskScore"`
	DriftScore         float64    `json:"driftScore"`
	Zone               graph.Zone `json:"zone"`
	PreviousZone       graph.Zone `json:"previousZone"`
	HopDistance        *int       `json:"hopDistance"`
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans events out to connected clients. All membership changes go
// through Run; readers of the client set take mu.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents    atomic.Int64
	droppedEvents  atomic.Int64
	totalClients   atomic.Int64
	evictedClients atomic.Int64
	peakClients    atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run owns the client set until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// drop removes client and closes its queue, which makes its writer send a
// close frame. Callers hold mu.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
}

// fanOut queues event for every matching client. A client whose queue is
// full is evicted rather than stalling everyone else.
func (h *Hub) fanOut(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscription().matches(event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			h.drop(client)
			h.evictedClients.Add(1)
		}
	}
	h.mu.Unlock()
	h.logger.Warn("evicted slow websocket clients", "count", len(slow), "event", event.Type)
}

// Broadcast queues an event without blocking. Events are dropped while the
// queue is full.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// PublishRiskUpdate broadcasts a rescore, plus a zone_changed event when
// the zone moved.
func (h *Hub) PublishRiskUpdate(accountID string, state graph.RiskState, previous graph.Zone) {
	update := &RiskUpdate{
		AccountID:          accountID,
		ContaminationScore: state.ContaminationScore,
		DriftScore:         state.DriftScore,
		Zone:               state.Zone,
		PreviousZone:       previous,
		HopDistance:        state.HopDistance,
	}
	now := time.Now().UTC()
	h.Broadcast(&Event{Type: EventRiskUpdated, Timestamp: now, Data: update})
	if previous != state.Zone {
		h.Broadcast(&Event{Type: EventZoneChanged, Timestamp: now, Data: update})
	}
}

// PublishPipelineCompleted broadcasts a batch run summary.
func (h *Hub) PublishPipelineCompleted(summary map[string]any) {
	h.Broadcast(&Event{
		Type:      EventPipelineCompleted,
		Timestamp: time.Now().UTC(),
		Data:      summary,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()

	return map[string]any{
		"connectedClients": connected,
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.droppedEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"evictedClients":   h.evictedClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}
