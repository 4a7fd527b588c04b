package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/contagion/internal/graph"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 * 1024
	sendQueue      = 256
)

// expected disconnects, not worth a warning
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	},
}

// Subscription filters for a client. Account, zone and score filters apply
// to risk events only; pipeline summaries pass them.
type Subscription struct {
	AllEvents  bool         `json:"allEvents"`
	EventTypes []EventType  `json:"eventTypes"`
	AccountIDs []string     `json:"accountIds"` // watch specific accounts
	Zones      []graph.Zone `json:"zones"`      // only updates landing in these zones
	MinScore   float64      `json:"minScore"`
}

// Validate rejects unknown event types and zones and scores outside [0,1].
func (s Subscription) Validate() error {
	for _, t := range s.EventTypes {
		if !t.broadcastable() {
			return fmt.Errorf("unknown event type %q", t)
		}
	}
	for _, z := range s.Zones {
		if _, err := graph.ParseZone(string(z)); err != nil {
			return err
		}
	}
	if s.MinScore < 0 || s.MinScore > 1 {
		return fmt.Errorf("minScore must be within [0,1]")
	}
	return nil
}

func (s Subscription) matches(event *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	update, ok := event.Data.(*RiskUpdate)
	if !ok {
		return true
	}
	if len(s.AccountIDs) > 0 && !slices.Contains(s.AccountIDs, update.AccountID) {
		return false
	}
	if len(s.Zones) > 0 && !slices.Contains(s.Zones, update.Zone) {
		return false
	}
	return update.ContaminationScore >= s.MinScore
}

// SubscriptionFromQuery builds the initial subscription from
// ?events=&accounts=&zones=&minScore= (comma-separated lists). With no
// filters the client receives everything.
func SubscriptionFromQuery(q url.Values) (Subscription, error) {
	var sub Subscription
	for _, e := range splitList(q.Get("events")) {
		sub.EventTypes = append(sub.EventTypes, EventType(e))
	}
	sub.AccountIDs = splitList(q.Get("accounts"))
	for _, z := range splitList(q.Get("zones")) {
		sub.Zones = append(sub.Zones, graph.Zone(z))
	}
	if raw := q.Get("minScore"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Subscription{}, fmt.Errorf("minScore: %w", err)
		}
		sub.MinScore = f
	}
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	sub.AllEvents = len(sub.EventTypes) == 0 && len(sub.AccountIDs) == 0 &&
		len(sub.Zones) == 0 && sub.MinScore == 0
	return sub, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Client is one WebSocket connection. The hub writes to send; writePump is
// the only goroutine writing to conn.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// reply queues a control message for this client only. Holding the hub's
// read lock keeps the hub from closing send underneath us.
func (c *Client) reply(t EventType, data any) {
	payload, err := json.Marshal(&Event{Type: t, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The initial subscription comes
// from the query string; clients may replace it by sending a Subscription
// as JSON at any time.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	sub, err := SubscriptionFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, "invalid subscription: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendQueue), sub: sub}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.reply(EventError, map[string]string{"message": "subscription must be a JSON object"})
			continue
		}
		if err := sub.Validate(); err != nil {
			c.reply(EventError, map[string]string{"message": err.Error()})
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		c.reply(EventSubscribed, sub)
	}
}

// writePump drains send onto the connection and keeps it alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
