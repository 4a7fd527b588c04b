// Package webhooks delivers risk alerts to external case-management systems.
//
// Subscribers register a URL and receive HMAC-signed POSTs for:
// - zone.changed when a real-time rescore moves an account between zones
// - pipeline.completed after each batch run
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/metrics"
	"github.com/mbd888/contagion/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventZoneChanged       EventType = "zone.changed"
	EventPipelineCompleted EventType = "pipeline.completed"
)

// Valid reports whether e is a deliverable event type.
func (e EventType) Valid() bool {
	return e == EventZoneChanged || e == EventPipelineCompleted
}

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Contagion-Event"
	HeaderDelivery  = "X-Contagion-Delivery"
	HeaderTimestamp = "X-Contagion-Timestamp"
	HeaderSignature = "X-Contagion-Signature"
)

// MaxConsecutiveFailures deactivates a subscription whose endpoint keeps
// failing.
const MaxConsecutiveFailures = 10

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID     string      `json:"id"`
	URL    string      `json:"url"`
	Secret string      `json:"-"` // HMAC key, shown once at creation
	Events []EventType `json:"events"`
	// Zones limits zone.changed deliveries to accounts entering these zones.
	Zones               []graph.Zone `json:"zones,omitempty"`
	Active              bool         `json:"active"`
	CreatedAt           time.Time    `json:"createdAt"`
	LastSuccess         *time.Time   `json:"lastSuccess,omitempty"`
	LastError           string       `json:"lastError,omitempty"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
}

// wants reports whether the subscription should receive event.
func (s *Subscription) wants(event *Event) bool {
	if !s.Active || !slices.Contains(s.Events, event.Type) {
		return false
	}
	if event.Type != EventZoneChanged || len(s.Zones) == 0 {
		return true
	}
	var zone graph.Zone
	switch z := event.Data["zone"].(type) {
	case graph.Zone:
		zone = z
	case string:
		zone = graph.Zone(z)
	}
	return slices.Contains(s.Zones, zone)
}

// ErrNotFound is returned for an unknown subscription id.
var ErrNotFound = errors.New("webhook not found")

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	// ListByEvent returns active subscriptions to eventType.
	ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// ValidateURL accepts absolute http(s) URLs. Literal loopback, private and
// link-local addresses are refused; host names are not resolved.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if host == "localhost" {
		return fmt.Errorf("url host %q is not routable", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
			return fmt.Errorf("url host %q is not routable", host)
		}
	}
	return nil
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	policy       retry.Policy
	urlValidator func(string) error
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		policy:       retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		urlValidator: ValidateURL,
		now:          time.Now,
	}
}

// Dispatch looks up matching subscribers and delivers to each in the
// background. Deliveries outlive ctx cancellation; Wait blocks until they
// finish.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for _, sub := range subs {
		if !sub.wants(event) {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), sub, event, payload)
		}()
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) {
	if err := d.urlValidator(sub.URL); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "rejected").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	err := d.policy.Do(ctx, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "failed").Inc()
		d.logger.Warn("webhook delivery failed", "webhook_id", sub.ID, "event", event.Type, "error", err)
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(event.Type), "delivered").Inc()
	d.recordSuccess(ctx, sub)
}

// post makes one delivery attempt. Client errors (4xx) are not retried.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook_id", sub.ID, "failures", sub.ConsecutiveFailures)
	}
	d.update(ctx, sub)
}

func (d *Dispatcher) update(ctx context.Context, sub *Subscription) {
	if err := d.store.Update(ctx, sub); err != nil && !errors.Is(err, ErrNotFound) {
		d.logger.Warn("failed to record webhook delivery", "webhook_id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory Store. It hands out copies so concurrent
// deliveries never share a Subscription.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func clone(sub *Subscription) *Subscription {
	c := *sub
	c.Events = slices.Clone(sub.Events)
	c.Zones = slices.Clone(sub.Zones)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, clone(sub))
	}
	slices.SortFunc(result, func(a, b *Subscription) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && slices.Contains(sub.Events, eventType) {
			result = append(result, clone(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
