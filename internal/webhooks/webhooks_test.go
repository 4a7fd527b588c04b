package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/retry"
)

func testDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.urlValidator = func(string) error { return nil }
	d.policy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	return d
}

func subscribe(t *testing.T, store Store, id, url string, events ...EventType) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:        id,
		URL:       url,
		Secret:    "s3cret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), sub))
	return sub
}

type received struct {
	header http.Header
	body   []byte
}

// receiver records requests and answers with status codes from codes, then 200.
func receiver(t *testing.T, codes ...int) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu   sync.Mutex
		got  []received
		hits atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{header: r.Header.Clone(), body: body})
		mu.Unlock()
		n := int(hits.Add(1)) - 1
		if n < len(codes) {
			w.WriteHeader(codes[n])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func zoneEvent(zone graph.Zone) *Event {
	return &Event{
		ID:        "evt_1",
		Type:      EventZoneChanged,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Data:      map[string]any{"accountId": "A", "zone": zone, "previousZone": graph.ZoneClean},
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.example.com/risk", true},
		{"http://8.8.8.8/hook", true},
		{"ftp://example.com/hook", false},
		{"https://", false},
		{"http://localhost:9000/hook", false},
		{"http://127.0.0.1/hook", false},
		{"http://10.1.2.3/hook", false},
		{"http://192.168.0.10/hook", false},
		{"http://169.254.169.254/latest", false},
		{"http://[::1]/hook", false},
		{"http://0.0.0.0/hook", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "key")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign([]byte(`{"a":1}`), "key"))
	assert.NotEqual(t, sig, Sign([]byte(`{"a":1}`), "other"))
}

func TestSubscription_Wants(t *testing.T) {
	sub := &Subscription{Active: true, Events: []EventType{EventZoneChanged}}
	assert.True(t, sub.wants(zoneEvent(graph.ZoneExposed)))
	assert.False(t, sub.wants(&Event{Type: EventPipelineCompleted}))

	sub.Zones = []graph.Zone{graph.ZoneCritical}
	assert.False(t, sub.wants(zoneEvent(graph.ZoneExposed)))
	assert.True(t, sub.wants(zoneEvent(graph.ZoneCritical)))
	// zones decoded from JSON arrive as strings
	assert.True(t, sub.wants(&Event{Type: EventZoneChanged, Data: map[string]any{"zone": "Critical"}}))

	sub.Active = false
	assert.False(t, sub.wants(zoneEvent(graph.ZoneCritical)))
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	older := subscribe(t, store, "wh_1", "https://a.example", EventZoneChanged)
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Update(ctx, older))
	subscribe(t, store, "wh_2", "https://b.example", EventPipelineCompleted)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wh_2", list[0].ID, "newest first")

	byEvent, err := store.ListByEvent(ctx, EventZoneChanged)
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.Equal(t, "wh_1", byEvent[0].ID)

	// returned values are copies
	byEvent[0].Events[0] = EventPipelineCompleted
	got, err := store.Get(ctx, "wh_1")
	require.NoError(t, err)
	assert.Equal(t, EventZoneChanged, got.Events[0])

	got.Active = false
	require.NoError(t, store.Update(ctx, got))
	byEvent, err = store.ListByEvent(ctx, EventZoneChanged)
	require.NoError(t, err)
	assert.Empty(t, byEvent)

	require.NoError(t, store.Delete(ctx, "wh_1"))
	_, err = store.Get(ctx, "wh_1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_1"), ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Subscription{ID: "nope"}), ErrNotFound)
}

func TestDispatcher_SignedDelivery(t *testing.T) {
	srv, got := receiver(t)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventZoneChanged)
	d := testDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), zoneEvent(graph.ZoneCritical)))
	d.Wait()

	reqs := got()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.Equal(t, string(EventZoneChanged), r.header.Get(HeaderEvent))
	assert.Equal(t, "evt_1", r.header.Get(HeaderDelivery))
	assert.Equal(t, "1700000000", r.header.Get(HeaderTimestamp))
	assert.Equal(t, "sha256="+Sign(r.body, "s3cret"), r.header.Get(HeaderSignature))

	var ev Event
	require.NoError(t, json.Unmarshal(r.body, &ev))
	assert.Equal(t, "Critical", ev.Data["zone"])

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccess)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatcher_ZoneFilter(t *testing.T) {
	srv, got := receiver(t)
	store := NewMemoryStore()
	sub := subscribe(t, store, "wh_1", srv.URL, EventZoneChanged)
	sub.Zones = []graph.Zone{graph.ZoneCritical}
	require.NoError(t, store.Update(context.Background(), sub))
	d := testDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), zoneEvent(graph.ZoneExposed)))
	d.Wait()
	assert.Empty(t, got())

	require.NoError(t, d.Dispatch(context.Background(), zoneEvent(graph.ZoneCritical)))
	d.Wait()
	assert.Len(t, got(), 1)
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	srv, got := receiver(t, http.StatusBadGateway, http.StatusServiceUnavailable)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventZoneChanged)
	d := testDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), zoneEvent(graph.ZoneCritical)))
	d.Wait()

	assert.Len(t, got(), 3)
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Empty(t, sub.LastError)
}

func TestDispatcher_ClientErrorNotRetried(t *testing.T) {
	srv, got := receiver(t, http.StatusGone, http.StatusGone, http.StatusGone)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventZoneChanged)
	d := testDispatcher(store)

	require.NoError(t, d.Dispatch(context.Background(), zoneEvent(graph.ZoneCritical)))
	d.Wait()

	assert.Len(t, got(), 1)
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.Contains(t, sub.LastError, "410")
	assert.True(t, sub.Active)
}

func TestDispatcher_DeactivatesAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventZoneChanged)
	d := testDispatcher(store)

	for range MaxConsecutiveFailures {
		require.NoError(t, d.Dispatch(context.Background(), zoneEvent(graph.ZoneCritical)))
		d.Wait()
	}

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.False(t, sub.Active)
	assert.Equal(t, MaxConsecutiveFailures, sub.ConsecutiveFailures)

	// deactivated subscriptions are no longer listed for delivery
	subs, err := store.ListByEvent(context.Background(), EventZoneChanged)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestDispatcher_RejectsUnroutableURL(t *testing.T) {
	srv, got := receiver(t)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventZoneChanged)
	d := testDispatcher(store)
	d.urlValidator = ValidateURL // httptest listens on 127.0.0.1

	require.NoError(t, d.Dispatch(context.Background(), zoneEvent(graph.ZoneCritical)))
	d.Wait()

	assert.Empty(t, got())
	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
}

func TestEmitter(t *testing.T) {
	srv, got := receiver(t)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", srv.URL, EventZoneChanged, EventPipelineCompleted)
	d := testDispatcher(store)
	e := NewEmitter(d, nil)

	hop := 2
	e.PublishRiskUpdate("A", graph.RiskState{Zone: graph.ZoneClean}, graph.ZoneClean)
	e.PublishRiskUpdate("B", graph.RiskState{
		Zone: graph.ZoneExposed, ContaminationScore: 0.5, DriftScore: 0.4, HopDistance: &hop,
	}, graph.ZoneClean)
	e.PublishPipelineCompleted(map[string]any{"runId": "run_1"})
	d.Wait()

	reqs := got()
	require.Len(t, reqs, 2, "unchanged zone is not delivered")

	types := map[string]Event{}
	for _, r := range reqs {
		var ev Event
		require.NoError(t, json.Unmarshal(r.body, &ev))
		assert.True(t, len(ev.ID) > 4 && ev.ID[:4] == "evt_")
		types[string(ev.Type)] = ev
	}
	zc := types[string(EventZoneChanged)]
	assert.Equal(t, "B", zc.Data["accountId"])
	assert.Equal(t, "Exposed", zc.Data["zone"])
	assert.Equal(t, "Clean", zc.Data["previousZone"])
	assert.Equal(t, 2.0, zc.Data["hopDistance"])
	assert.Equal(t, "run_1", types[string(EventPipelineCompleted)].Data["runId"])
}

func TestEmitter_NilSafe(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.PublishPipelineCompleted(map[string]any{})
	})
}
