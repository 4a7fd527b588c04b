package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contagion/internal/config"
	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	sc := risk.DefaultConfig()
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		GraphBackend:      config.BackendMemory,
		PipelineWorkers:   2,
		LookbackDays:      sc.LookbackDays,
		Timezone:          "UTC",
		CORSOrigins:       []string{"*"},
		StructuralWeight:  sc.StructuralWeight,
		BehavioralWeight:  sc.BehavioralWeight,
		CriticalThreshold: sc.CriticalThreshold,
		ExposedThreshold:  sc.ExposedThreshold,
		RecoveryLambda:    sc.RecoveryLambda,
	}
}

// testStore is F(fraud) -> A -> B with three past transfers from A.
func testStore(t *testing.T) *graph.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := graph.NewMemoryStore()
	require.NoError(t, store.UpsertAccount(ctx, "F", "Fraudster", true))
	require.NoError(t, store.UpsertAccount(ctx, "A", "Alice", false))
	require.NoError(t, store.UpsertAccount(ctx, "B", "Bob", false))
	ts := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.RecordTransaction(ctx, graph.Transaction{ID: "t0", SenderID: "F", ReceiverID: "A", Amount: 900, Timestamp: ts}))
	for i, amt := range []float64{100, 110, 90} {
		require.NoError(t, store.RecordTransaction(ctx, graph.Transaction{
			ID: "ta" + string(rune('0'+i)), SenderID: "A", ReceiverID: "B", Amount: amt,
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
		}))
	}
	return store
}

// newTestServer creates a server over the test graph
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg, WithStore(testStore(t)), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

func request(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "memory", resp["backend"])
	checks := resp["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, "graph", checks[0].(map[string]any)["name"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, request(s, http.MethodGet, "/health/live", "").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	assert.Equal(t, http.StatusServiceUnavailable, request(s, http.MethodGet, "/health/ready", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	request(s, http.MethodGet, "/v1/stats", "")

	w := request(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "contagion_http_requests_total")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/accounts/:id",
		"GET:/v1/accounts/:id/history",
		"GET:/v1/accounts/:id/fraud-neighbors",
		"GET:/v1/zones/:zone",
		"GET:/v1/stats",
		"POST:/v1/transactions",
		"POST:/v1/simulations",
		"POST:/v1/recovery",
		"POST:/v1/pipeline/run",
		"GET:/v1/pipeline/runs/latest",
		"GET:/v1/realtime/stats",
		"POST:/v1/webhooks",
		"GET:/v1/webhooks",
		"GET:/v1/webhooks/:webhookId",
		"DELETE:/v1/webhooks/:webhookId",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, request(s, http.MethodGet, "/v1/nonexistent", "").Code)
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.PipelineSchedule = "0 3 * * *" })

	resp := decode(t, request(s, http.MethodGet, "/", ""))
	assert.Equal(t, "contagion", resp["name"])
	scoring := resp["scoring"].(map[string]any)
	assert.Equal(t, 0.75, scoring["criticalThreshold"])
	assert.Contains(t, resp, "nextPipelineRun")
}

func TestInvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.PipelineSchedule = "every tuesday"
	_, err := New(cfg, WithStore(testStore(t)))
	assert.ErrorContains(t, err, "invalid pipeline schedule")
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodGet, "/v1/stats", "")
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_"))

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "upstream-123", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	w := request(s, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestAccountIDValidation(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodGet, "/v1/accounts/"+strings.Repeat("x", 80), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_account_id", decode(t, w)["error"])
}

func TestRateLimit(t *testing.T) {
	// one request a minute with the default burst of ten
	s := newTestServer(t, func(c *config.Config) { c.RateLimitRPM = 1 })

	for range 10 {
		require.Equal(t, http.StatusOK, request(s, http.MethodGet, "/v1/stats", "").Code)
	}
	w := request(s, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestPanicRecovery(t *testing.T) {
	s := newTestServer(t)
	s.Router().GET("/boom", func(*gin.Context) { panic("boom") })

	w := request(s, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestTransactionFlow(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodPost, "/v1/transactions", `{"senderId":"A","receiverId":"B","amount":5000,"hour":3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decode(t, w)
	assert.Equal(t, float64(1), tx["hopDistance"])
	score := tx["riskScore"].(float64)
	assert.GreaterOrEqual(t, score, 0.6)

	acct := decode(t, request(s, http.MethodGet, "/v1/accounts/A", ""))["account"].(map[string]any)
	assert.Equal(t, score, acct["risk"].(map[string]any)["contaminationScore"])

	history := decode(t, request(s, http.MethodGet, "/v1/accounts/A/history", ""))
	assert.Equal(t, float64(1), history["count"])

	w = request(s, http.MethodPost, "/v1/transactions", `{"senderId":"ghost","receiverId":"B","amount":1,"hour":3}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPipelineFlow(t *testing.T) {
	s := newTestServer(t)

	require.Equal(t, http.StatusAccepted, request(s, http.MethodPost, "/v1/pipeline/run", "").Code)
	s.Engine().Pipeline.Wait()

	run := decode(t, request(s, http.MethodGet, "/v1/pipeline/runs/latest", ""))["run"].(map[string]any)
	fps := run["fingerprints"].(map[string]any)
	// A has three sent transfers; B and F fall short of the minimum history
	assert.Equal(t, float64(1), fps["computed"])

	stats := decode(t, request(s, http.MethodGet, "/v1/stats", ""))
	assert.Equal(t, float64(3), stats["totalAccounts"])
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.PipelineSchedule = "@every 1h" })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, s.ready.Load, 2*time.Second, 20*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, s.ready.Load())
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := request(s, http.MethodPost, "/v1/webhooks",
		`{"url":"https://cases.example.com/hooks","events":["pipeline.completed"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["webhook"].(map[string]any)["id"].(string)

	list := decode(t, request(s, http.MethodGet, "/v1/webhooks", ""))
	assert.Equal(t, float64(1), list["count"])

	w = request(s, http.MethodPost, "/v1/webhooks",
		`{"url":"http://127.0.0.1:9/hooks","events":["zone.changed"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusOK, request(s, http.MethodDelete, "/v1/webhooks/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, request(s, http.MethodGet, "/v1/webhooks/"+id, "").Code)
}

func TestAPIKeysGuardMutations(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.APIKeys = []string{"ops-key"} })

	assert.Equal(t, http.StatusOK, request(s, http.MethodGet, "/v1/accounts/A", "").Code)

	body := `{"senderId":"A","receiverId":"B","amount":50,"hour":12}`
	w := request(s, http.MethodPost, "/v1/transactions", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/transactions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer ops-key")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
