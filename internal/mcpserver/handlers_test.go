package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewClient(Config{APIURL: ts.URL}))
	h.now = func() time.Time { return time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) }
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"}).GetStats(context.Background())
	require.NoError(t, err)
	_, err = NewClient(Config{APIURL: ts.URL}).GetStats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer sk_secret123", ""}, gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "account_not_found",
			"message": "Account not found",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetAccount(context.Background(), "ACC404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "Account not found")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_RetriesReadsNotWrites(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"totalAccounts":3}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL})
	c.policy.BaseDelay = time.Millisecond

	body, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalAccounts":3}`, string(body))
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	_, err = c.SubmitTransaction(context.Background(), "A", "B", 10, 3)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "writes are not retried")
}

func TestClient_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_zone", "message": "bad zone"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListZone(context.Background(), "Mauve", 5)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).GetStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_PathsAndQueries(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL})
	ctx := context.Background()
	_, _ = c.GetAccount(ctx, "ACC1")
	_, _ = c.GetHistory(ctx, "ACC1", 5)
	_, _ = c.ListZone(ctx, "Critical", 0)
	_, _ = c.FraudNeighbors(ctx, "ACC1")
	_, _ = c.Simulate(ctx, map[string]any{})
	_, _ = c.SubmitTransaction(ctx, "A", "B", 10, 3)

	assert.Equal(t, []string{
		"GET /v1/accounts/ACC1",
		"GET /v1/accounts/ACC1/history?limit=5",
		"GET /v1/zones/Critical",
		"GET /v1/accounts/ACC1/fraud-neighbors",
		"POST /v1/simulations",
		"POST /v1/transactions",
	}, got)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetAccountRisk(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/ACC00042", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"account": map[string]any{
			"accountId": "ACC00042",
			"name":      "Dana",
			"isFraud":   false,
			"risk": map[string]any{
				"hopDistance":        2,
				"driftScore":         0.35,
				"contaminationScore": 0.5,
				"zone":               "Exposed",
			},
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetAccountRisk(context.Background(), makeRequest(map[string]any{"account_id": "ACC00042"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Account ACC00042 (Dana)")
	assert.Contains(t, text, "Zone: Exposed")
	assert.Contains(t, text, "Risk score: 0.5000")
	assert.Contains(t, text, "Hops to fraud: 2")
	assert.NotContains(t, text, "CONFIRMED FRAUD")
}

func TestHandleGetAccountRisk_FraudUnscored(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"account": map[string]any{
			"accountId": "F1",
			"isFraud":   true,
			"risk":      map[string]any{"hopDistance": nil},
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetAccountRisk(context.Background(), makeRequest(map[string]any{"account_id": "F1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "CONFIRMED FRAUD")
	assert.Contains(t, text, "Zone: unscored")
	assert.Contains(t, text, "Hops to fraud: none")
}

func TestHandleGetAccountRisk_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetAccountRisk(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "account_id is required")
}

func TestHandleGetAccountRisk_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "account_not_found", "message": "Account not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetAccountRisk(context.Background(), makeRequest(map[string]any{"account_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Account not found")
}

func TestHandleGetRiskHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"accountId": "A",
			"count":     2,
			"assessments": []map[string]any{
				{"zone": "Critical", "contaminationScore": 0.8, "driftScore": 0.5, "hopDistance": 1,
					"source": "transaction", "evaluatedAt": "2026-03-01T10:00:00Z"},
				{"zone": "Clean", "contaminationScore": 0.2, "driftScore": 0.1, "hopDistance": nil,
					"source": "pipeline", "evaluatedAt": "2026-02-28T03:00:00Z"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetRiskHistory(context.Background(), makeRequest(map[string]any{"account_id": "A", "limit": 3}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 assessment(s) for A")
	assert.Contains(t, text, "1. 2026-03-01T10:00:00Z  Critical  score 0.8000")
	assert.Contains(t, text, "hops none  (pipeline)")
}

func TestHandleGetRiskHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"accountId": "A", "assessments": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleGetRiskHistory(context.Background(), makeRequest(map[string]any{"account_id": "A"}))
	require.NoError(t, err)
	assert.Equal(t, "No assessments recorded for A.", resultText(t, result))
}

func TestHandleListZoneAccounts(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/zones/Critical", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"zone":  "Critical",
			"count": 2,
			"accounts": []map[string]any{
				{"accountId": "ACC1", "name": "Eve", "contaminationScore": 0.92, "driftScore": 0.8, "hopDistance": 1},
				{"accountId": "ACC2", "contaminationScore": 0.8, "driftScore": 0.5, "hopDistance": 1},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleListZoneAccounts(context.Background(), makeRequest(map[string]any{"zone": "Critical"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 account(s) in the Critical zone")
	assert.Contains(t, text, "1. ACC1 (Eve)")
	assert.Contains(t, text, "Score: 0.9200 | Drift: 0.8000 | Hops: 1")
}

func TestHandleListZoneAccounts_InvalidZone(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_zone", "message": "zone must be Critical, Exposed or Clean"})
	}))
	defer cleanup()

	result, err := h.HandleListZoneAccounts(context.Background(), makeRequest(map[string]any{"zone": "Purple"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "400")
}

func TestHandleListZoneAccounts_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"zone": "Exposed", "count": 0, "accounts": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleListZoneAccounts(context.Background(), makeRequest(map[string]any{"zone": "Exposed"}))
	require.NoError(t, err)
	assert.Equal(t, "No accounts in the Exposed zone.", resultText(t, result))
}

func TestHandleGetRiskStats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"totalAccounts":    500,
			"confirmedFraud":   10,
			"zoneDistribution": map[string]int{"Critical": 12, "Exposed": 40, "Clean": 438},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetRiskStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Accounts: 500")
	assert.Contains(t, text, "Confirmed fraud: 10")
	assert.Contains(t, text, "Critical: 12")
	assert.Contains(t, text, "Clean: 438")
}

func TestHandleFindFraudNeighbors(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/A/fraud-neighbors", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"accountId": "A",
			"count":     1,
			"fraudNeighbors": []map[string]any{
				{"fraudAccount": "F1", "pathLength": 2, "hops": 1},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleFindFraudNeighbors(context.Background(), makeRequest(map[string]any{"account_id": "A"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "1. F1 (1 hop(s))")
}

func TestHandleFindFraudNeighbors_None(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"accountId": "A", "count": 0, "fraudNeighbors": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleFindFraudNeighbors(context.Background(), makeRequest(map[string]any{"account_id": "A"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No confirmed fraud accounts within reach of A")
}

func TestHandleSimulateRisk(t *testing.T) {
	var got map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		writeJSON(w, http.StatusOK, map[string]any{
			"params":         map[string]any{"steps": 2, "decayRate": 0.5, "seed": 7},
			"avgByStep":      []map[string]any{{"step": 0, "riskScore": 0.92}, {"step": 1, "riskScore": 0.46}},
			"sampleAccounts": []string{"A"},
		})
	}))
	defer cleanup()

	result, err := h.HandleSimulateRisk(context.Background(), makeRequest(map[string]any{
		"steps":       2,
		"seed":        7,
		"account_ids": []any{"A", ""},
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"steps": float64(2), "seed": float64(7), "accountIds": []any{"A"}}, got)

	text := resultText(t, result)
	assert.Contains(t, text, "2 step(s), decay 0.50, seed 7")
	assert.Contains(t, text, "step  1: 0.4600")
	assert.Contains(t, text, "Sample accounts: A")
}

func TestHandleSubmitTransaction(t *testing.T) {
	var got map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{
			"transactionId": "tx_1",
			"senderId":      "A",
			"recentCount":   2,
			"driftScore":    0.7,
			"riskScore":     0.88,
			"zone":          "Critical",
			"previousZone":  "Exposed",
			"hopDistance":   1,
		})
	}))
	defer cleanup()

	result, err := h.HandleSubmitTransaction(context.Background(), makeRequest(map[string]any{
		"sender_id": "A", "receiver_id": "B", "amount": 5000.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	// hour defaults to the current hour
	assert.Equal(t, float64(14), got["hour"])

	text := resultText(t, result)
	assert.Contains(t, text, "Transaction tx_1 recorded")
	assert.Contains(t, text, "Zone: Critical (was Exposed)")
	assert.Contains(t, text, "Transfers today: 2")
}

func TestHandleSubmitTransaction_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("invalid requests should not reach the API")
	}))
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing sender", map[string]any{"receiver_id": "B", "amount": 1.0}, "sender_id is required"},
		{"missing receiver", map[string]any{"sender_id": "A", "amount": 1.0}, "receiver_id is required"},
		{"zero amount", map[string]any{"sender_id": "A", "receiver_id": "B"}, "amount must be positive"},
		{"bad hour", map[string]any{"sender_id": "A", "receiver_id": "B", "amount": 1.0, "hour": 24}, "hour must be between 0 and 23"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleSubmitTransaction(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

// ============================================================
// Server tests
// ============================================================

func TestNewMCPServer_ListsTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	for _, name := range []string{
		"get_account_risk", "get_risk_history", "list_zone_accounts", "get_risk_stats",
		"find_fraud_neighbors", "simulate_risk", "submit_transaction",
	} {
		assert.Contains(t, string(data), `"`+name+`"`)
	}
}
