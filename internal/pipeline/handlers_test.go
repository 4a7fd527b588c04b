package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipelineRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	svc, _, _ := newService(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, svc
}

func do(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_SubmitTransaction(t *testing.T) {
	r, _ := newPipelineRouter(t)

	w, body := do(r, http.MethodPost, "/v1/transactions", `{"senderId":"A","receiverId":"B","amount":120,"hour":10}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "A", body["senderId"])
	assert.Equal(t, 0.155, body["driftScore"])
	assert.Equal(t, 0.662, body["riskScore"])
	assert.Equal(t, "Exposed", body["zone"])
	assert.Equal(t, "Clean", body["previousZone"])
	assert.Equal(t, float64(1), body["hopDistance"])
	assert.True(t, strings.HasPrefix(body["transactionId"].(string), "tx_"))
}

func TestHandler_SubmitTransactionErrors(t *testing.T) {
	r, _ := newPipelineRouter(t)

	tests := []struct {
		name  string
		body  string
		code  int
		error string
	}{
		{"malformed", `{"senderId":`, http.StatusBadRequest, "invalid_request"},
		{"self transfer", `{"senderId":"A","receiverId":"A","amount":1,"hour":1}`, http.StatusBadRequest, "invalid_transaction"},
		{"negative amount", `{"senderId":"A","receiverId":"B","amount":-5,"hour":1}`, http.StatusBadRequest, "invalid_transaction"},
		{"unknown sender", `{"senderId":"ghost","receiverId":"B","amount":1,"hour":1}`, http.StatusNotFound, "account_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(r, http.MethodPost, "/v1/transactions", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.error, body["error"])
		})
	}
}

func TestHandler_PipelineRun(t *testing.T) {
	r, svc := newPipelineRouter(t)

	w, body := do(r, http.MethodGet, "/v1/pipeline/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_runs", body["error"])

	w, _ = do(r, http.MethodPost, "/v1/pipeline/run", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	svc.Wait()

	w, body = do(r, http.MethodGet, "/v1/pipeline/runs/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	run := body["run"].(map[string]any)
	assert.Equal(t, "api", run["trigger"])
	assert.Equal(t, false, body["running"])
}

func TestHandler_PipelineRunConflict(t *testing.T) {
	r, svc := newPipelineRouter(t)
	svc.running.Store(true)

	w, body := do(r, http.MethodPost, "/v1/pipeline/run", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "pipeline_running", body["error"])
}
