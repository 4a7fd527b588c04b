package simulation

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

func newSimRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(newSimulator(t)).RegisterRoutes(r.Group("/v1"))
	return r
}

func postSim(t *testing.T, r *gin.Engine, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/simulations", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	var resp Response
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHandler_SimulateDefaults(t *testing.T) {
	r := newSimRouter(t)

	w, resp := postSim(t, r, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, DefaultSteps, resp.Params.Steps)
	assert.Equal(t, uint64(DefaultSeed), resp.Params.Seed)
	// three non-fraud accounts, steps 0..10
	assert.Len(t, resp.Records, 3*(DefaultSteps+1))
	require.Len(t, resp.Averages, DefaultSteps+1)
	assert.Equal(t, 0.4667, resp.Averages[0].RiskScore)
	assert.Equal(t, []string{"A", "B", "Z"}, resp.SampleAccounts)
}

func TestHandler_SimulateOverrides(t *testing.T) {
	r := newSimRouter(t)

	w, resp := postSim(t, r, `{"steps":2,"decayRate":0.5,"signalProbability":0,"seed":7,"sampleAccounts":1,"accountIds":["A"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, resp.Records, 3)
	assert.Equal(t, 0.92, resp.Records[0].RiskScore)
	assert.Equal(t, 0.46, resp.Records[1].RiskScore)
	assert.Equal(t, 0.23, resp.Records[2].RiskScore)
	assert.Equal(t, []string{"A"}, resp.SampleAccounts)
}

func TestHandler_SimulateDeterministic(t *testing.T) {
	r := newSimRouter(t)
	body := `{"steps":20,"signalProbability":0.5,"seed":99}`

	_, first := postSim(t, r, body)
	_, second := postSim(t, r, body)
	assert.Equal(t, first.Records, second.Records)
}

func TestHandler_SimulateRejectsBadInput(t *testing.T) {
	r := newSimRouter(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"steps":`, http.StatusBadRequest},
		{"too many steps", `{"steps":5000}`, http.StatusBadRequest},
		{"decay above one", `{"decayRate":1.5}`, http.StatusBadRequest},
		{"sample out of range", `{"sampleAccounts":500}`, http.StatusBadRequest},
		{"unknown account", `{"accountIds":["nobody"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := postSim(t, r, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}
