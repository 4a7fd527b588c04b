package simulation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/logging"
)

const (
	defaultSampleAccounts = 5
	maxSampleAccounts     = 50
)

// Handler runs simulations over HTTP.
type Handler struct {
	sim *Simulator
}

// NewHandler creates a simulation handler.
func NewHandler(sim *Simulator) *Handler {
	return &Handler{sim: sim}
}

// RegisterRoutes sets up simulation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/simulations", h.Simulate)
}

// Request is the body of POST /v1/simulations. Omitted fields take the
// values of DefaultParams.
type Request struct {
	Steps             *int     `json:"steps"`
	DecayRate         *float64 `json:"decayRate"`
	SignalProbability *float64 `json:"signalProbability"`
	DriftThreshold    *float64 `json:"driftThreshold"`
	Seed              *uint64  `json:"seed"`
	SampleAccounts    *int     `json:"sampleAccounts"`
	// AccountIDs restricts the run to these accounts, from their stored drift.
	AccountIDs []string `json:"accountIds"`
}

// Response carries the full trajectory table plus the views a chart needs.
type Response struct {
	Params         Params        `json:"params"`
	Records        []StepRecord  `json:"records"`
	Averages       []StepAverage `json:"avgByStep"`
	SampleAccounts []string      `json:"sampleAccounts"`
}

func (r Request) params() Params {
	p := DefaultParams()
	if r.Steps != nil {
		p.Steps = *r.Steps
	}
	if r.DecayRate != nil {
		p.DecayRate = *r.DecayRate
	}
	if r.SignalProbability != nil {
		p.SignalProbability = *r.SignalProbability
	}
	if r.DriftThreshold != nil {
		p.DriftThreshold = *r.DriftThreshold
	}
	if r.Seed != nil {
		p.Seed = *r.Seed
	}
	return p
}

// Simulate projects risk forward for every non-fraud account, or the
// requested ones.
// POST /v1/simulations
func (h *Handler) Simulate(c *gin.Context) {
	var req Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Request body must be a JSON object",
			})
			return
		}
	}
	ctx := c.Request.Context()

	sample := defaultSampleAccounts
	if req.SampleAccounts != nil {
		if *req.SampleAccounts < 0 || *req.SampleAccounts > maxSampleAccounts {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "sampleAccounts must be between 0 and 50",
			})
			return
		}
		sample = *req.SampleAccounts
	}

	p := req.params()
	if len(req.AccountIDs) > 0 {
		accounts, err := h.baselines(c, req.AccountIDs)
		if err != nil {
			return
		}
		p.Accounts = accounts
	}

	records, err := h.sim.Simulate(ctx, p)
	switch {
	case errors.Is(err, ErrInvalidParams):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	case err != nil:
		logging.L(ctx).Error("simulation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Simulation failed",
		})
		return
	}

	if records == nil {
		records = []StepRecord{}
	}
	c.JSON(http.StatusOK, Response{
		Params:         p,
		Records:        records,
		Averages:       StepAverages(records),
		SampleAccounts: SampleAccounts(records, sample),
	})
}

// baselines loads the stored drift of each requested account. It writes the
// error response itself.
func (h *Handler) baselines(c *gin.Context, ids []string) ([]Baseline, error) {
	ctx := c.Request.Context()
	out := make([]Baseline, 0, len(ids))
	for _, id := range ids {
		ok, err := h.sim.store.AccountExists(ctx, id)
		if err == nil && !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "Account not found: " + id,
			})
			return nil, graph.ErrAccountNotFound
		}
		var d float64
		if err == nil {
			d, err = h.sim.store.ReadDriftScore(ctx, id)
		}
		if err != nil {
			logging.L(ctx).Error("load simulation baseline failed", "account_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load account",
			})
			return nil, err
		}
		out = append(out, Baseline{AccountID: id, BaseDrift: d})
	}
	return out, nil
}
