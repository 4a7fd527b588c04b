package pipeline

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/logging"
)

// Handler exposes the real-time transaction path and pipeline control.
type Handler struct {
	svc *Service
}

// NewHandler creates a pipeline handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up transaction and pipeline endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.SubmitTransaction)
	r.POST("/pipeline/run", h.TriggerRun)
	r.GET("/pipeline/runs/latest", h.LatestRun)
}

// SubmitTransaction scores the sender of an incoming transfer.
// POST /v1/transactions
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain senderId, receiverId, amount and hour",
		})
		return
	}
	ctx := logging.WithAccountID(c.Request.Context(), req.SenderID)

	res, err := h.svc.ProcessTransaction(ctx, req)
	switch {
	case errors.Is(err, ErrInvalidTransaction):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_transaction",
			"message": err.Error(),
		})
		return
	case errors.Is(err, graph.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": err.Error(),
		})
		return
	case err != nil:
		logging.L(ctx).Error("transaction scoring failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to score transaction",
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// TriggerRun starts a full pipeline run in the background.
// POST /v1/pipeline/run
func (h *Handler) TriggerRun(c *gin.Context) {
	if err := h.svc.StartPipeline(c.Request.Context(), "api"); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "pipeline_running",
			"message": "A pipeline run is already in progress",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// LatestRun returns the report of the most recent completed run.
// GET /v1/pipeline/runs/latest
func (h *Handler) LatestRun(c *gin.Context) {
	run := h.svc.LastRun()
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_runs",
			"message": "The pipeline has not completed a run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":     run,
		"running": h.svc.Running(),
	})
}
