package risk

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contagion/internal/logging"
	"github.com/mbd888/contagion/internal/pagination"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Handler exposes assessment history and the recovery model.
type Handler struct {
	scorer *Scorer
}

// NewHandler creates a risk handler.
func NewHandler(scorer *Scorer) *Handler {
	return &Handler{scorer: scorer}
}

// RegisterRoutes sets up risk endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/history", h.GetHistory)
	r.POST("/recovery", h.Recovery)
}

// GetHistory returns audited assessments of an account, newest first.
// GET /v1/accounts/:id/history?limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	id := c.Param("id")
	ctx := logging.WithAccountID(c.Request.Context(), id)

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// One extra row tells us whether another page exists
	items, err := h.scorer.History(ctx, id, limit+1, cursor)
	if err != nil {
		logging.L(ctx).Error("risk history failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load risk history",
		})
		return
	}
	items, next, hasMore := pagination.ComputePage(items, limit, func(a *Assessment) (time.Time, string) {
		return a.EvaluatedAt, a.ID
	})
	if items == nil {
		items = []*Assessment{}
	}
	resp := gin.H{
		"accountId":   id,
		"assessments": items,
		"count":       len(items),
		"hasMore":     hasMore,
	}
	if hasMore {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// RecoveryRequest asks how a score would decay after a clean period.
type RecoveryRequest struct {
	CurrentScore float64 `json:"currentScore"`
	DriftScore   float64 `json:"driftScore"`
	DaysClean    int     `json:"daysClean"`
}

// Recovery evaluates ApplyRecovery without touching any account.
// POST /v1/recovery
func (h *Handler) Recovery(c *gin.Context) {
	var req RecoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain currentScore, driftScore and daysClean",
		})
		return
	}
	if req.DaysClean < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "daysClean must not be negative",
		})
		return
	}

	cfg := h.scorer.Config()
	score := ApplyRecovery(cfg, req.CurrentScore, req.DriftScore, req.DaysClean)
	c.JSON(http.StatusOK, gin.H{
		"currentScore":   Round4(Clamp01(req.CurrentScore)),
		"driftScore":     req.DriftScore,
		"daysClean":      req.DaysClean,
		"recoveredScore": score,
		"zone":           ClassifyZone(cfg, score),
		"gated":          req.DriftScore > cfg.RecoveryDriftGate,
	})
}
