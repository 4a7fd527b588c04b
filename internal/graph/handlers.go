package graph

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contagion/internal/logging"
)

// Read-side limits of the HTTP surface.
const (
	MaxZoneListing      = 100
	NeighborSearchEdges = 6
	NeighborLimit       = 10
)

// Handler serves read-only views of the graph.
type Handler struct {
	store Store
}

// NewHandler creates a graph handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up account, zone and stats endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id", h.GetAccount)
	r.GET("/accounts/:id/fraud-neighbors", h.GetFraudNeighbors)
	r.GET("/zones/:zone", h.ListZone)
	r.GET("/stats", h.GetStats)
}

// GetAccount returns the full risk profile of one account.
// GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	id := c.Param("id")
	ctx := logging.WithAccountID(c.Request.Context(), id)

	acct, err := h.store.GetAccount(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "Account not found",
		})
		return
	}
	if err != nil {
		logging.L(ctx).Error("get account failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// ListZone returns accounts in one zone, highest score first.
// GET /v1/zones/:zone?limit=
func (h *Handler) ListZone(c *gin.Context) {
	zone, err := ParseZone(c.Param("zone"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_zone",
			"message": "Zone must be Critical, Exposed, or Clean",
		})
		return
	}

	limit := MaxZoneListing
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, MaxZoneListing)
	}

	members, err := h.store.ListByZone(c.Request.Context(), zone, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list zone failed", "zone", zone, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list zone",
		})
		return
	}
	if members == nil {
		members = []ZoneMember{}
	}
	c.JSON(http.StatusOK, gin.H{
		"zone":     zone,
		"count":    len(members),
		"accounts": members,
	})
}

// StatsResponse is the network summary with the time it was taken.
type StatsResponse struct {
	*Stats
	Timestamp time.Time `json:"timestamp"`
}

// GetStats returns the zone distribution across the network.
// GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.ZoneStats(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("zone stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute stats",
		})
		return
	}
	c.JSON(http.StatusOK, StatsResponse{Stats: stats, Timestamp: time.Now().UTC()})
}

// GetFraudNeighbors lists the nearest confirmed-fraud accounts.
// GET /v1/accounts/:id/fraud-neighbors
func (h *Handler) GetFraudNeighbors(c *gin.Context) {
	id := c.Param("id")
	ctx := logging.WithAccountID(c.Request.Context(), id)

	ok, err := h.store.AccountExists(ctx, id)
	if err == nil && !ok {
		err = ErrAccountNotFound
	}
	var neighbors []FraudNeighbor
	if err == nil {
		neighbors, err = h.store.FraudNeighbors(ctx, id, NeighborSearchEdges, NeighborLimit)
	}
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "Account not found",
		})
		return
	case err != nil:
		logging.L(ctx).Error("fraud neighbor search failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to search fraud neighbors",
		})
		return
	}

	if neighbors == nil {
		neighbors = []FraudNeighbor{}
	}
	c.JSON(http.StatusOK, gin.H{
		"accountId":      id,
		"fraudNeighbors": neighbors,
		"count":          len(neighbors),
	})
}
