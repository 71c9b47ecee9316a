package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/harmonyhoard/conductor/internal/behavior"
	"github.com/harmonyhoard/conductor/internal/breaker"
	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/statusstore"
)

// SystemHandler exposes the circuit breaker, behavior engine, and
// persisted status documents for operators.
type SystemHandler struct {
	Breaker  *breaker.CircuitBreaker
	Behavior *behavior.Engine
	Store    *statusstore.Store
	Config   *config.Config
}

func NewSystemHandler(cb *breaker.CircuitBreaker, eng *behavior.Engine, store *statusstore.Store, cfg *config.Config) *SystemHandler {
	return &SystemHandler{
		Breaker:  cb,
		Behavior: eng,
		Store:    store,
		Config:   cfg,
	}
}

// GET /api/v1/system/breaker
func (h *SystemHandler) GetBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":         h.Breaker.State().String(),
		"failure_count": h.Breaker.FailureCount(),
		"pending_count": h.Breaker.PendingCount(),
		"open_until":    h.Breaker.OpenUntil(),
	})
}

// POST /api/v1/system/breaker/trip
func (h *SystemHandler) TripBreaker(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		req.Reason = "manual trip"
	}

	h.Breaker.Trip(req.Reason)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   h.Breaker.State().String(),
	})
}

// POST /api/v1/system/breaker/reset
func (h *SystemHandler) ResetBreaker(c *gin.Context) {
	h.Breaker.Reset()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"state":   h.Breaker.State().String(),
	})
}

// GET /api/v1/system/behavior
func (h *SystemHandler) GetBehaviorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"profile":  h.Config.DetectProfile(),
		"snapshot": h.Behavior.Snapshot(),
	})
}

// GET /api/v1/system/status
func (h *SystemHandler) GetAggregateStatus(c *gin.Context) {
	var agg statusstore.AggregateStatus
	found, err := h.Store.Read(statusstore.DocAggregateStatus, &agg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read status"})
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"status": nil})
		return
	}

	c.JSON(http.StatusOK, agg)
}

// GET /api/v1/system/activity
func (h *SystemHandler) GetRecentActivity(c *gin.Context) {
	var recent statusstore.RecentActivity
	found, err := h.Store.Read(statusstore.DocRecentActivity, &recent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read recent activity"})
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"entries": []statusstore.ActivityEntry{}})
		return
	}

	c.JSON(http.StatusOK, recent)
}
