package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonyhoard/conductor/internal/statusstore"
)

func setupSystemRouter(t *testing.T) (*gin.Engine, *testDeps) {
	deps := setupTestDeps(t)
	handler := NewSystemHandler(deps.breaker, deps.engine, deps.store, deps.config)

	router := gin.New()
	system := router.Group("/system")
	{
		system.GET("/status", handler.GetAggregateStatus)
		system.GET("/activity", handler.GetRecentActivity)
		system.GET("/breaker", handler.GetBreakerStatus)
		system.POST("/breaker/trip", handler.TripBreaker)
		system.POST("/breaker/reset", handler.ResetBreaker)
		system.GET("/behavior", handler.GetBehaviorStatus)
	}
	return router, deps
}

func TestSystemHandler_BreakerLifecycle(t *testing.T) {
	router, _ := setupSystemRouter(t)

	w := doJSON(router, http.MethodGet, "/system/breaker", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "closed", status["state"])

	w = doJSON(router, http.MethodPost, "/system/breaker/trip", map[string]interface{}{
		"reason": "upstream maintenance",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/system/breaker", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "open", status["state"])
	assert.NotNil(t, status["open_until"])

	w = doJSON(router, http.MethodPost, "/system/breaker/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/system/breaker", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "closed", status["state"])
}

func TestSystemHandler_BehaviorStatus(t *testing.T) {
	router, _ := setupSystemRouter(t)

	w := doJSON(router, http.MethodGet, "/system/behavior", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Profile  string `json:"profile"`
		Snapshot struct {
			Enabled bool `json:"enabled"`
		} `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	// The test config disables the engine, so it no longer matches a
	// named profile table.
	assert.Equal(t, "custom", resp.Profile)
	assert.False(t, resp.Snapshot.Enabled)
}

func TestSystemHandler_AggregateStatus(t *testing.T) {
	router, deps := setupSystemRouter(t)

	// Nothing published yet.
	w := doJSON(router, http.MethodGet, "/system/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, deps.store.Write(statusstore.DocAggregateStatus, statusstore.AggregateStatus{
		SchemaVersion:           statusstore.SchemaVersion,
		TotalCompletedDownloads: 42,
		CircuitState:            "closed",
	}))

	w = doJSON(router, http.MethodGet, "/system/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var agg statusstore.AggregateStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agg))
	assert.Equal(t, 42, agg.TotalCompletedDownloads)
}

func TestSystemHandler_RecentActivity(t *testing.T) {
	router, deps := setupSystemRouter(t)

	w := doJSON(router, http.MethodGet, "/system/activity", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var recent statusstore.RecentActivity
	recent.Push(statusstore.ActivityEntry{TaskID: "t1", Title: "Blue", Status: "completed"})
	require.NoError(t, deps.store.Write(statusstore.DocRecentActivity, recent))

	w = doJSON(router, http.MethodGet, "/system/activity", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var got statusstore.RecentActivity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Entries, 1)
	assert.Equal(t, "Blue", got.Entries[0].Title)
}
