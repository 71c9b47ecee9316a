package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/harmonyhoard/conductor/internal/database"
	"github.com/harmonyhoard/conductor/internal/models"
	"github.com/harmonyhoard/conductor/internal/queue"
)

type DownloadHandler struct {
	Queue   *queue.Queue
	History *database.HistoryRepo
}

func NewDownloadHandler(q *queue.Queue, history *database.HistoryRepo) *DownloadHandler {
	return &DownloadHandler{Queue: q, History: history}
}

// POST /api/v1/downloads/queue
func (h *DownloadHandler) QueueDownload(c *gin.Context) {
	var req queue.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format: " + err.Error(),
		})
		return
	}

	task, err := h.Queue.Enqueue(req)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrDuplicateTask):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"task_id":  task.ID,
		"status":   task.Status,
		"priority": task.Priority.String(),
		"message":  "Download queued successfully",
	})
}

// GET /api/v1/downloads
func (h *DownloadHandler) GetDownloads(c *gin.Context) {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	tasks := h.Queue.GetSnapshot()

	filtered := []*models.DownloadTask{}
	for _, t := range tasks {
		if status != "" && string(t.Status) != status {
			continue
		}
		filtered = append(filtered, t)
		if len(filtered) >= limit {
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": filtered,
		"total": len(filtered),
	})
}

// GET /api/v1/downloads/:id
func (h *DownloadHandler) GetDownload(c *gin.Context) {
	task, err := h.Queue.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Download not found"})
		return
	}

	c.JSON(http.StatusOK, task)
}

// DELETE /api/v1/downloads/:id
func (h *DownloadHandler) RemoveDownload(c *gin.Context) {
	deleteData := c.DefaultQuery("delete_data", "false") == "true"

	if err := h.Queue.Remove(c.Param("id"), deleteData); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Download not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Download removed successfully",
	})
}

// POST /api/v1/downloads/:id/pause
func (h *DownloadHandler) PauseDownload(c *gin.Context) {
	if err := h.Queue.Pause(c.Param("id")); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Download not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Download paused",
	})
}

// POST /api/v1/downloads/:id/resume
func (h *DownloadHandler) ResumeDownload(c *gin.Context) {
	if err := h.Queue.Resume(c.Param("id")); err != nil {
		if errors.Is(err, queue.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Download not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Download resumed",
	})
}

// GET /api/v1/downloads/stats
func (h *DownloadHandler) GetDownloadStats(c *gin.Context) {
	if h.History == nil {
		c.JSON(http.StatusOK, gin.H{"queue_depth": h.Queue.Depth()})
		return
	}

	stats, err := h.History.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get download statistics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":       stats,
		"queue_depth": h.Queue.Depth(),
	})
}
