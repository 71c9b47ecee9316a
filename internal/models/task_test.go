package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatus_IsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusWarning, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	live := []TaskStatus{TaskStatusQueued, TaskStatusDownloading, TaskStatusPaused}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTaskPriority_String(t *testing.T) {
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "critical", PriorityCritical.String())
}

func TestDownloadTask_DedupKey(t *testing.T) {
	a := &DownloadTask{Title: "Harvest Moon", ArtistName: "Neil Young"}
	b := &DownloadTask{Title: "  HARVEST MOON ", ArtistName: "neil young"}
	c := &DownloadTask{Title: "Harvest Moon", ArtistName: "Cassandra Wilson"}

	assert.Equal(t, a.DedupKey(), b.DedupKey())
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())
}

func TestDownloadTask_CloneIsDeep(t *testing.T) {
	started := time.Now()
	remaining := 5 * time.Minute
	orig := &DownloadTask{
		ID:                 "t1",
		Title:              "Blue",
		StartedAt:          &started,
		EstimatedRemaining: &remaining,
		FailedTracks:       []int{3, 7},
	}

	clone := orig.Clone()
	assert.Equal(t, orig, clone)

	clone.FailedTracks[0] = 99
	*clone.StartedAt = started.Add(time.Hour)
	*clone.EstimatedRemaining = time.Second

	assert.Equal(t, 3, orig.FailedTracks[0])
	assert.Equal(t, started, *orig.StartedAt)
	assert.Equal(t, 5*time.Minute, *orig.EstimatedRemaining)
}
