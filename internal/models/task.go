package models

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusWarning     TaskStatus = "warning"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status will never change again.
// Warning is terminal: the task finished, but some tracks failed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusWarning, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// TaskSettings are the execution options captured at enqueue time. The
// circuit breaker stores its own copy when a task is deferred, so later
// settings changes never affect already-accepted work.
type TaskSettings struct {
	Quality      string `json:"quality"`
	OutputDir    string `json:"output_dir"`
	SkipExisting bool   `json:"skip_existing"`
}

// DownloadTask is one unit of work: a single album, downloaded track by
// track. Mutated only by the executing worker once it leaves the queued
// state; immutable after reaching a terminal status.
type DownloadTask struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ArtistName string `json:"artist_name"`
	AlbumName  string `json:"album_name"`
	Explicit   bool   `json:"explicit"`

	Priority    TaskPriority `json:"priority"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`

	TotalTracks     int     `json:"total_tracks"`
	CompletedTracks int     `json:"completed_tracks"`
	FailedTracks    []int   `json:"failed_tracks,omitempty"`
	Progress        float64 `json:"progress"`
	// EstimatedRemaining is recomputed after every finished track.
	EstimatedRemaining *time.Duration `json:"estimated_remaining,omitempty"`

	Status    TaskStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`

	// Ordering context consumed by the behavior engine.
	ArtistID       string    `json:"artist_id"`
	AlbumID        string    `json:"album_id"`
	SequenceNumber int       `json:"sequence_number"`
	SequenceLength int       `json:"sequence_length"`
	ReleaseDate    time.Time `json:"release_date"`

	Settings TaskSettings `json:"settings"`
}

// DedupKey is the case-insensitive (title, artist) identity used to
// reject re-downloads of work that is already in flight.
func (t *DownloadTask) DedupKey() string {
	return strings.ToLower(strings.TrimSpace(t.Title)) + "\x00" + strings.ToLower(strings.TrimSpace(t.ArtistName))
}

// Clone returns a deep copy safe to hand to readers or the pending buffer.
func (t *DownloadTask) Clone() *DownloadTask {
	c := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	if t.EstimatedRemaining != nil {
		remaining := *t.EstimatedRemaining
		c.EstimatedRemaining = &remaining
	}
	if t.FailedTracks != nil {
		c.FailedTracks = append([]int(nil), t.FailedTracks...)
	}
	return &c
}
