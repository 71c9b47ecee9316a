package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harmonyhoard/conductor/internal/models"
)

// HistoryRepo persists every task so an interrupted run can be resumed
// without losing or duplicating work.
type HistoryRepo struct {
	DB *sql.DB
}

func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{DB: db}
}

// HistoryStats mirrors the aggregate counts exposed over the API.
type HistoryStats struct {
	TotalTasks     int64            `json:"total_tasks"`
	CompletedTasks int64            `json:"completed_tasks"`
	WarningTasks   int64            `json:"warning_tasks"`
	FailedTasks    int64            `json:"failed_tasks"`
	CancelledTasks int64            `json:"cancelled_tasks"`
	QueuedTasks    int64            `json:"queued_tasks"`
	ActiveTasks    int64            `json:"active_tasks"`
	StatusCounts   map[string]int64 `json:"status_counts"`
}

// SaveTask inserts or updates a task record.
func (r *HistoryRepo) SaveTask(t *models.DownloadTask) error {
	failed, err := json.Marshal(t.FailedTracks)
	if err != nil {
		return fmt.Errorf("failed to encode failed tracks: %v", err)
	}

	_, err = r.DB.Exec(`
		INSERT INTO download_tasks (
			id, title, artist_name, album_name, artist_id, album_id, explicit,
			priority, status, total_tracks, completed_tracks, failed_tracks,
			progress, last_error, sequence_number, sequence_length,
			quality, output_dir, skip_existing, release_date,
			enqueued_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_tracks = excluded.total_tracks,
			completed_tracks = excluded.completed_tracks,
			failed_tracks = excluded.failed_tracks,
			progress = excluded.progress,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		t.ID, t.Title, t.ArtistName, t.AlbumName, t.ArtistID, t.AlbumID, boolToInt(t.Explicit),
		int(t.Priority), string(t.Status), t.TotalTracks, t.CompletedTracks, string(failed),
		t.Progress, t.LastError, t.SequenceNumber, t.SequenceLength,
		t.Settings.Quality, t.Settings.OutputDir, boolToInt(t.Settings.SkipExisting),
		formatTime(t.ReleaseDate), formatTime(t.EnqueuedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %v", t.ID, err)
	}
	return nil
}

// LoadResumable returns every non-terminal task, oldest first, so the
// queue can re-adopt interrupted work on startup.
func (r *HistoryRepo) LoadResumable() ([]*models.DownloadTask, error) {
	rows, err := r.DB.Query(`
		SELECT id, title, artist_name, album_name, artist_id, album_id, explicit,
		       priority, status, total_tracks, completed_tracks, failed_tracks,
		       progress, last_error, sequence_number, sequence_length,
		       quality, output_dir, skip_existing, release_date,
		       enqueued_at, started_at, completed_at
		FROM download_tasks
		WHERE status IN ('queued', 'downloading', 'paused')
		ORDER BY enqueued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query resumable tasks: %v", err)
	}
	defer rows.Close()

	var tasks []*models.DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		// Anything caught mid-download goes back to the queue.
		if t.Status == models.TaskStatusDownloading {
			t.Status = models.TaskStatusQueued
			t.StartedAt = nil
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListAll returns every retained task, newest first.
func (r *HistoryRepo) ListAll() ([]*models.DownloadTask, error) {
	rows, err := r.DB.Query(`
		SELECT id, title, artist_name, album_name, artist_id, album_id, explicit,
		       priority, status, total_tracks, completed_tracks, failed_tracks,
		       progress, last_error, sequence_number, sequence_length,
		       quality, output_dir, skip_existing, release_date,
		       enqueued_at, started_at, completed_at
		FROM download_tasks
		ORDER BY enqueued_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %v", err)
	}
	defer rows.Close()

	var tasks []*models.DownloadTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// PruneTerminal keeps only the newest `keep` terminal records.
func (r *HistoryRepo) PruneTerminal(keep int) (int64, error) {
	result, err := r.DB.Exec(`
		DELETE FROM download_tasks
		WHERE status IN ('completed', 'warning', 'failed', 'cancelled')
		AND id NOT IN (
			SELECT id FROM download_tasks
			WHERE status IN ('completed', 'warning', 'failed', 'cancelled')
			ORDER BY completed_at DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal tasks: %v", err)
	}
	return result.RowsAffected()
}

// Stats returns aggregate counts by status.
func (r *HistoryRepo) Stats() (*HistoryStats, error) {
	stats := &HistoryStats{StatusCounts: make(map[string]int64)}

	rows, err := r.DB.Query(`SELECT status, COUNT(*) FROM download_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task stats: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.StatusCounts[status] = count
		stats.TotalTasks += count
		switch models.TaskStatus(status) {
		case models.TaskStatusCompleted:
			stats.CompletedTasks = count
		case models.TaskStatusWarning:
			stats.WarningTasks = count
		case models.TaskStatusFailed:
			stats.FailedTasks = count
		case models.TaskStatusCancelled:
			stats.CancelledTasks = count
		case models.TaskStatusQueued, models.TaskStatusPaused:
			stats.QueuedTasks += count
		case models.TaskStatusDownloading:
			stats.ActiveTasks = count
		}
	}
	return stats, rows.Err()
}

func scanTask(rows *sql.Rows) (*models.DownloadTask, error) {
	var t models.DownloadTask
	var explicit, skipExisting, priority int
	var status, failedTracks, releaseDate, enqueuedAt string
	var startedAt, completedAt sql.NullString

	err := rows.Scan(
		&t.ID, &t.Title, &t.ArtistName, &t.AlbumName, &t.ArtistID, &t.AlbumID, &explicit,
		&priority, &status, &t.TotalTracks, &t.CompletedTracks, &failedTracks,
		&t.Progress, &t.LastError, &t.SequenceNumber, &t.SequenceLength,
		&t.Settings.Quality, &t.Settings.OutputDir, &skipExisting, &releaseDate,
		&enqueuedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan task row: %v", err)
	}

	t.Explicit = explicit != 0
	t.Settings.SkipExisting = skipExisting != 0
	t.Priority = models.TaskPriority(priority)
	t.Status = models.TaskStatus(status)
	if err := json.Unmarshal([]byte(failedTracks), &t.FailedTracks); err != nil {
		t.FailedTracks = nil
	}
	t.ReleaseDate = parseTime(releaseDate)
	t.EnqueuedAt = parseTime(enqueuedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
