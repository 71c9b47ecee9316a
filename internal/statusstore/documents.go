package statusstore

import "time"

// Document names used by the queue. "status" and "recent_activity" are
// split so the host can poll recent activity without re-reading the
// full aggregate.
const (
	DocAggregateStatus = "status"
	DocRecentActivity  = "recent_activity"
)

const SchemaVersion = 1

const MaxRecentActivity = 50

// ArtistRollup aggregates outcomes for a single artist.
type ArtistRollup struct {
	ArtistName      string     `json:"artist_name"`
	CompletedAlbums int        `json:"completed_albums"`
	CompletedTracks int        `json:"completed_tracks"`
	FailedTracks    int        `json:"failed_tracks"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
}

// AggregateStatus is the host-facing summary document.
type AggregateStatus struct {
	SchemaVersion           int                     `json:"schema_version"`
	TotalCompletedDownloads int                     `json:"total_completed_downloads"`
	TotalFailedDownloads    int                     `json:"total_failed_downloads"`
	CompletedAlbums         int                     `json:"completed_albums"`
	FailedAlbums            int                     `json:"failed_albums"`
	QueuedCount             int                     `json:"queued_count"`
	ActiveCount             int                     `json:"active_count"`
	CircuitState            string                  `json:"circuit_state"`
	RateLimitedUntil        *time.Time              `json:"rate_limited_until,omitempty"`
	ArtistRollups           map[string]ArtistRollup `json:"artist_rollups,omitempty"`
	UpdatedAt               time.Time               `json:"updated_at"`
}

// ActivityEntry is one line of recent history.
type ActivityEntry struct {
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title"`
	ArtistName string    `json:"artist_name"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// RecentActivity holds the newest entries first, capped at
// MaxRecentActivity.
type RecentActivity struct {
	SchemaVersion int             `json:"schema_version"`
	Entries       []ActivityEntry `json:"entries"`
}

// Push prepends an entry, enforcing the cap.
func (r *RecentActivity) Push(e ActivityEntry) {
	r.SchemaVersion = SchemaVersion
	r.Entries = append([]ActivityEntry{e}, r.Entries...)
	if len(r.Entries) > MaxRecentActivity {
		r.Entries = r.Entries[:MaxRecentActivity]
	}
}
