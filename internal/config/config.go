package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Profile names a built-in settings table. A config that matches no
// table is reported as ProfileCustom; "has this been customized" is an
// explicit value comparison, never reflection.
type Profile string

const (
	ProfileBalanced        Profile = "balanced"
	ProfileCasualListener  Profile = "casual_listener"
	ProfileMusicEnthusiast Profile = "music_enthusiast"
	ProfileCustom          Profile = "custom"
)

// DelayRange is a closed [Min, Max] interval for one delay class.
type DelayRange struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Normalized returns the range with Min and Max swapped if they were
// configured backwards. Misordered ranges are repaired, not rejected.
func (r DelayRange) Normalized() DelayRange {
	if r.Min > r.Max {
		return DelayRange{Min: r.Max, Max: r.Min}
	}
	return r
}

type BehaviorConfig struct {
	Enabled bool `json:"enabled"`

	StandardDelay   DelayRange `json:"standard_delay"`
	TrackDelay      DelayRange `json:"track_delay"`
	AlbumDelay      DelayRange `json:"album_delay"`
	ArtistDelay     DelayRange `json:"artist_delay"`
	HighVolumeDelay DelayRange `json:"high_volume_delay"`

	SessionDuration           time.Duration `json:"session_duration"`
	BreakDuration             time.Duration `json:"break_duration"`
	HighVolumeSessionDuration time.Duration `json:"high_volume_session_duration"`
	HighVolumeBreakDuration   time.Duration `json:"high_volume_break_duration"`
	HighVolumeThreshold       int           `json:"high_volume_threshold"`

	SimulateSkips   bool    `json:"simulate_skips"`
	SkipProbability float64 `json:"skip_probability"`

	ReorderQueue   bool `json:"reorder_queue"`
	ShuffleArtists bool `json:"shuffle_artists"`
	ShuffleTracks  bool `json:"shuffle_tracks"`

	TimeOfDayAdaptation bool `json:"time_of_day_adaptation"`
	ActiveHoursStart    int  `json:"active_hours_start"`
	ActiveHoursEnd      int  `json:"active_hours_end"`

	IdentityCount       int     `json:"identity_count"`
	RotationProbability float64 `json:"rotation_probability"`
}

type QueueConfig struct {
	MaxConcurrentTasks        int           `json:"max_concurrent_tasks"`
	MaxConcurrentTrackFetches int           `json:"max_concurrent_track_fetches"`
	MaxTrackRetries           int           `json:"max_track_retries"`
	RetryBackoffBase          time.Duration `json:"retry_backoff_base"`
	RetryBackoffMax           time.Duration `json:"retry_backoff_max"`
	TrackStallTimeout         time.Duration `json:"track_stall_timeout"`
	NewReleaseWindow          time.Duration `json:"new_release_window"`
	RetainTerminal            int           `json:"retain_terminal"`
}

type BreakerConfig struct {
	FailureThreshold   int           `json:"failure_threshold"`
	FailureWindow      time.Duration `json:"failure_window"`
	BreakDuration      time.Duration `json:"break_duration"`
	HalfOpenMaxTrials  int           `json:"half_open_max_trials"`
	HalfOpenSuccesses  int           `json:"half_open_successes"`
	PendingBufferLimit int           `json:"pending_buffer_limit"`
	ReplayBatchSize    int           `json:"replay_batch_size"`
	ReplayErrorLimit   int           `json:"replay_error_limit"`
}

type StoreConfig struct {
	Dir          string        `json:"dir"`
	LockTimeout  time.Duration `json:"lock_timeout"`
	WriteRetries int           `json:"write_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
}

// Config is the explicit, versioned configuration for the whole
// orchestrator. Version bumps whenever a field changes meaning.
type Config struct {
	Version     int    `json:"version"`
	Port        string `json:"port"`
	Environment string `json:"environment"`
	DatabaseURL string `json:"database_url"`
	DownloadDir string `json:"download_dir"`

	CatalogURL   string `json:"catalog_url"`
	CatalogToken string `json:"-"`

	JWTSecret         string `json:"-"`
	AdminUsername     string `json:"admin_username"`
	AdminPasswordHash string `json:"-"`

	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"-"`

	Behavior BehaviorConfig `json:"behavior"`
	Queue    QueueConfig    `json:"queue"`
	Breaker  BreakerConfig  `json:"breaker"`
	Store    StoreConfig    `json:"store"`
}

const Version = 1

// Default returns the Balanced profile.
func Default() *Config {
	return ForProfile(ProfileBalanced)
}

// ForProfile returns the named default table. ProfileCustom (or an
// unknown name) falls back to Balanced, which callers then edit.
func ForProfile(p Profile) *Config {
	cfg := &Config{
		Version:     Version,
		Port:        "8080",
		Environment: "development",
		DatabaseURL: "./data/conductor.db",
		DownloadDir: "./downloads",
		JWTSecret:   "change-this-in-production",
		Behavior: BehaviorConfig{
			Enabled:                   true,
			StandardDelay:             DelayRange{Min: 10 * time.Second, Max: 90 * time.Second},
			TrackDelay:                DelayRange{Min: 8 * time.Second, Max: 40 * time.Second},
			AlbumDelay:                DelayRange{Min: 30 * time.Second, Max: 3 * time.Minute},
			ArtistDelay:               DelayRange{Min: 1 * time.Minute, Max: 5 * time.Minute},
			HighVolumeDelay:           DelayRange{Min: 3 * time.Second, Max: 15 * time.Second},
			SessionDuration:           45 * time.Minute,
			BreakDuration:             15 * time.Minute,
			HighVolumeSessionDuration: 30 * time.Minute,
			HighVolumeBreakDuration:   5 * time.Minute,
			HighVolumeThreshold:       25,
			SimulateSkips:             true,
			SkipProbability:           0.08,
			ReorderQueue:              true,
			ShuffleArtists:            true,
			ShuffleTracks:             false,
			TimeOfDayAdaptation:       true,
			ActiveHoursStart:          8,
			ActiveHoursEnd:            23,
			IdentityCount:             3,
			RotationProbability:       0.25,
		},
		Queue: QueueConfig{
			MaxConcurrentTasks:        1,
			MaxConcurrentTrackFetches: 2,
			MaxTrackRetries:           3,
			RetryBackoffBase:          2 * time.Second,
			RetryBackoffMax:           60 * time.Second,
			TrackStallTimeout:         5 * time.Minute,
			NewReleaseWindow:          30 * 24 * time.Hour,
			RetainTerminal:            200,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			FailureWindow:      10 * time.Minute,
			BreakDuration:      30 * time.Minute,
			HalfOpenMaxTrials:  1,
			HalfOpenSuccesses:  1,
			PendingBufferLimit: 1000,
			ReplayBatchSize:    10,
			ReplayErrorLimit:   3,
		},
		Store: StoreConfig{
			Dir:          "./data/status",
			LockTimeout:  5 * time.Second,
			WriteRetries: 3,
			RetryBackoff: 250 * time.Millisecond,
		},
	}

	switch p {
	case ProfileCasualListener:
		cfg.Behavior.StandardDelay = DelayRange{Min: 20 * time.Second, Max: 3 * time.Minute}
		cfg.Behavior.TrackDelay = DelayRange{Min: 15 * time.Second, Max: 90 * time.Second}
		cfg.Behavior.AlbumDelay = DelayRange{Min: 1 * time.Minute, Max: 6 * time.Minute}
		cfg.Behavior.ArtistDelay = DelayRange{Min: 2 * time.Minute, Max: 10 * time.Minute}
		cfg.Behavior.SessionDuration = 30 * time.Minute
		cfg.Behavior.BreakDuration = 30 * time.Minute
		cfg.Behavior.SkipProbability = 0.15
	case ProfileMusicEnthusiast:
		cfg.Behavior.StandardDelay = DelayRange{Min: 5 * time.Second, Max: 45 * time.Second}
		cfg.Behavior.TrackDelay = DelayRange{Min: 4 * time.Second, Max: 20 * time.Second}
		cfg.Behavior.AlbumDelay = DelayRange{Min: 20 * time.Second, Max: 2 * time.Minute}
		cfg.Behavior.ArtistDelay = DelayRange{Min: 30 * time.Second, Max: 3 * time.Minute}
		cfg.Behavior.SessionDuration = 2 * time.Hour
		cfg.Behavior.BreakDuration = 10 * time.Minute
		cfg.Behavior.SkipProbability = 0.04
	}

	return cfg
}

// DetectProfile compares the behavior settings against every named
// table and returns the matching profile, or ProfileCustom.
func (c *Config) DetectProfile() Profile {
	for _, p := range []Profile{ProfileBalanced, ProfileCasualListener, ProfileMusicEnthusiast} {
		if c.Behavior == ForProfile(p).Behavior {
			return p
		}
	}
	return ProfileCustom
}

// Validate surfaces configuration errors immediately; they are never
// retried or softened downstream.
func (c *Config) Validate() error {
	if c.Queue.MaxConcurrentTasks < 1 {
		return fmt.Errorf("queue: max_concurrent_tasks must be >= 1, got %d", c.Queue.MaxConcurrentTasks)
	}
	if c.Queue.MaxConcurrentTrackFetches < 1 {
		return fmt.Errorf("queue: max_concurrent_track_fetches must be >= 1, got %d", c.Queue.MaxConcurrentTrackFetches)
	}
	if c.Queue.MaxTrackRetries < 0 {
		return fmt.Errorf("queue: max_track_retries must be >= 0, got %d", c.Queue.MaxTrackRetries)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker: failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.PendingBufferLimit < 1 {
		return fmt.Errorf("breaker: pending_buffer_limit must be >= 1, got %d", c.Breaker.PendingBufferLimit)
	}
	if c.Behavior.SkipProbability < 0 || c.Behavior.SkipProbability > 1 {
		return fmt.Errorf("behavior: skip_probability must be in [0,1], got %f", c.Behavior.SkipProbability)
	}
	if c.Behavior.RotationProbability < 0 || c.Behavior.RotationProbability > 1 {
		return fmt.Errorf("behavior: rotation_probability must be in [0,1], got %f", c.Behavior.RotationProbability)
	}
	if c.Behavior.IdentityCount < 1 {
		return fmt.Errorf("behavior: identity_count must be >= 1, got %d", c.Behavior.IdentityCount)
	}
	if c.Behavior.ActiveHoursStart < 0 || c.Behavior.ActiveHoursStart > 23 ||
		c.Behavior.ActiveHoursEnd < 0 || c.Behavior.ActiveHoursEnd > 23 {
		return fmt.Errorf("behavior: active hours must be within 0-23")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store: dir must not be empty")
	}
	if c.Store.LockTimeout <= 0 {
		return fmt.Errorf("store: lock_timeout must be positive, got %s", c.Store.LockTimeout)
	}
	return nil
}

// FromEnv overlays environment variables onto the config. Only the
// operational knobs are exposed this way; behavior tuning goes through
// the profile tables.
func (c *Config) FromEnv() *Config {
	if v := os.Getenv("API_PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("STATUS_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("CATALOG_URL"); v != "" {
		c.CatalogURL = v
	}
	if v := os.Getenv("CATALOG_TOKEN"); v != "" {
		c.CatalogToken = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		c.AdminUsername = v
	}
	if v := os.Getenv("ADMIN_PASSWORD_HASH"); v != "" {
		c.AdminPasswordHash = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.WebhookSecret = v
	}
	if v := os.Getenv("BEHAVIOR_PROFILE"); v != "" {
		c.Behavior = ForProfile(Profile(v)).Behavior
	}
	if v := os.Getenv("BEHAVIOR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Behavior.Enabled = enabled
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxConcurrentTasks = n
		}
	}
	return c
}
