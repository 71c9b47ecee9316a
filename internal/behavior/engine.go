package behavior

import (
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/models"
)

// DelayClass labels why a particular delay was chosen.
type DelayClass string

const (
	DelayStandard       DelayClass = "standard"
	DelayTrackToTrack   DelayClass = "track_to_track"
	DelayAlbumToAlbum   DelayClass = "album_to_album"
	DelayArtistToArtist DelayClass = "artist_to_artist"
	DelaySessionBreak   DelayClass = "session_break"
	DelayHighVolume     DelayClass = "high_volume"
)

// Context identifies what is about to be served, compared against the
// last-served context to classify the delay.
type Context struct {
	ArtistID       string
	AlbumID        string
	SequenceNumber int
}

// Snapshot is a read-only view of the session state for reporting.
type Snapshot struct {
	Enabled       bool       `json:"enabled"`
	OnBreak       bool       `json:"on_break"`
	HighVolume    bool       `json:"high_volume"`
	SessionStart  time.Time  `json:"session_start"`
	BreakStart    *time.Time `json:"break_start,omitempty"`
	IdentityIndex int        `json:"identity_index"`
	LastArtistID  string     `json:"last_artist_id,omitempty"`
	LastAlbumID   string     `json:"last_album_id,omitempty"`
}

// Engine decides when and in what order queued work is released so the
// resulting traffic resembles a listening session rather than a batch
// job. One engine per process; all state lives behind one mutex and
// session/break transitions are checked cooperatively on each call,
// never by a background timer.
type Engine struct {
	cfg config.BehaviorConfig

	mu            sync.Mutex
	rng           *rand.Rand
	now           func() time.Time
	sessionStart  time.Time
	breakStart    time.Time
	onBreak       bool
	lastArtistID  string
	lastAlbumID   string
	lastSequence  int
	hasLast       bool
	highVolume    bool
	identityIndex int

	onDelay func(class DelayClass, d time.Duration)
}

func New(cfg config.BehaviorConfig) *Engine {
	e := &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	e.sessionStart = e.now()
	return e
}

// SetDelayHook registers a callback invoked for every computed delay.
// Used for metrics.
func (e *Engine) SetDelayHook(fn func(DelayClass, time.Duration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDelay = fn
}

// ComputeDelay classifies the transition from the last-served context
// and draws a delay from the configured range for that class. The draw
// is min + (max-min) * min(u, v): skewed toward the minimum but with
// an occasional long pause. Outside active hours the whole range is
// doubled (or tripled in the dead of night). Returns 0 immediately
// when the engine is disabled.
func (e *Engine) ComputeDelay(c Context) (time.Duration, DelayClass) {
	if !e.cfg.Enabled {
		return 0, DelayStandard
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	if e.onBreak {
		if e.shouldResumeLocked(now) {
			e.resumeLocked(now)
		} else {
			remaining := e.breakStart.Add(e.breakDurationLocked()).Sub(now)
			e.recordServedLocked(c)
			e.emitLocked(DelaySessionBreak, remaining)
			return remaining, DelaySessionBreak
		}
	} else if e.shouldBreakLocked(now) {
		e.onBreak = true
		e.breakStart = now
		d := e.breakDurationLocked()
		log.Printf("behavior: session of %s elapsed, breaking for %s",
			now.Sub(e.sessionStart).Round(time.Second), d)
		e.recordServedLocked(c)
		e.emitLocked(DelaySessionBreak, d)
		return d, DelaySessionBreak
	}

	var class DelayClass
	var r config.DelayRange
	switch {
	case e.highVolume:
		class, r = DelayHighVolume, e.cfg.HighVolumeDelay
	case !e.hasLast:
		class, r = DelayStandard, e.cfg.StandardDelay
	case c.AlbumID == e.lastAlbumID:
		class, r = DelayTrackToTrack, e.cfg.TrackDelay
	case c.ArtistID == e.lastArtistID:
		class, r = DelayAlbumToAlbum, e.cfg.AlbumDelay
	default:
		class, r = DelayArtistToArtist, e.cfg.ArtistDelay
	}

	d := e.drawLocked(r, e.offHoursMultiplierLocked(now))
	e.recordServedLocked(c)
	e.emitLocked(class, d)
	return d, class
}

// ShouldBreakNow reports whether the active session has run long
// enough that a break is due.
func (e *Engine) ShouldBreakNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldBreakLocked(e.now())
}

// ShouldResumeNow reports whether the current break has run its course.
func (e *Engine) ShouldResumeNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shouldResumeLocked(e.now())
}

// ShouldSkip runs a Bernoulli trial against the configured skip
// probability. Always false when skip simulation is off.
func (e *Engine) ShouldSkip() bool {
	if !e.cfg.Enabled || !e.cfg.SimulateSkips {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.cfg.SkipProbability
}

// AdaptToQueueVolume toggles high-volume mode when queue depth crosses
// the configured threshold, swapping in the shorter session profile.
func (e *Engine) AdaptToQueueVolume(depth int) {
	if !e.cfg.Enabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	hv := depth > e.cfg.HighVolumeThreshold
	if hv != e.highVolume {
		e.highVolume = hv
		log.Printf("behavior: high-volume mode %v (queue depth %d)", hv, depth)
	}
}

// IdentityIndex returns the current rotating connection-parameter index.
func (e *Engine) IdentityIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identityIndex
}

// TrackOrder returns the order in which an album's n tracks should be
// fetched: a random permutation when track shuffling is on, otherwise
// the identity order.
func (e *Engine) TrackOrder(n int) []int {
	if !e.cfg.Enabled || !e.cfg.ShuffleTracks {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Perm(n)
}

// ReorderQueue rearranges pending tasks the way a listener would move
// through a library: albums stay contiguous, the last-played album (then
// artist) continues first, and remaining artists follow, optionally
// shuffled. It is a stable partition-and-concatenate: the output is a
// permutation of the input and every album group survives intact.
// Identity when the engine or reordering is disabled.
func (e *Engine) ReorderQueue(tasks []*models.DownloadTask) []*models.DownloadTask {
	if !e.cfg.Enabled || !e.cfg.ReorderQueue || len(tasks) <= 1 {
		return tasks
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	type group struct {
		albumID  string
		artistID string
		tasks    []*models.DownloadTask
	}

	index := make(map[string]int)
	var groups []*group
	for _, t := range tasks {
		key := t.AlbumID
		if key == "" {
			key = t.ID
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, &group{albumID: t.AlbumID, artistID: t.ArtistID})
		}
		groups[i].tasks = append(groups[i].tasks, t)
	}

	for _, g := range groups {
		if e.cfg.ShuffleTracks {
			e.rng.Shuffle(len(g.tasks), func(i, j int) {
				g.tasks[i], g.tasks[j] = g.tasks[j], g.tasks[i]
			})
		} else {
			sort.SliceStable(g.tasks, func(i, j int) bool {
				return g.tasks[i].SequenceNumber < g.tasks[j].SequenceNumber
			})
		}
	}

	var ordered []*group
	taken := make([]bool, len(groups))

	// Continue the album that was playing, resuming after the last
	// served track, then the same artist's remaining albums in their
	// original order.
	if e.lastAlbumID != "" {
		for i, g := range groups {
			if g.albumID == e.lastAlbumID {
				if !e.cfg.ShuffleTracks && e.lastSequence > 0 {
					var ahead, behind []*models.DownloadTask
					for _, t := range g.tasks {
						if t.SequenceNumber > e.lastSequence {
							ahead = append(ahead, t)
						} else {
							behind = append(behind, t)
						}
					}
					g.tasks = append(ahead, behind...)
				}
				ordered = append(ordered, g)
				taken[i] = true
				break
			}
		}
	}
	if e.lastArtistID != "" {
		for i, g := range groups {
			if !taken[i] && g.artistID == e.lastArtistID {
				ordered = append(ordered, g)
				taken[i] = true
			}
		}
	}

	// Remaining artists in first-seen order, optionally shuffled.
	artistIndex := make(map[string]int)
	var artists []string
	for i, g := range groups {
		if taken[i] {
			continue
		}
		if _, ok := artistIndex[g.artistID]; !ok {
			artistIndex[g.artistID] = len(artists)
			artists = append(artists, g.artistID)
		}
	}
	if e.cfg.ShuffleArtists {
		e.rng.Shuffle(len(artists), func(i, j int) {
			artists[i], artists[j] = artists[j], artists[i]
		})
	}
	for _, artist := range artists {
		for i, g := range groups {
			if !taken[i] && g.artistID == artist {
				ordered = append(ordered, g)
				taken[i] = true
			}
		}
	}

	out := make([]*models.DownloadTask, 0, len(tasks))
	for _, g := range ordered {
		out = append(out, g.tasks...)
	}
	return out
}

// Snapshot returns the current session state for reporting.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Enabled:       e.cfg.Enabled,
		OnBreak:       e.onBreak,
		HighVolume:    e.highVolume,
		SessionStart:  e.sessionStart,
		IdentityIndex: e.identityIndex,
		LastArtistID:  e.lastArtistID,
		LastAlbumID:   e.lastAlbumID,
	}
	if e.onBreak {
		bs := e.breakStart
		s.BreakStart = &bs
	}
	return s
}

func (e *Engine) shouldBreakLocked(now time.Time) bool {
	return !e.onBreak && now.Sub(e.sessionStart) >= e.sessionDurationLocked()
}

func (e *Engine) shouldResumeLocked(now time.Time) bool {
	return e.onBreak && now.Sub(e.breakStart) >= e.breakDurationLocked()
}

func (e *Engine) resumeLocked(now time.Time) {
	e.onBreak = false
	e.sessionStart = now
	if e.rng.Float64() < e.cfg.RotationProbability {
		e.identityIndex = (e.identityIndex + 1) % e.cfg.IdentityCount
		log.Printf("behavior: rotated connection identity to %d", e.identityIndex)
	}
}

func (e *Engine) sessionDurationLocked() time.Duration {
	if e.highVolume {
		return e.cfg.HighVolumeSessionDuration
	}
	return e.cfg.SessionDuration
}

func (e *Engine) breakDurationLocked() time.Duration {
	if e.highVolume {
		return e.cfg.HighVolumeBreakDuration
	}
	return e.cfg.BreakDuration
}

func (e *Engine) recordServedLocked(c Context) {
	e.lastArtistID = c.ArtistID
	e.lastAlbumID = c.AlbumID
	e.lastSequence = c.SequenceNumber
	e.hasLast = true
}

// drawLocked samples min + (max-min) * min(u, v) from the normalized
// range, scaled by the off-hours multiplier.
func (e *Engine) drawLocked(r config.DelayRange, mult float64) time.Duration {
	r = r.Normalized()
	u, v := e.rng.Float64(), e.rng.Float64()
	f := u
	if v < u {
		f = v
	}
	d := float64(r.Min) + float64(r.Max-r.Min)*f
	return time.Duration(d * mult)
}

func (e *Engine) offHoursMultiplierLocked(now time.Time) float64 {
	if !e.cfg.TimeOfDayAdaptation {
		return 1
	}
	h := now.Hour()
	start, end := e.cfg.ActiveHoursStart, e.cfg.ActiveHoursEnd
	var active bool
	if start <= end {
		active = h >= start && h < end
	} else {
		active = h >= start || h < end
	}
	if active {
		return 1
	}
	if h >= 2 && h < 6 {
		return 3
	}
	return 2
}

func (e *Engine) emitLocked(class DelayClass, d time.Duration) {
	if e.onDelay != nil {
		e.onDelay(class, d)
	}
}
