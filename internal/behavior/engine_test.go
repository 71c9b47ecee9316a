package behavior

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/models"
)

func testBehaviorConfig() config.BehaviorConfig {
	return config.BehaviorConfig{
		Enabled:                   true,
		StandardDelay:             config.DelayRange{Min: 10 * time.Second, Max: 90 * time.Second},
		TrackDelay:                config.DelayRange{Min: 8 * time.Second, Max: 40 * time.Second},
		AlbumDelay:                config.DelayRange{Min: 30 * time.Second, Max: 3 * time.Minute},
		ArtistDelay:               config.DelayRange{Min: time.Minute, Max: 5 * time.Minute},
		HighVolumeDelay:           config.DelayRange{Min: 3 * time.Second, Max: 15 * time.Second},
		SessionDuration:           45 * time.Minute,
		BreakDuration:             15 * time.Minute,
		HighVolumeSessionDuration: 30 * time.Minute,
		HighVolumeBreakDuration:   5 * time.Minute,
		HighVolumeThreshold:       25,
		SimulateSkips:             true,
		SkipProbability:           0.1,
		ReorderQueue:              true,
		ShuffleArtists:            false,
		ShuffleTracks:             false,
		TimeOfDayAdaptation:       false,
		ActiveHoursStart:          8,
		ActiveHoursEnd:            23,
		IdentityCount:             3,
		RotationProbability:       1.0,
	}
}

// newTestEngine pins the clock to a fixed daytime instant so delay
// assertions are not sensitive to when the test runs.
func newTestEngine(cfg config.BehaviorConfig) (*Engine, *time.Time) {
	e := New(cfg)
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	e.sessionStart = now
	return e, &now
}

func TestEngine_DisabledReturnsZeroDelay(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.Enabled = false
	e, _ := newTestEngine(cfg)

	for i := 0; i < 10; i++ {
		d, class := e.ComputeDelay(Context{ArtistID: "a", AlbumID: "x"})
		assert.Equal(t, time.Duration(0), d)
		assert.Equal(t, DelayStandard, class)
	}
	assert.False(t, e.ShouldSkip())
}

func TestEngine_DelayClassification(t *testing.T) {
	e, _ := newTestEngine(testBehaviorConfig())

	// First serve has no history: standard.
	_, class := e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1", SequenceNumber: 1})
	assert.Equal(t, DelayStandard, class)

	// Same album: track-to-track.
	_, class = e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1", SequenceNumber: 2})
	assert.Equal(t, DelayTrackToTrack, class)

	// Same artist, different album: album-to-album.
	_, class = e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb2", SequenceNumber: 1})
	assert.Equal(t, DelayAlbumToAlbum, class)

	// Different artist: artist-to-artist.
	_, class = e.ComputeDelay(Context{ArtistID: "a2", AlbumID: "alb3", SequenceNumber: 1})
	assert.Equal(t, DelayArtistToArtist, class)
}

func TestEngine_DelayWithinRange(t *testing.T) {
	cfg := testBehaviorConfig()
	e, _ := newTestEngine(cfg)

	ranges := map[DelayClass]config.DelayRange{
		DelayStandard:     cfg.StandardDelay,
		DelayTrackToTrack: cfg.TrackDelay,
	}

	for i := 0; i < 200; i++ {
		d, class := e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1", SequenceNumber: i})
		r, ok := ranges[class]
		require.True(t, ok, "unexpected class %s", class)
		assert.GreaterOrEqual(t, d, r.Min)
		assert.LessOrEqual(t, d, r.Max)
	}
}

func TestEngine_MisorderedRangeRepaired(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.StandardDelay = config.DelayRange{Min: 90 * time.Second, Max: 10 * time.Second}
	e, _ := newTestEngine(cfg)

	d, class := e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1"})
	assert.Equal(t, DelayStandard, class)
	assert.GreaterOrEqual(t, d, 10*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)
}

func TestEngine_OffHoursMultiplier(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.TimeOfDayAdaptation = true
	e := New(cfg)

	evening := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	e.now = func() time.Time { return evening }
	e.sessionStart = evening
	assert.Equal(t, 2.0, e.offHoursMultiplierLocked(evening))

	deadOfNight := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, 3.0, e.offHoursMultiplierLocked(deadOfNight))

	daytime := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, 1.0, e.offHoursMultiplierLocked(daytime))
}

func TestEngine_SessionBreakAndResume(t *testing.T) {
	e, nowPtr := newTestEngine(testBehaviorConfig())

	assert.False(t, e.ShouldBreakNow())

	// Session elapses: next delay is a session break.
	*nowPtr = nowPtr.Add(46 * time.Minute)
	assert.True(t, e.ShouldBreakNow())

	d, class := e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1"})
	assert.Equal(t, DelaySessionBreak, class)
	assert.Equal(t, 15*time.Minute, d)

	// Mid-break calls wait out the remainder.
	*nowPtr = nowPtr.Add(5 * time.Minute)
	d, class = e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1"})
	assert.Equal(t, DelaySessionBreak, class)
	assert.Equal(t, 10*time.Minute, d)

	// Break elapses: a fresh session starts and the identity rotates
	// (rotation probability is pinned to 1).
	*nowPtr = nowPtr.Add(11 * time.Minute)
	assert.True(t, e.ShouldResumeNow())
	before := e.IdentityIndex()
	_, class = e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1"})
	assert.NotEqual(t, DelaySessionBreak, class)
	assert.Equal(t, (before+1)%3, e.IdentityIndex())
	assert.False(t, e.Snapshot().OnBreak)
}

func TestEngine_ShouldSkipProbabilities(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.SkipProbability = 0
	e, _ := newTestEngine(cfg)
	for i := 0; i < 100; i++ {
		assert.False(t, e.ShouldSkip())
	}

	cfg.SkipProbability = 1
	e, _ = newTestEngine(cfg)
	for i := 0; i < 100; i++ {
		assert.True(t, e.ShouldSkip())
	}
}

func TestEngine_HighVolumeMode(t *testing.T) {
	cfg := testBehaviorConfig()
	e, _ := newTestEngine(cfg)

	e.AdaptToQueueVolume(cfg.HighVolumeThreshold + 1)
	assert.True(t, e.Snapshot().HighVolume)

	d, class := e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1"})
	assert.Equal(t, DelayHighVolume, class)
	assert.GreaterOrEqual(t, d, cfg.HighVolumeDelay.Min)
	assert.LessOrEqual(t, d, cfg.HighVolumeDelay.Max)

	e.AdaptToQueueVolume(1)
	assert.False(t, e.Snapshot().HighVolume)
}

func TestEngine_TrackOrder(t *testing.T) {
	cfg := testBehaviorConfig()
	e, _ := newTestEngine(cfg)

	// Shuffling off: identity order.
	assert.Equal(t, []int{0, 1, 2, 3}, e.TrackOrder(4))

	cfg.ShuffleTracks = true
	e, _ = newTestEngine(cfg)
	order := e.TrackOrder(10)
	sorted := append([]int(nil), order...)
	sort.Ints(sorted)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sorted)
}

func reorderTask(id, artistID, albumID string, seq int) *models.DownloadTask {
	return &models.DownloadTask{
		ID:             id,
		Title:          id,
		ArtistName:     artistID,
		ArtistID:       artistID,
		AlbumID:        albumID,
		SequenceNumber: seq,
	}
}

func TestEngine_ReorderQueueIsPermutation(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.ShuffleArtists = true
	e, _ := newTestEngine(cfg)

	tasks := []*models.DownloadTask{
		reorderTask("t1", "a1", "alb1", 2),
		reorderTask("t2", "a2", "alb2", 1),
		reorderTask("t3", "a1", "alb1", 1),
		reorderTask("t4", "a3", "alb3", 1),
		reorderTask("t5", "a2", "alb2", 2),
	}

	out := e.ReorderQueue(tasks)
	require.Len(t, out, len(tasks))

	seen := make(map[string]int)
	for _, task := range out {
		seen[task.ID]++
	}
	for _, task := range tasks {
		assert.Equal(t, 1, seen[task.ID], "task %s lost or duplicated", task.ID)
	}
}

func TestEngine_ReorderQueueKeepsAlbumsContiguous(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.ShuffleArtists = true
	e, _ := newTestEngine(cfg)

	tasks := []*models.DownloadTask{
		reorderTask("t1", "a1", "alb1", 1),
		reorderTask("t2", "a2", "alb2", 1),
		reorderTask("t3", "a1", "alb1", 2),
		reorderTask("t4", "a2", "alb2", 2),
	}

	out := e.ReorderQueue(tasks)
	require.Len(t, out, 4)

	lastSeen := make(map[string]int)
	for i, task := range out {
		if prev, ok := lastSeen[task.AlbumID]; ok {
			assert.Equal(t, prev+1, i, "album %s split apart", task.AlbumID)
		}
		lastSeen[task.AlbumID] = i
	}
}

func TestEngine_ReorderQueueContinuesLastAlbum(t *testing.T) {
	e, _ := newTestEngine(testBehaviorConfig())

	// Establish listening history on alb2.
	e.ComputeDelay(Context{ArtistID: "a2", AlbumID: "alb2"})

	tasks := []*models.DownloadTask{
		reorderTask("t1", "a1", "alb1", 1),
		reorderTask("t2", "a2", "alb2", 1),
		reorderTask("t3", "a3", "alb3", 1),
	}

	out := e.ReorderQueue(tasks)
	assert.Equal(t, "alb2", out[0].AlbumID)
}

func TestEngine_ReorderQueueResumesAfterLastTrack(t *testing.T) {
	e, _ := newTestEngine(testBehaviorConfig())

	// Track 2 of alb1 was just served; the album continues from track 3
	// and wraps around to the earlier tracks.
	e.ComputeDelay(Context{ArtistID: "a1", AlbumID: "alb1", SequenceNumber: 2})

	tasks := []*models.DownloadTask{
		reorderTask("t1", "a1", "alb1", 1),
		reorderTask("t2", "a1", "alb1", 2),
		reorderTask("t3", "a1", "alb1", 3),
		reorderTask("t4", "a1", "alb1", 4),
	}

	out := e.ReorderQueue(tasks)
	require.Len(t, out, 4)
	assert.Equal(t, "t3", out[0].ID)
	assert.Equal(t, "t4", out[1].ID)
	assert.Equal(t, "t1", out[2].ID)
	assert.Equal(t, "t2", out[3].ID)
}

func TestEngine_ReorderQueueIdentityWhenDisabled(t *testing.T) {
	cfg := testBehaviorConfig()
	cfg.ReorderQueue = false
	e, _ := newTestEngine(cfg)

	tasks := []*models.DownloadTask{
		reorderTask("t1", "a1", "alb1", 1),
		reorderTask("t2", "a2", "alb2", 1),
	}
	out := e.ReorderQueue(tasks)
	assert.Equal(t, tasks, out)
}

func TestEngine_ReorderQueueSortsBySequence(t *testing.T) {
	e, _ := newTestEngine(testBehaviorConfig())

	tasks := []*models.DownloadTask{
		reorderTask("t3", "a1", "alb1", 3),
		reorderTask("t1", "a1", "alb1", 1),
		reorderTask("t2", "a1", "alb1", 2),
	}

	out := e.ReorderQueue(tasks)
	require.Len(t, out, 3)
	assert.Equal(t, "t1", out[0].ID)
	assert.Equal(t, "t2", out[1].ID)
	assert.Equal(t, "t3", out[2].ID)
}
