package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/models"
)

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:   5,
		FailureWindow:      time.Minute,
		BreakDuration:      time.Minute,
		HalfOpenMaxTrials:  1,
		HalfOpenSuccesses:  1,
		PendingBufferLimit: 3,
		ReplayBatchSize:    2,
		ReplayErrorLimit:   3,
	}
}

// fakeClock lets tests drive the breaker's timer transitions.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg config.BreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := New("test", cfg)
	cb.now = clock.Now
	return cb, clock
}

func testTask(id string) *models.DownloadTask {
	return &models.DownloadTask{
		ID:         id,
		Title:      "Echoes",
		ArtistName: "The Harbor Lights",
		AlbumID:    "alb-" + id,
		Status:     models.TaskStatusQueued,
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(testBreakerConfig())

	for i := 0; i < 4; i++ {
		tripped := cb.RecordFailure(errors.New("boom"))
		assert.False(t, tripped, "failure %d should not trip", i+1)
		assert.Equal(t, StateClosed, cb.State())
	}

	tripped := cb.RecordFailure(errors.New("boom"))
	assert.True(t, tripped)
	assert.Equal(t, StateOpen, cb.State())
	assert.True(t, cb.IsOpen())
}

func TestBreaker_FailuresOutsideWindowForgotten(t *testing.T) {
	cb, clock := newTestBreaker(testBreakerConfig())

	for i := 0; i < 4; i++ {
		cb.RecordFailure(errors.New("boom"))
	}
	clock.Advance(2 * time.Minute)

	// Old failures fell out of the window; this is failure #1, not #5.
	tripped := cb.RecordFailure(errors.New("boom"))
	assert.False(t, tripped)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.FailureCount())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(testBreakerConfig())

	for i := 0; i < 4; i++ {
		cb.RecordFailure(errors.New("boom"))
	}
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.FailureCount())

	tripped := cb.RecordFailure(errors.New("boom"))
	assert.False(t, tripped)
}

func TestBreaker_ExecuteFailsFastWhenOpen(t *testing.T) {
	cb, _ := newTestBreaker(testBreakerConfig())
	cb.Trip("manual")

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenAfterBreakDuration(t *testing.T) {
	cb, clock := newTestBreaker(testBreakerConfig())
	cb.Trip("manual")

	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(testBreakerConfig())
	cb.Trip("manual")
	clock.Advance(time.Minute)

	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(testBreakerConfig())
	cb.Trip("manual")
	clock.Advance(time.Minute)

	err := cb.Execute(context.Background(), func(context.Context) error {
		return errors.New("still broken")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	// The timer restarted: still open until another full break elapses.
	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(30 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestBreaker_HalfOpenAdmitsLimitedTrials(t *testing.T) {
	cb, clock := newTestBreaker(testBreakerConfig())
	cb.Trip("manual")
	clock.Advance(time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Second caller is rejected while the single trial is in flight.
	err := cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
}

func TestBreaker_CancellationNotCountedAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(testBreakerConfig())

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return context.Canceled
		})
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestBreaker_QueueForReplayCopiesTask(t *testing.T) {
	cb, _ := newTestBreaker(testBreakerConfig())
	task := testTask("a")

	require.NoError(t, cb.QueueForReplay(task, models.TaskSettings{Quality: "flac"}))
	task.Title = "mutated after deferral"

	cb.mu.Lock()
	got := cb.pending[0]
	cb.mu.Unlock()
	assert.Equal(t, "Echoes", got.Task.Title)
	assert.Equal(t, "flac", got.Settings.Quality)
}

func TestBreaker_PendingBufferLimit(t *testing.T) {
	cb, _ := newTestBreaker(testBreakerConfig())

	require.NoError(t, cb.QueueForReplay(testTask("a"), models.TaskSettings{}))
	require.NoError(t, cb.QueueForReplay(testTask("b"), models.TaskSettings{}))
	require.NoError(t, cb.QueueForReplay(testTask("c"), models.TaskSettings{}))

	err := cb.QueueForReplay(testTask("d"), models.TaskSettings{})
	assert.ErrorIs(t, err, ErrPendingBufferFull)
	assert.Equal(t, 3, cb.PendingCount())
}

func TestBreaker_ResetReplaysPendingInOrder(t *testing.T) {
	cb, _ := newTestBreaker(testBreakerConfig())

	var mu sync.Mutex
	var replayed []string
	done := make(chan struct{})
	cb.SetReplayHandler(func(_ context.Context, p PendingDownload) error {
		mu.Lock()
		replayed = append(replayed, p.Task.ID)
		n := len(replayed)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	cb.Trip("manual")
	require.NoError(t, cb.QueueForReplay(testTask("a"), models.TaskSettings{}))
	require.NoError(t, cb.QueueForReplay(testTask("b"), models.TaskSettings{}))
	require.NoError(t, cb.QueueForReplay(testTask("c"), models.TaskSettings{}))

	cb.Reset()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, replayed)
	assert.Equal(t, 0, cb.PendingCount())
}

func TestBreaker_ReplayErrorLimitRetrips(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.ReplayErrorLimit = 2
	cb, _ := newTestBreaker(cfg)

	cb.SetReplayHandler(func(context.Context, PendingDownload) error {
		return errors.New("still down")
	})

	cb.Trip("manual")
	require.NoError(t, cb.QueueForReplay(testTask("a"), models.TaskSettings{}))
	require.NoError(t, cb.QueueForReplay(testTask("b"), models.TaskSettings{}))
	require.NoError(t, cb.QueueForReplay(testTask("c"), models.TaskSettings{}))

	cb.mu.Lock()
	cb.state = StateClosed
	cb.mu.Unlock()
	cb.ProcessPendingDownloads(context.Background())

	assert.Equal(t, StateOpen, cb.State())
	// Failed items went back to the buffer instead of being lost.
	assert.Equal(t, 3, cb.PendingCount())
}

func TestBreaker_OpenUntil(t *testing.T) {
	cb, clock := newTestBreaker(testBreakerConfig())
	assert.Nil(t, cb.OpenUntil())

	cb.Trip("manual")
	until := cb.OpenUntil()
	require.NotNil(t, until)
	assert.Equal(t, clock.Now().Add(time.Minute), *until)
}
