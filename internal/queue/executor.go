package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/harmonyhoard/conductor/internal/behavior"
	"github.com/harmonyhoard/conductor/internal/breaker"
	"github.com/harmonyhoard/conductor/internal/catalog"
	"github.com/harmonyhoard/conductor/internal/models"
)

type trackOutcome int

const (
	trackSuccess trackOutcome = iota
	trackFatal
	trackCancelled
	trackCircuitOpen
)

// runTask downloads one album track by track. A panic in any step is
// contained to this task: it is logged, the task fails, and the queue
// keeps running.
func (q *Queue) runTask(ctx context.Context, task *models.DownloadTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: panic in task %s: %v", task.ID, r)
			err = fmt.Errorf("queue: task %s panicked: %v", task.ID, r)
			q.ReportOutcome(task.ID, Result{
				Status: models.TaskStatusFailed,
				Err:    fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	album, err := q.fetchAlbum(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, breaker.ErrCircuitOpen):
			return q.parkForReplay(task)
		case ctx.Err() != nil:
			q.finishCancelled(task)
			return nil
		default:
			q.ReportOutcome(task.ID, Result{Status: models.TaskStatusFailed, Err: err.Error()})
			return err
		}
	}

	tracks := album.Tracks
	if len(tracks) == 0 {
		tracks, err = q.catalog.GetAlbumTracks(ctx, task.AlbumID)
		if err != nil {
			q.ReportOutcome(task.ID, Result{Status: models.TaskStatusFailed, Err: err.Error()})
			return err
		}
	}
	if len(tracks) == 0 {
		err = fmt.Errorf("album %s has no tracks", task.AlbumID)
		q.ReportOutcome(task.ID, Result{Status: models.TaskStatusFailed, Err: err.Error()})
		return err
	}

	q.mu.Lock()
	task.TotalTracks = len(tracks)
	q.mu.Unlock()

	dir := q.taskDir(task)
	if err := q.fs.EnsureDir(dir); err != nil {
		q.ReportOutcome(task.ID, Result{Status: models.TaskStatusFailed, Err: err.Error()})
		return err
	}
	// Storage problems are configuration errors: fail now, loudly,
	// before spending any catalog traffic.
	if err := q.fs.CanWrite(dir); err != nil {
		q.ReportOutcome(task.ID, Result{Status: models.TaskStatusFailed, Err: err.Error()})
		return err
	}

	order := q.behavior.TrackOrder(len(tracks))
	started := time.Now()
	var lastErr string

	for done, idx := range order {
		if ctx.Err() != nil {
			q.finishCancelled(task)
			return nil
		}

		track := tracks[idx]

		delay, _ := q.behavior.ComputeDelay(behavior.Context{
			ArtistID:       task.ArtistID,
			AlbumID:        task.AlbumID,
			SequenceNumber: track.Number,
		})
		if q.behavior.ShouldSkip() {
			// A skipped listen: the track still downloads, only the
			// pause in front of it shrinks.
			delay /= 4
		}
		if err := q.sleep(ctx, delay); err != nil {
			q.finishCancelled(task)
			return nil
		}

		outcome, terr := q.downloadTrack(ctx, task, album, track, dir)
		switch outcome {
		case trackSuccess:
			if q.metrics != nil {
				q.metrics.TracksDownloaded.Inc()
			}
		case trackFatal:
			lastErr = terr.Error()
			log.Printf("queue: track %d of %q failed permanently: %v", track.Number, task.Title, terr)
			if q.metrics != nil {
				q.metrics.TrackFailures.Inc()
			}
		case trackCancelled:
			q.finishCancelled(task)
			return nil
		case trackCircuitOpen:
			return q.parkForReplay(task)
		}

		q.recordTrackProgress(task, track.Number, outcome == trackSuccess, started, done+1, len(order))
	}

	return q.finishTask(task, lastErr)
}

// fetchAlbum resolves album metadata under circuit protection with the
// same retry policy as track downloads.
func (q *Queue) fetchAlbum(ctx context.Context, task *models.DownloadTask) (*catalog.Album, error) {
	var album *catalog.Album
	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxTrackRetries; attempt++ {
		if attempt > 0 {
			if err := q.sleep(ctx, q.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		err := q.breaker.Execute(ctx, func(c context.Context) error {
			a, aerr := q.catalog.GetAlbum(c, task.AlbumID)
			if aerr != nil {
				return aerr
			}
			album = a
			return nil
		})
		if err == nil {
			return album, nil
		}
		lastErr = err
		if errors.Is(err, breaker.ErrCircuitOpen) || ctx.Err() != nil || !catalog.IsTransient(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("album %s: retries exhausted: %w", task.AlbumID, lastErr)
}

// downloadTrack fetches one track with bounded retries and exponential
// backoff. Only the remote fetch runs under the circuit breaker; local
// write failures are storage problems, not catalog failures.
func (q *Queue) downloadTrack(ctx context.Context, task *models.DownloadTask, album *catalog.Album, track catalog.Track, dir string) (trackOutcome, error) {
	path := q.trackPath(dir, track)
	if task.Settings.SkipExisting && q.fs.FileExists(path) {
		return trackSuccess, nil
	}

	var lastErr error
	for attempt := 0; attempt <= q.cfg.MaxTrackRetries; attempt++ {
		if attempt > 0 {
			if q.metrics != nil {
				q.metrics.TrackRetries.Inc()
			}
			if err := q.sleep(ctx, q.backoff(attempt)); err != nil {
				return trackCancelled, err
			}
		}

		// Global fetch limiter across all concurrent tasks.
		select {
		case q.ioSem <- struct{}{}:
		case <-ctx.Done():
			return trackCancelled, ctx.Err()
		}

		var data []byte
		attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.TrackStallTimeout)
		err := q.breaker.Execute(attemptCtx, func(c context.Context) error {
			d, derr := q.catalog.DownloadTrack(c, track.ID, task.Settings.Quality)
			if derr != nil {
				return derr
			}
			data = d
			return nil
		})
		cancel()
		<-q.ioSem

		if err != nil {
			lastErr = err
			switch {
			case errors.Is(err, breaker.ErrCircuitOpen):
				return trackCircuitOpen, err
			case ctx.Err() != nil:
				return trackCancelled, ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
				// Stalled transfer: the attempt timer fired while the
				// parent is still live. Retry.
				continue
			case catalog.IsTransient(err):
				continue
			default:
				return trackFatal, err
			}
		}

		if werr := q.fs.WriteFileAtomic(path, data); werr != nil {
			lastErr = werr
			if catalog.IsTransient(werr) {
				continue
			}
			return trackFatal, werr
		}

		// Tag failures do not discard a successfully stored track.
		if merr := q.catalog.ApplyMetadata(ctx, path, album, track); merr != nil {
			log.Printf("queue: failed to tag %s: %v", path, merr)
		}
		return trackSuccess, nil
	}

	return trackFatal, fmt.Errorf("track %s: retries exhausted: %w", track.ID, lastErr)
}

// recordTrackProgress updates counters, the remaining-time estimate, and
// the published status after every track.
func (q *Queue) recordTrackProgress(task *models.DownloadTask, trackNumber int, ok bool, started time.Time, done, total int) {
	q.mu.Lock()
	if ok {
		task.CompletedTracks++
	} else {
		task.FailedTracks = append(task.FailedTracks, trackNumber)
	}
	task.Progress = float64(done) / float64(total)
	if remaining := total - done; remaining > 0 && done > 0 {
		est := time.Duration(float64(time.Since(started)) / float64(done) * float64(remaining))
		task.EstimatedRemaining = &est
	} else {
		task.EstimatedRemaining = nil
	}
	snapshot := task.Clone()
	q.mu.Unlock()

	q.saveTask(snapshot)
	q.publishStatus()
}

// finishTask reports the terminal status: Completed when every track
// landed, Failed when none did, Warning for anything in between.
func (q *Queue) finishTask(task *models.DownloadTask, lastErr string) error {
	q.mu.Lock()
	completed := task.CompletedTracks
	failed := len(task.FailedTracks)
	q.mu.Unlock()

	var res Result
	switch {
	case failed == 0:
		res = Result{Status: models.TaskStatusCompleted}
	case completed == 0:
		res = Result{Status: models.TaskStatusFailed, Err: lastErr}
	default:
		res = Result{
			Status: models.TaskStatusWarning,
			Err:    fmt.Sprintf("%d of %d tracks failed: %s", failed, completed+failed, lastErr),
		}
	}
	q.ReportOutcome(task.ID, res)
	if res.Status == models.TaskStatusFailed {
		return errors.New(res.Err)
	}
	return nil
}

// finishCancelled handles a cancelled context. A queue shutdown leaves
// the task queued so the next run re-adopts it; a removal marks it
// cancelled.
func (q *Queue) finishCancelled(task *models.DownloadTask) {
	q.mu.Lock()
	stopping := q.runCtx != nil && q.runCtx.Err() != nil
	if stopping {
		task.Status = models.TaskStatusQueued
		task.StartedAt = nil
		task.EstimatedRemaining = nil
		q.clearActiveLocked(task.ID)
		snapshot := task.Clone()
		q.mu.Unlock()
		q.saveTask(snapshot)
		return
	}
	q.mu.Unlock()
	q.ReportOutcome(task.ID, Result{Status: models.TaskStatusCancelled, Err: "cancelled"})
}

// parkForReplay returns a task interrupted by the circuit opening to
// the breaker's pending buffer. If the buffer is full the task fails
// instead of silently vanishing.
func (q *Queue) parkForReplay(task *models.DownloadTask) error {
	q.mu.Lock()
	task.Status = models.TaskStatusQueued
	task.StartedAt = nil
	task.EstimatedRemaining = nil
	q.clearActiveLocked(task.ID)
	q.deferred[task.ID] = true
	snapshot := task.Clone()
	q.mu.Unlock()

	if err := q.breaker.QueueForReplay(task, task.Settings); err != nil {
		q.mu.Lock()
		delete(q.deferred, task.ID)
		q.mu.Unlock()
		q.ReportOutcome(task.ID, Result{
			Status: models.TaskStatusFailed,
			Err:    "circuit open and pending buffer full",
		})
		return err
	}

	if q.metrics != nil {
		q.metrics.TasksDeferred.Inc()
		q.metrics.PendingReplay.Set(float64(q.breaker.PendingCount()))
		q.metrics.ActiveTasks.Set(float64(q.activeCount()))
	}
	log.Printf("queue: circuit opened mid-task, parked %q by %s for replay", task.Title, task.ArtistName)
	q.saveTask(snapshot)
	q.publishStatus()
	return breaker.ErrCircuitOpen
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryBackoffBase << (attempt - 1)
	if d > q.cfg.RetryBackoffMax || d <= 0 {
		d = q.cfg.RetryBackoffMax
	}
	return d
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) taskDir(task *models.DownloadTask) string {
	base := q.downloadDir
	if task.Settings.OutputDir != "" {
		base = task.Settings.OutputDir
	}
	return filepath.Join(base, sanitizePath(task.ArtistName), sanitizePath(task.AlbumName))
}

func (q *Queue) trackPath(dir string, track catalog.Track) string {
	name := fmt.Sprintf("%02d - %s.flac", track.Number, sanitizePath(track.Title))
	return filepath.Join(dir, name)
}

// sanitizePath strips characters that are unsafe in file names.
func sanitizePath(s string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "",
		"?", "",
		"\"", "",
		"<", "",
		">", "",
		"|", "",
	)
	out := strings.TrimSpace(replacer.Replace(s))
	if out == "" {
		return "unknown"
	}
	return out
}
