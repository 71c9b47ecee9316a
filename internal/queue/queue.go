package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harmonyhoard/conductor/internal/behavior"
	"github.com/harmonyhoard/conductor/internal/breaker"
	"github.com/harmonyhoard/conductor/internal/catalog"
	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/database"
	"github.com/harmonyhoard/conductor/internal/metrics"
	"github.com/harmonyhoard/conductor/internal/models"
	"github.com/harmonyhoard/conductor/internal/notify"
	"github.com/harmonyhoard/conductor/internal/statusstore"
)

var (
	ErrDuplicateTask = errors.New("queue: duplicate task already queued for this title and artist")
	ErrTaskNotFound  = errors.New("queue: task not found")
)

// EnqueueRequest describes one album to download.
type EnqueueRequest struct {
	AlbumID        string               `json:"album_id"`
	Title          string               `json:"title"`
	ArtistID       string               `json:"artist_id"`
	ArtistName     string               `json:"artist_name"`
	AlbumName      string               `json:"album_name"`
	Explicit       bool                 `json:"explicit"`
	ReleaseDate    time.Time            `json:"release_date"`
	TotalTracks    int                  `json:"total_tracks"`
	SequenceNumber int                  `json:"sequence_number"`
	SequenceLength int                  `json:"sequence_length"`
	Priority       *models.TaskPriority `json:"priority,omitempty"`
	Settings       models.TaskSettings  `json:"settings"`
}

// Result is a task's terminal outcome.
type Result struct {
	Status models.TaskStatus
	Err    string
}

func eventForStatus(s models.TaskStatus) notify.Event {
	switch s {
	case models.TaskStatusCompleted:
		return notify.EventDownloadCompleted
	case models.TaskStatusWarning:
		return notify.EventDownloadWarning
	case models.TaskStatusCancelled:
		return notify.EventDownloadCancelled
	default:
		return notify.EventDownloadFailed
	}
}

// Options wires the queue's collaborators. History and Metrics are
// optional; everything else is required.
type Options struct {
	Config      config.QueueConfig
	Catalog     catalog.Client
	FileSystem  catalog.FileSystem
	Behavior    *behavior.Engine
	Breaker     *breaker.CircuitBreaker
	Store       *statusstore.Store
	History     *database.HistoryRepo
	Metrics     *metrics.Metrics
	Notifier    *notify.Notifier
	DownloadDir string
}

// Queue is the single authoritative download queue: it accepts
// requests, deduplicates, assigns priority, consults the behavior
// engine for release order and pacing, executes under circuit-breaker
// protection, and reports every outcome to the status store.
type Queue struct {
	cfg         config.QueueConfig
	catalog     catalog.Client
	fs          catalog.FileSystem
	behavior    *behavior.Engine
	breaker     *breaker.CircuitBreaker
	store       *statusstore.Store
	history     *database.HistoryRepo
	metrics     *metrics.Metrics
	notifier    *notify.Notifier
	downloadDir string

	mu       sync.Mutex
	tasks    map[string]*models.DownloadTask
	order    []string
	deferred map[string]bool
	active   map[string]context.CancelFunc
	agg      statusstore.AggregateStatus
	recent   statusstore.RecentActivity

	ioSem chan struct{}
	wake  chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

func New(opts Options) *Queue {
	q := &Queue{
		cfg:         opts.Config,
		catalog:     opts.Catalog,
		fs:          opts.FileSystem,
		behavior:    opts.Behavior,
		breaker:     opts.Breaker,
		store:       opts.Store,
		history:     opts.History,
		metrics:     opts.Metrics,
		notifier:    opts.Notifier,
		downloadDir: opts.DownloadDir,
		tasks:       make(map[string]*models.DownloadTask),
		deferred:    make(map[string]bool),
		active:      make(map[string]context.CancelFunc),
		ioSem:       make(chan struct{}, opts.Config.MaxConcurrentTrackFetches),
		wake:        make(chan struct{}, 1),
	}
	q.agg.SchemaVersion = statusstore.SchemaVersion
	q.agg.ArtistRollups = make(map[string]statusstore.ArtistRollup)

	q.breaker.SetReplayHandler(q.replayPending)
	q.breaker.SetStateChangeHook(func(s breaker.State) {
		if q.metrics != nil {
			q.metrics.BreakerState.Set(float64(s))
		}
		if s == breaker.StateOpen {
			q.notifier.Notify(notify.EventBreakerOpened, map[string]string{"state": s.String()})
		}
	})
	if q.metrics != nil {
		q.behavior.SetDelayHook(func(class behavior.DelayClass, d time.Duration) {
			q.metrics.DelaySeconds.WithLabelValues(string(class)).Observe(d.Seconds())
		})
	}
	return q
}

// Start loads persisted state, re-adopts interrupted tasks, and begins
// dispatching.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.runCtx, q.runCancel = context.WithCancel(context.Background())
	q.mu.Unlock()

	q.loadPersistedState()

	q.wg.Add(1)
	go q.dispatch()
	log.Printf("queue: started (max %d concurrent tasks, %d track fetches)",
		q.cfg.MaxConcurrentTasks, q.cfg.MaxConcurrentTrackFetches)
}

// Stop cancels in-flight work and waits for workers to exit, or for ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.runCancel()
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("queue: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: shutdown timed out: %w", ctx.Err())
	}
}

// Enqueue accepts a new download request. A request matching the
// case-insensitive (title, artist) of an existing non-terminal task is
// rejected. Priority, unless given, follows the new-release policy:
// anything released within the configured window is High, the backlog
// is Normal. While the circuit is open the task is accepted but
// diverted to the breaker's pending buffer instead of being scheduled.
func (q *Queue) Enqueue(req EnqueueRequest) (*models.DownloadTask, error) {
	if req.AlbumID == "" {
		return nil, fmt.Errorf("queue: album_id is required")
	}
	if req.Title == "" || req.ArtistName == "" {
		return nil, fmt.Errorf("queue: title and artist_name are required")
	}

	now := time.Now()
	task := &models.DownloadTask{
		ID:             uuid.NewString(),
		Title:          req.Title,
		ArtistName:     req.ArtistName,
		AlbumName:      req.AlbumName,
		Explicit:       req.Explicit,
		EnqueuedAt:     now,
		TotalTracks:    req.TotalTracks,
		Status:         models.TaskStatusQueued,
		ArtistID:       req.ArtistID,
		AlbumID:        req.AlbumID,
		SequenceNumber: req.SequenceNumber,
		SequenceLength: req.SequenceLength,
		ReleaseDate:    req.ReleaseDate,
		Settings:       req.Settings,
	}
	if task.AlbumName == "" {
		task.AlbumName = req.Title
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	} else if !req.ReleaseDate.IsZero() && now.Sub(req.ReleaseDate) <= q.cfg.NewReleaseWindow {
		task.Priority = models.PriorityHigh
	} else {
		task.Priority = models.PriorityNormal
	}

	divert := q.breaker.IsOpen()

	q.mu.Lock()
	key := task.DedupKey()
	for _, existing := range q.tasks {
		if !existing.Status.IsTerminal() && existing.DedupKey() == key {
			q.mu.Unlock()
			return nil, ErrDuplicateTask
		}
	}
	q.tasks[task.ID] = task
	q.order = append(q.order, task.ID)
	if divert {
		q.deferred[task.ID] = true
	}
	depth := q.depthLocked()
	q.mu.Unlock()

	if divert {
		if err := q.breaker.QueueForReplay(task, task.Settings); err != nil {
			q.mu.Lock()
			delete(q.tasks, task.ID)
			delete(q.deferred, task.ID)
			// Concurrent enqueues may have appended after this task, so
			// remove its entry by ID rather than truncating.
			kept := q.order[:0]
			for _, id := range q.order {
				if id != task.ID {
					kept = append(kept, id)
				}
			}
			q.order = kept
			q.mu.Unlock()
			return nil, err
		}
		if q.metrics != nil {
			q.metrics.TasksDeferred.Inc()
			q.metrics.PendingReplay.Set(float64(q.breaker.PendingCount()))
		}
		log.Printf("queue: circuit open, deferred %q by %s (%s)", task.Title, task.ArtistName, task.ID)
	}

	q.saveTask(task)
	if q.metrics != nil {
		q.metrics.TasksEnqueued.Inc()
		q.metrics.QueueDepth.Set(float64(depth))
	}
	q.behavior.AdaptToQueueVolume(depth)
	q.publishStatus()
	if !divert {
		q.signal()
	}
	return task.Clone(), nil
}

// ReportOutcome transitions a task into a terminal state, persists the
// final status, and feeds the result into the circuit breaker. Calls
// against already-terminal tasks are ignored: terminal tasks are
// immutable.
func (q *Queue) ReportOutcome(id string, res Result) error {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		q.mu.Unlock()
		return nil
	}
	now := time.Now()
	task.Status = res.Status
	task.CompletedAt = &now
	task.LastError = res.Err
	task.EstimatedRemaining = nil
	q.clearActiveLocked(id)
	q.rollupLocked(task)
	q.enforceRetentionLocked()
	depth := q.depthLocked()
	snapshot := task.Clone()
	q.mu.Unlock()

	switch res.Status {
	case models.TaskStatusCompleted:
		q.breaker.RecordSuccess()
	case models.TaskStatusFailed:
		q.breaker.RecordFailure(errors.New(res.Err))
	}

	q.saveTask(snapshot)
	q.pushActivity(snapshot, res.Err)
	q.notifier.Notify(eventForStatus(res.Status), snapshot)
	if q.metrics != nil {
		q.metrics.TasksFinished.WithLabelValues(string(res.Status)).Inc()
		q.metrics.QueueDepth.Set(float64(depth))
		q.metrics.ActiveTasks.Set(float64(q.activeCount()))
	}
	q.behavior.AdaptToQueueVolume(depth)
	q.publishStatus()
	q.signal()
	return nil
}

// Remove cancels a task (cooperatively if it is running) and optionally
// deletes any partially-downloaded artifacts.
func (q *Queue) Remove(id string, deleteLocalData bool) error {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}

	if cancel, running := q.active[id]; running {
		// The worker observes cancellation and reports the terminal
		// outcome itself.
		cancel()
		q.mu.Unlock()
	} else {
		cancelled := false
		if !task.Status.IsTerminal() {
			now := time.Now()
			task.Status = models.TaskStatusCancelled
			task.CompletedAt = &now
			cancelled = true
		}
		delete(q.deferred, id)
		snapshot := task.Clone()
		q.mu.Unlock()
		q.saveTask(snapshot)
		q.pushActivity(snapshot, "removed by host")
		if cancelled {
			q.notifier.Notify(notify.EventDownloadCancelled, snapshot)
		}
		q.publishStatus()
	}

	if deleteLocalData {
		if err := q.fs.RemoveArtifacts(q.taskDir(task)); err != nil {
			log.Printf("queue: failed to remove artifacts for %s: %v", id, err)
		}
	}
	return nil
}

// Pause holds a queued task back from dispatch.
func (q *Queue) Pause(id string) error {
	return q.transition(id, models.TaskStatusQueued, models.TaskStatusPaused)
}

// Resume returns a paused task to the queue.
func (q *Queue) Resume(id string) error {
	err := q.transition(id, models.TaskStatusPaused, models.TaskStatusQueued)
	if err == nil {
		q.signal()
	}
	return err
}

func (q *Queue) transition(id string, from, to models.TaskStatus) error {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status != from {
		q.mu.Unlock()
		return fmt.Errorf("queue: task %s is %s, not %s", id, task.Status, from)
	}
	task.Status = to
	snapshot := task.Clone()
	q.mu.Unlock()
	q.saveTask(snapshot)
	return nil
}

// GetSnapshot returns a read-only copy of every retained task, ordered
// by priority then enqueue order. It never blocks producers beyond the
// time needed to clone.
func (q *Queue) GetSnapshot() []*models.DownloadTask {
	q.mu.Lock()
	out := make([]*models.DownloadTask, 0, len(q.order))
	for _, id := range q.order {
		if task, ok := q.tasks[id]; ok {
			out = append(out, task.Clone())
		}
	}
	q.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// GetTask returns a copy of one task.
func (q *Queue) GetTask(id string) (*models.DownloadTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// Depth returns the number of tasks waiting to run.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	n := 0
	for id, t := range q.tasks {
		if t.Status == models.TaskStatusQueued && !q.deferred[id] {
			n++
		}
	}
	return n
}

func (q *Queue) activeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// dispatch releases eligible tasks until the queue stops. Woken by
// enqueues and completions; the ticker catches time-driven conditions
// (breaker reopening, behavior session transitions) with no event.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.startEligible()
	}
}

func (q *Queue) startEligible() {
	// Nothing is released while the circuit is open; queued work waits
	// and new work is deferred at enqueue time.
	if q.breaker.IsOpen() {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.active) < q.cfg.MaxConcurrentTasks {
		task := q.nextLocked()
		if task == nil {
			return
		}
		q.startTaskLocked(task)
	}
}

// nextLocked picks the next runnable task: highest priority band first
// (ties by enqueue order), with the behavior engine reordering within
// the band so priority is never violated by naturalistic ordering.
func (q *Queue) nextLocked() *models.DownloadTask {
	var runnable []*models.DownloadTask
	for _, id := range q.order {
		t, ok := q.tasks[id]
		if ok && t.Status == models.TaskStatusQueued && !q.deferred[id] {
			runnable = append(runnable, t)
		}
	}
	if len(runnable) == 0 {
		return nil
	}

	top := runnable[0].Priority
	for _, t := range runnable {
		if t.Priority > top {
			top = t.Priority
		}
	}
	var band []*models.DownloadTask
	for _, t := range runnable {
		if t.Priority == top {
			band = append(band, t)
		}
	}

	band = q.behavior.ReorderQueue(band)
	return band[0]
}

func (q *Queue) startTaskLocked(task *models.DownloadTask) {
	q.startPreparedLocked(task)
	tctx, cancel := context.WithCancel(q.runCtx)
	q.active[task.ID] = cancel
	if q.metrics != nil {
		q.metrics.ActiveTasks.Set(float64(len(q.active)))
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.runTask(tctx, task); err != nil {
			log.Printf("queue: task %s finished with error: %v", task.ID, err)
		}
	}()
}

func (q *Queue) clearActiveLocked(id string) {
	if cancel, ok := q.active[id]; ok {
		cancel()
		delete(q.active, id)
	}
}

// replayPending is the breaker's replay handler: it re-adopts a
// deferred task and executes it synchronously so the breaker can gate
// replay on the result.
func (q *Queue) replayPending(ctx context.Context, p breaker.PendingDownload) error {
	q.mu.Lock()
	task, ok := q.tasks[p.Task.ID]
	if !ok {
		// Restored from a buffer that outlived the in-memory task.
		task = p.Task
		task.Settings = p.Settings
		q.tasks[task.ID] = task
		q.order = append(q.order, task.ID)
	}
	delete(q.deferred, task.ID)
	if task.Status.IsTerminal() {
		q.mu.Unlock()
		return nil
	}
	q.startPreparedLocked(task)
	parent := q.runCtx
	if parent == nil {
		parent = ctx
	}
	tctx, cancel := context.WithCancel(parent)
	q.active[task.ID] = cancel
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.PendingReplay.Set(float64(q.breaker.PendingCount()))
	}

	q.wg.Add(1)
	defer q.wg.Done()
	return q.runTask(tctx, task)
}

func (q *Queue) startPreparedLocked(task *models.DownloadTask) {
	now := time.Now()
	task.Status = models.TaskStatusDownloading
	task.StartedAt = &now
	task.CompletedTracks = 0
	task.FailedTracks = nil
	task.Progress = 0
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// enforceRetentionLocked evicts the oldest terminal tasks beyond the
// retention cap so the in-memory snapshot stays bounded.
func (q *Queue) enforceRetentionLocked() {
	if q.cfg.RetainTerminal <= 0 {
		return
	}
	var terminal []string
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok && t.Status.IsTerminal() {
			terminal = append(terminal, id)
		}
	}
	excess := len(terminal) - q.cfg.RetainTerminal
	if excess <= 0 {
		return
	}
	evict := make(map[string]bool, excess)
	for _, id := range terminal[:excess] {
		evict[id] = true
		delete(q.tasks, id)
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if !evict[id] {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

// rollupLocked folds a finished task into the aggregate counters.
func (q *Queue) rollupLocked(task *models.DownloadTask) {
	switch task.Status {
	case models.TaskStatusCompleted, models.TaskStatusWarning:
		q.agg.TotalCompletedDownloads += task.CompletedTracks
		q.agg.TotalFailedDownloads += len(task.FailedTracks)
		if task.Status == models.TaskStatusCompleted {
			q.agg.CompletedAlbums++
		}
	case models.TaskStatusFailed:
		q.agg.TotalFailedDownloads += task.TotalTracks - task.CompletedTracks
		q.agg.FailedAlbums++
	default:
		return
	}

	key := task.ArtistID
	if key == "" {
		key = task.ArtistName
	}
	rollup := q.agg.ArtistRollups[key]
	rollup.ArtistName = task.ArtistName
	rollup.CompletedTracks += task.CompletedTracks
	rollup.FailedTracks += len(task.FailedTracks)
	if task.Status == models.TaskStatusCompleted {
		rollup.CompletedAlbums++
		rollup.LastCompletedAt = task.CompletedAt
	}
	q.agg.ArtistRollups[key] = rollup
}

// publishStatus writes the aggregate status document. Best effort: the
// status store already retries, and a persistent failure must not take
// the queue down.
func (q *Queue) publishStatus() {
	q.mu.Lock()
	agg := q.agg
	agg.SchemaVersion = statusstore.SchemaVersion
	agg.QueuedCount = q.depthLocked()
	agg.ActiveCount = len(q.active)
	agg.CircuitState = q.breaker.State().String()
	agg.RateLimitedUntil = q.breaker.OpenUntil()
	agg.UpdatedAt = time.Now()
	rollups := make(map[string]statusstore.ArtistRollup, len(q.agg.ArtistRollups))
	for k, v := range q.agg.ArtistRollups {
		rollups[k] = v
	}
	agg.ArtistRollups = rollups
	q.mu.Unlock()

	if err := q.store.Write(statusstore.DocAggregateStatus, agg); err != nil {
		log.Printf("queue: failed to publish status: %v", err)
	}
}

func (q *Queue) pushActivity(task *models.DownloadTask, detail string) {
	q.mu.Lock()
	q.recent.Push(statusstore.ActivityEntry{
		TaskID:     task.ID,
		Title:      task.Title,
		ArtistName: task.ArtistName,
		Status:     string(task.Status),
		Detail:     detail,
		At:         time.Now(),
	})
	recent := q.recent
	entries := make([]statusstore.ActivityEntry, len(q.recent.Entries))
	copy(entries, q.recent.Entries)
	recent.Entries = entries
	q.mu.Unlock()

	if err := q.store.Write(statusstore.DocRecentActivity, recent); err != nil {
		log.Printf("queue: failed to write recent activity: %v", err)
	}
}

func (q *Queue) saveTask(task *models.DownloadTask) {
	if q.history == nil {
		return
	}
	if err := q.history.SaveTask(task); err != nil {
		log.Printf("queue: failed to persist task %s: %v", task.ID, err)
	}
}

// loadPersistedState restores aggregate counters from the status store
// and re-adopts non-terminal tasks from the history database.
func (q *Queue) loadPersistedState() {
	var agg statusstore.AggregateStatus
	if found, err := q.store.Read(statusstore.DocAggregateStatus, &agg); err != nil {
		log.Printf("queue: failed to read aggregate status: %v", err)
	} else if found {
		q.mu.Lock()
		q.agg = agg
		if q.agg.ArtistRollups == nil {
			q.agg.ArtistRollups = make(map[string]statusstore.ArtistRollup)
		}
		q.mu.Unlock()
	}

	var recent statusstore.RecentActivity
	if found, err := q.store.Read(statusstore.DocRecentActivity, &recent); err == nil && found {
		q.mu.Lock()
		q.recent = recent
		q.mu.Unlock()
	}

	q.store.CleanupTransientFiles()

	if q.history == nil {
		return
	}
	resumable, err := q.history.LoadResumable()
	if err != nil {
		log.Printf("queue: failed to load resumable tasks: %v", err)
		return
	}
	if len(resumable) == 0 {
		return
	}
	q.mu.Lock()
	for _, t := range resumable {
		if _, exists := q.tasks[t.ID]; exists {
			continue
		}
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
	}
	depth := q.depthLocked()
	q.mu.Unlock()
	log.Printf("queue: re-adopted %d interrupted tasks", len(resumable))
	q.behavior.AdaptToQueueVolume(depth)
}
