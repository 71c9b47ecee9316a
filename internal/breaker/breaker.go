package breaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/models"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned by Execute without invoking the
	// operation while the circuit is open.
	ErrCircuitOpen = errors.New("breaker: circuit is open")
	// ErrPendingBufferFull is returned once the deferred-work buffer
	// reaches its configured limit.
	ErrPendingBufferFull = errors.New("breaker: pending buffer is full")
)

// PendingDownload is work accepted while the circuit was open. Task and
// Settings are copies taken at deferral time, so later mutation of the
// live task or config cannot change what gets replayed.
type PendingDownload struct {
	Task     *models.DownloadTask
	Settings models.TaskSettings
	QueuedAt time.Time
}

// ReplayFunc re-executes one deferred download after the circuit closes.
type ReplayFunc func(ctx context.Context, p PendingDownload) error

// CircuitBreaker is a closed/open/half-open failure-rate state machine.
// Every transition and counter mutation happens under one mutex.
// Open -> HalfOpen is time-driven but cooperative: it is applied on the
// next call that inspects state, not by a background timer.
type CircuitBreaker struct {
	name string
	cfg  config.BreakerConfig
	now  func() time.Time

	mu                sync.Mutex
	state             State
	failures          []time.Time
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int
	pending           []PendingDownload
	replaying         bool

	replay        ReplayFunc
	onStateChange func(State)
}

func New(name string, cfg config.BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// SetReplayHandler wires the function that re-executes deferred work.
// Must be set before the first Reset or half-open recovery.
func (cb *CircuitBreaker) SetReplayHandler(fn ReplayFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.replay = fn
}

// SetStateChangeHook registers a callback invoked (under the breaker
// lock) on every state transition. Used for metrics.
func (cb *CircuitBreaker) SetStateChangeHook(fn func(State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// State returns the current state, applying the open->half-open timer
// transition if the break duration has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tickLocked()
	return cb.state
}

// IsOpen reports whether protected operations would currently fail fast.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// Execute runs op under circuit protection. While open it fails fast
// with ErrCircuitOpen. In half-open, at most HalfOpenMaxTrials calls
// are admitted as trials. Success and failure are recorded as side
// effects; context cancellation is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	cb.mu.Lock()
	cb.tickLocked()
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.cfg.HalfOpenMaxTrials {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}
	wasTrial := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := op(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if wasTrial && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	switch {
	case err == nil:
		cb.recordSuccessLocked()
	case errors.Is(err, context.Canceled):
		// Cancellation is an outcome, not a dependency failure.
	default:
		cb.recordFailureLocked(err)
	}
	return err
}

// RecordFailure counts a failure observed outside Execute. Returns true
// if this failure tripped the circuit.
func (cb *CircuitBreaker) RecordFailure(err error) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tickLocked()
	return cb.recordFailureLocked(err)
}

// RecordSuccess counts a success observed outside Execute.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tickLocked()
	cb.recordSuccessLocked()
}

// Trip forces the circuit open and restarts the reopen timer.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.openLocked(reason)
}

// Reset forces the circuit closed and kicks off replay of the pending
// buffer.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	log.Printf("breaker %s: reset to closed, %d pending downloads", cb.name, len(cb.pending))
	cb.closeLocked()
}

// QueueForReplay defers a download until the circuit closes. The task
// is deep-copied along with its execution settings.
func (cb *CircuitBreaker) QueueForReplay(task *models.DownloadTask, settings models.TaskSettings) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.pending) >= cb.cfg.PendingBufferLimit {
		return ErrPendingBufferFull
	}
	cb.pending = append(cb.pending, PendingDownload{
		Task:     task.Clone(),
		Settings: settings,
		QueuedAt: cb.now(),
	})
	return nil
}

// PendingCount returns the number of deferred downloads.
func (cb *CircuitBreaker) PendingCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.pending)
}

// OpenUntil returns when the current break ends, or nil if not open.
func (cb *CircuitBreaker) OpenUntil() *time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return nil
	}
	until := cb.openedAt.Add(cb.cfg.BreakDuration)
	return &until
}

// FailureCount returns the number of failures inside the rolling window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked()
	return len(cb.failures)
}

// ProcessPendingDownloads drains the pending buffer in FIFO order, in
// batches of ReplayBatchSize. A replay failure re-enqueues the item at
// the back of the buffer; ReplayErrorLimit consecutive failures trip
// the circuit again instead of looping forever.
func (cb *CircuitBreaker) ProcessPendingDownloads(ctx context.Context) {
	cb.mu.Lock()
	if cb.replaying || cb.replay == nil {
		cb.mu.Unlock()
		return
	}
	cb.replaying = true
	cb.mu.Unlock()

	defer func() {
		cb.mu.Lock()
		cb.replaying = false
		cb.mu.Unlock()
	}()

	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}

		cb.mu.Lock()
		if cb.state != StateClosed || len(cb.pending) == 0 {
			cb.mu.Unlock()
			return
		}
		n := cb.cfg.ReplayBatchSize
		if n <= 0 || n > len(cb.pending) {
			n = len(cb.pending)
		}
		batch := make([]PendingDownload, n)
		copy(batch, cb.pending[:n])
		cb.pending = cb.pending[n:]
		cb.mu.Unlock()

		for _, p := range batch {
			if err := cb.replay(ctx, p); err != nil {
				consecutiveErrors++
				log.Printf("breaker %s: replay of %s failed (%d consecutive): %v",
					cb.name, p.Task.ID, consecutiveErrors, err)
				cb.mu.Lock()
				cb.pending = append(cb.pending, p)
				if consecutiveErrors >= cb.cfg.ReplayErrorLimit {
					cb.openLocked("replay error limit reached")
					cb.mu.Unlock()
					return
				}
				cb.mu.Unlock()
				continue
			}
			consecutiveErrors = 0
		}
	}
}

// tickLocked applies the open -> half-open timer transition.
func (cb *CircuitBreaker) tickLocked() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.BreakDuration {
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
		log.Printf("breaker %s: break elapsed, entering half-open", cb.name)
		cb.notifyLocked()
	}
}

func (cb *CircuitBreaker) recordFailureLocked(err error) bool {
	switch cb.state {
	case StateHalfOpen:
		// Trial failed: back to open, timer restarts.
		cb.openLocked("half-open trial failed: " + err.Error())
		return true
	case StateOpen:
		return false
	}

	cb.failures = append(cb.failures, cb.now())
	cb.pruneLocked()
	if len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.openLocked(err.Error())
		return true
	}
	return false
}

func (cb *CircuitBreaker) recordSuccessLocked() {
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.HalfOpenSuccesses {
			log.Printf("breaker %s: half-open trial succeeded, closing", cb.name)
			cb.closeLocked()
		}
	case StateClosed:
		cb.failures = cb.failures[:0]
	}
}

func (cb *CircuitBreaker) pruneLocked() {
	cutoff := cb.now().Add(-cb.cfg.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

func (cb *CircuitBreaker) openLocked(reason string) {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = cb.failures[:0]
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	log.Printf("breaker %s: tripped open: %s", cb.name, reason)
	cb.notifyLocked()
}

func (cb *CircuitBreaker) closeLocked() {
	cb.state = StateClosed
	cb.failures = cb.failures[:0]
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	cb.notifyLocked()
	if len(cb.pending) > 0 && cb.replay != nil {
		go cb.ProcessPendingDownloads(context.Background())
	}
}

func (cb *CircuitBreaker) notifyLocked() {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.state)
	}
}
