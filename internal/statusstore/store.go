package statusstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	ErrLockTimeout = errors.New("statusstore: timed out waiting for file lock")
)

// trailingCommaRe strips trailing commas before a closing brace or
// bracket so documents edited by hand still parse.
var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// Store reads and writes named JSON documents in a single directory.
// Locking is per normalized filename, so concurrent writers to
// different documents never block each other; writers to the same
// document are serialized with a timeout.
type Store struct {
	dir          string
	lockTimeout  time.Duration
	writeRetries int
	retryBackoff time.Duration

	mu    sync.Mutex
	locks map[string]*fileLock
}

// fileLock is a one-slot semaphore with a reference count so idle
// entries can be evicted from the lock map.
type fileLock struct {
	slot chan struct{}
	refs int
}

func New(dir string, lockTimeout time.Duration, writeRetries int, retryBackoff time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	if writeRetries < 0 {
		writeRetries = 0
	}
	return &Store{
		dir:          dir,
		lockTimeout:  lockTimeout,
		writeRetries: writeRetries,
		retryBackoff: retryBackoff,
		locks:        make(map[string]*fileLock),
	}
}

func (s *Store) path(name string) string {
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return filepath.Join(s.dir, filepath.Base(name))
}

// acquire takes the per-file lock, or fails after the lock timeout.
// The returned release func must be called exactly once.
func (s *Store) acquire(name string) (func(), error) {
	key := s.path(name)

	s.mu.Lock()
	fl, ok := s.locks[key]
	if !ok {
		fl = &fileLock{slot: make(chan struct{}, 1)}
		s.locks[key] = fl
	}
	fl.refs++
	s.mu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case fl.slot <- struct{}{}:
		return func() {
			<-fl.slot
			s.mu.Lock()
			fl.refs--
			if fl.refs == 0 {
				delete(s.locks, key)
			}
			s.mu.Unlock()
		}, nil
	case <-timer.C:
		s.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, name)
	}
}

// Write serializes v and persists it under name, retrying transient
// I/O failures and recreating the directory if it disappeared mid-run.
// The file is written to a temp path and renamed into place.
func (s *Store) Write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statusstore: marshal %s: %w", name, err)
	}

	release, err := s.acquire(name)
	if err != nil {
		return err
	}
	defer release()

	target := s.path(name)
	var lastErr error
	for attempt := 0; attempt <= s.writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryBackoff << (attempt - 1))
		}
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			lastErr = err
			continue
		}
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			lastErr = err
			continue
		}
		if err := os.Rename(tmp, target); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("statusstore: write %s: %w", name, lastErr)
}

// Read loads the named document into out. It returns false when the
// document does not exist, and also when it is corrupt: a corrupt file
// is renamed aside with a timestamp suffix so the next write starts
// clean, and the process keeps running.
func (s *Store) Read(name string, out any) (bool, error) {
	release, err := s.acquire(name)
	if err != nil {
		return false, err
	}
	defer release()

	target := s.path(name)
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("statusstore: read %s: %w", name, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		// Tolerate trailing commas before giving up on the document.
		cleaned := trailingCommaRe.ReplaceAll(data, []byte("$1"))
		if err2 := json.Unmarshal(cleaned, out); err2 == nil {
			return true, nil
		}
		backup := fmt.Sprintf("%s.corrupt-%s", target, time.Now().UTC().Format("20060102T150405"))
		if renameErr := os.Rename(target, backup); renameErr != nil {
			log.Printf("statusstore: failed to back up corrupt document %s: %v", name, renameErr)
		} else {
			log.Printf("statusstore: backed up corrupt document %s to %s", name, backup)
		}
		return false, nil
	}
	return true, nil
}

// Exists reports whether the named document is present on disk.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Delete removes the named document. Missing documents are not an error.
func (s *Store) Delete(name string) error {
	release, err := s.acquire(name)
	if err != nil {
		return err
	}
	defer release()

	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statusstore: delete %s: %w", name, err)
	}
	return nil
}

// List returns document names (without extension) matching the glob
// pattern, e.g. "artist_*".
func (s *Store) List(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, pattern+".json"))
	if err != nil {
		return nil, fmt.Errorf("statusstore: list %s: %w", pattern, err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	return names, nil
}

// CleanupTransientFiles removes leftover temp files and write probes.
func (s *Store) CleanupTransientFiles() {
	for _, pattern := range []string{"*.tmp", ".write-probe*"} {
		matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				log.Printf("statusstore: failed to remove transient file %s: %v", m, err)
			}
		}
	}
}
