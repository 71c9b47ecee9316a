// Package catalog defines the contracts the orchestrator consumes from
// the remote streaming catalog and the local file system, plus the
// REST-backed implementations used in production. Tests use fakes.
package catalog

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

var (
	// ErrNotFound means the remote resource does not exist. Never
	// retried.
	ErrNotFound = errors.New("catalog: resource not found")
	// ErrUnavailable means the remote service is degraded or rate
	// limiting. Retryable and counted against the circuit breaker.
	ErrUnavailable = errors.New("catalog: service unavailable")
)

type Track struct {
	ID       string
	Title    string
	Number   int
	Duration time.Duration
}

type Album struct {
	ID          string
	Title       string
	ArtistID    string
	ArtistName  string
	Explicit    bool
	ReleaseDate time.Time
	Tracks      []Track
}

// Client is the remote catalog surface the queue downloads from.
type Client interface {
	GetAlbum(ctx context.Context, albumID string) (*Album, error)
	GetAlbumTracks(ctx context.Context, albumID string) ([]Track, error)
	DownloadTrack(ctx context.Context, trackID, quality string) ([]byte, error)
	ApplyMetadata(ctx context.Context, path string, album *Album, track Track) error
}

// FileSystem is the local storage surface.
type FileSystem interface {
	EnsureDir(path string) error
	CanWrite(path string) error
	FileExists(path string) bool
	WriteFileAtomic(path string, data []byte) error
	RemoveArtifacts(path string) error
}

// IsTransient classifies an error as worth retrying: network timeouts,
// temporary failures, and the usual rate-limit and gateway responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"502",
		"503",
		"504",
		"429",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
