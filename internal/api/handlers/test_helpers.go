package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/harmonyhoard/conductor/internal/behavior"
	"github.com/harmonyhoard/conductor/internal/breaker"
	"github.com/harmonyhoard/conductor/internal/catalog"
	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/queue"
	"github.com/harmonyhoard/conductor/internal/statusstore"
)

// stubCatalog serves a fixed set of albums, each with two tracks.
type stubCatalog struct {
	albums map[string]*catalog.Album
}

func newStubCatalog(albumIDs ...string) *stubCatalog {
	s := &stubCatalog{albums: make(map[string]*catalog.Album)}
	for _, id := range albumIDs {
		s.albums[id] = &catalog.Album{
			ID:         id,
			Title:      "Album " + id,
			ArtistID:   "artist-1",
			ArtistName: "Test Artist",
			Tracks: []catalog.Track{
				{ID: id + "-tr1", Title: "Track 1", Number: 1},
				{ID: id + "-tr2", Title: "Track 2", Number: 2},
			},
		}
	}
	return s
}

func (s *stubCatalog) GetAlbum(_ context.Context, albumID string) (*catalog.Album, error) {
	album, ok := s.albums[albumID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return album, nil
}

func (s *stubCatalog) GetAlbumTracks(ctx context.Context, albumID string) ([]catalog.Track, error) {
	album, err := s.GetAlbum(ctx, albumID)
	if err != nil {
		return nil, err
	}
	return album.Tracks, nil
}

func (s *stubCatalog) DownloadTrack(_ context.Context, trackID, _ string) ([]byte, error) {
	return []byte("audio:" + trackID), nil
}

func (s *stubCatalog) ApplyMetadata(context.Context, string, *catalog.Album, catalog.Track) error {
	return nil
}

type testDeps struct {
	queue   *queue.Queue
	breaker *breaker.CircuitBreaker
	engine  *behavior.Engine
	store   *statusstore.Store
	config  *config.Config
}

// setupTestDeps builds a live queue over a stub catalog for handler tests.
func setupTestDeps(t *testing.T, albumIDs ...string) *testDeps {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Behavior.Enabled = false
	cfg.Queue.RetryBackoffBase = time.Millisecond
	cfg.Queue.RetryBackoffMax = 4 * time.Millisecond
	cfg.JWTSecret = "test-secret"
	cfg.AdminUsername = "admin"

	hash, err := bcrypt.GenerateFromPassword([]byte("swordfish"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.AdminPasswordHash = string(hash)

	store := statusstore.New(t.TempDir(), time.Second, 1, time.Millisecond)
	cb := breaker.New("test", cfg.Breaker)
	engine := behavior.New(cfg.Behavior)

	q := queue.New(queue.Options{
		Config:      cfg.Queue,
		Catalog:     newStubCatalog(albumIDs...),
		FileSystem:  catalog.NewOSFileSystem(),
		Behavior:    engine,
		Breaker:     cb,
		Store:       store,
		DownloadDir: t.TempDir(),
	})
	q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})

	return &testDeps{queue: q, breaker: cb, engine: engine, store: store, config: cfg}
}

func enqueueBody(albumID string) map[string]interface{} {
	return map[string]interface{}{
		"album_id":    albumID,
		"title":       "Album " + albumID,
		"artist_name": "Test Artist",
	}
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func newAuthedRequest(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func serve(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
