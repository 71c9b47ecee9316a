package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/harmonyhoard/conductor/internal/catalog"
)

// The monitor is a cron-style companion to the conductor API: it walks
// a watchlist of artists, asks the catalog for their albums, and
// enqueues anything not yet seen. The conductor's own dedup and
// breaker handling take it from there.

// Watchlist is the operator-maintained list of artists to follow.
type Watchlist struct {
	Artists []WatchedArtist `json:"artists"`
}

type WatchedArtist struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Watch   bool   `json:"watch"`
	Quality string `json:"quality,omitempty"`
}

// SeenData records which albums have already been handed to the
// conductor, so repeated runs stay idempotent.
type SeenData struct {
	Artists   map[string][]string `json:"artists"`
	LastCheck string              `json:"last_check"`
}

func main() {
	_ = godotenv.Load()

	var (
		watchlistPath = flag.String("watchlist", "configs/watchlist.json", "Path to the artist watchlist")
		seenPath      = flag.String("seen", "data/seen.json", "Path to the seen-albums state file")
	)
	flag.Parse()

	watchlist, err := loadWatchlist(*watchlistPath)
	if err != nil {
		log.Fatal("Error loading watchlist: ", err)
	}

	seen := loadSeenData(*seenPath)

	catalogURL := os.Getenv("CATALOG_URL")
	if catalogURL == "" {
		log.Fatal("CATALOG_URL is required")
	}
	catalogClient, err := catalog.NewHTTPClient(catalogURL, os.Getenv("CATALOG_TOKEN"), nil)
	if err != nil {
		log.Fatal("Error initializing catalog client: ", err)
	}

	conductor, err := newConductorClient()
	if err != nil {
		log.Fatal("Error connecting to conductor: ", err)
	}

	ctx := context.Background()
	log.Printf("Checking %d watched artists for new albums...", len(watchlist.Artists))

	for _, artist := range watchlist.Artists {
		if !artist.Watch {
			continue
		}
		log.Printf("Checking %s (ID: %s)...", artist.Name, artist.ID)

		albums, err := catalogClient.GetArtistAlbums(ctx, artist.ID)
		if err != nil {
			log.Printf("Error listing albums for %s: %v", artist.Name, err)
			continue
		}

		var newAlbums []catalog.Album
		for _, album := range albums {
			if !isSeen(seen, artist.ID, album.ID) {
				newAlbums = append(newAlbums, album)
			}
		}

		if len(newAlbums) == 0 {
			log.Printf("No new albums for %s", artist.Name)
			continue
		}
		log.Printf("Found %d new albums for %s", len(newAlbums), artist.Name)

		for _, album := range newAlbums {
			if err := conductor.enqueue(album, artist.Quality); err != nil {
				log.Printf("Error enqueueing %q: %v", album.Title, err)
				continue
			}
			log.Printf("Enqueued: %s - %s", album.ArtistName, album.Title)
			markSeen(seen, artist.ID, album.ID)
		}
	}

	seen.LastCheck = time.Now().UTC().Format(time.RFC3339)
	if err := saveSeenData(*seenPath, seen); err != nil {
		log.Printf("Warning: failed to save seen data: %v", err)
	}
	log.Println("All checks complete")
}

func loadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var w Watchlist
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid watchlist %s: %w", path, err)
	}
	return &w, nil
}

func loadSeenData(path string) *SeenData {
	seen := &SeenData{Artists: make(map[string][]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		return seen
	}
	if err := json.Unmarshal(data, seen); err != nil {
		log.Printf("Warning: failed to parse %s, starting fresh: %v", path, err)
	}
	if seen.Artists == nil {
		seen.Artists = make(map[string][]string)
	}
	return seen
}

// saveSeenData writes atomically so a crash mid-save never corrupts the
// state file.
func saveSeenData(path string, seen *SeenData) error {
	data, err := json.MarshalIndent(seen, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "seen.json.tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func isSeen(seen *SeenData, artistID, albumID string) bool {
	for _, id := range seen.Artists[artistID] {
		if id == albumID {
			return true
		}
	}
	return false
}

func markSeen(seen *SeenData, artistID, albumID string) {
	seen.Artists[artistID] = append(seen.Artists[artistID], albumID)
}

type conductorClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newConductorClient() (*conductorClient, error) {
	baseURL := os.Getenv("CONDUCTOR_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	username := os.Getenv("CONDUCTOR_USERNAME")
	password := os.Getenv("CONDUCTOR_PASSWORD")
	if username == "" || password == "" {
		return nil, fmt.Errorf("CONDUCTOR_USERNAME and CONDUCTOR_PASSWORD must be set")
	}

	c := &conductorClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := c.http.Post(baseURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	c.token = login.Token
	return c, nil
}

func (c *conductorClient) enqueue(album catalog.Album, quality string) error {
	payload := map[string]interface{}{
		"album_id":     album.ID,
		"title":        album.Title,
		"artist_id":    album.ArtistID,
		"artist_name":  album.ArtistName,
		"album_name":   album.Title,
		"explicit":     album.Explicit,
		"release_date": album.ReleaseDate,
		"settings": map[string]interface{}{
			"quality":       quality,
			"skip_existing": true,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/downloads/queue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		// Already queued or downloading; safe to mark as seen.
		return nil
	default:
		return fmt.Errorf("conductor returned status %d", resp.StatusCode)
	}
}
