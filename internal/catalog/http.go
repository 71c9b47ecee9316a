package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// userAgents is the pool of connection identities rotated by the
// behavior engine. The index is supplied per request.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// IdentityProvider supplies the current connection identity index.
type IdentityProvider interface {
	IdentityIndex() int
}

// HTTPClient talks to the streaming catalog's REST API. Tracks arrive
// fully tagged, so ApplyMetadata only aligns file timestamps with the
// release date.
type HTTPClient struct {
	base     *url.URL
	token    string
	identity IdentityProvider
	http     *http.Client
}

func NewHTTPClient(baseURL, token string, identity IdentityProvider) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog URL %q: %w", baseURL, err)
	}
	return &HTTPClient{
		base:     u,
		token:    token,
		identity: identity,
		http:     &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

type albumDTO struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	ArtistID    string     `json:"artist_id"`
	ArtistName  string     `json:"artist_name"`
	Explicit    bool       `json:"explicit"`
	ReleaseDate time.Time  `json:"release_date"`
	Tracks      []trackDTO `json:"tracks"`
}

type trackDTO struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Number     int    `json:"track_number"`
	DurationMS int64  `json:"duration_ms"`
}

func (c *HTTPClient) GetAlbum(ctx context.Context, albumID string) (*Album, error) {
	var dto albumDTO
	if err := c.getJSON(ctx, "/v1/albums/"+url.PathEscape(albumID), &dto); err != nil {
		return nil, err
	}
	return dto.toAlbum(), nil
}

// GetArtistAlbums lists an artist's albums without track details. Used
// by the watchlist monitor, not by the download queue.
func (c *HTTPClient) GetArtistAlbums(ctx context.Context, artistID string) ([]Album, error) {
	var dtos []albumDTO
	if err := c.getJSON(ctx, "/v1/artists/"+url.PathEscape(artistID)+"/albums", &dtos); err != nil {
		return nil, err
	}
	albums := make([]Album, len(dtos))
	for i, d := range dtos {
		albums[i] = *d.toAlbum()
	}
	return albums, nil
}

func (c *HTTPClient) GetAlbumTracks(ctx context.Context, albumID string) ([]Track, error) {
	var dtos []trackDTO
	if err := c.getJSON(ctx, "/v1/albums/"+url.PathEscape(albumID)+"/tracks", &dtos); err != nil {
		return nil, err
	}
	tracks := make([]Track, len(dtos))
	for i, d := range dtos {
		tracks[i] = d.toTrack()
	}
	return tracks, nil
}

func (c *HTTPClient) DownloadTrack(ctx context.Context, trackID, quality string) ([]byte, error) {
	endpoint := "/v1/tracks/" + url.PathEscape(trackID) + "/download"
	if quality != "" {
		endpoint += "?quality=" + url.QueryEscape(quality)
	}

	resp, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read track %s: %w", trackID, err)
	}
	return data, nil
}

func (c *HTTPClient) ApplyMetadata(_ context.Context, path string, album *Album, _ Track) error {
	if album.ReleaseDate.IsZero() {
		return nil
	}
	return os.Chtimes(path, time.Now(), album.ReleaseDate)
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.do(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, endpoint string) (*http.Response, error) {
	u := *c.base
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	target := u.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", c.userAgent())

	return c.http.Do(req)
}

func (c *HTTPClient) userAgent() string {
	idx := 0
	if c.identity != nil {
		idx = c.identity.IdentityIndex()
	}
	return userAgents[idx%len(userAgents)]
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL.Path)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("catalog: unexpected status %d for %s", resp.StatusCode, resp.Request.URL.Path)
	}
}

func (d albumDTO) toAlbum() *Album {
	a := &Album{
		ID:          d.ID,
		Title:       d.Title,
		ArtistID:    d.ArtistID,
		ArtistName:  d.ArtistName,
		Explicit:    d.Explicit,
		ReleaseDate: d.ReleaseDate,
	}
	for _, t := range d.Tracks {
		a.Tracks = append(a.Tracks, t.toTrack())
	}
	return a
}

func (d trackDTO) toTrack() Track {
	return Track{
		ID:       d.ID,
		Title:    d.Title,
		Number:   d.Number,
		Duration: time.Duration(d.DurationMS) * time.Millisecond,
	}
}
