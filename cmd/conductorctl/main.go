package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// conductorctl is an operator utility for a running conductor instance.
// It authenticates with the same credentials as the web API and exposes
// the day-to-day controls: queue status, recent activity, and manual
// circuit breaker trips.

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		return
	}

	c, err := newClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "health":
		err = c.showHealth()
	case "status":
		err = c.showStatus()
	case "activity":
		err = c.showActivity()
	case "breaker":
		err = c.showBreaker()
	case "trip":
		reason := "manual trip via conductorctl"
		if len(os.Args) > 2 {
			reason = os.Args[2]
		}
		err = c.tripBreaker(reason)
	case "reset":
		err = c.resetBreaker()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		return
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("conductorctl - operator utility for a running conductor")
	fmt.Println("")
	fmt.Println("Usage: conductorctl <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  health    - Check the API is up")
	fmt.Println("  status    - Show aggregate download status")
	fmt.Println("  activity  - Show recent task activity")
	fmt.Println("  breaker   - Show circuit breaker state")
	fmt.Println("  trip [r]  - Manually trip the breaker (optional reason)")
	fmt.Println("  reset     - Close the breaker and replay deferred work")
	fmt.Println("")
	fmt.Println("Environment:")
	fmt.Println("  CONDUCTOR_URL       - API base URL (default http://localhost:8080)")
	fmt.Println("  CONDUCTOR_USERNAME  - login username")
	fmt.Println("  CONDUCTOR_PASSWORD  - login password")
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() (*client, error) {
	baseURL := os.Getenv("CONDUCTOR_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	c := &client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}

	username := os.Getenv("CONDUCTOR_USERNAME")
	password := os.Getenv("CONDUCTOR_PASSWORD")
	if username == "" || password == "" {
		return nil, fmt.Errorf("CONDUCTOR_USERNAME and CONDUCTOR_PASSWORD must be set")
	}
	if err := c.login(username, password); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) login(username, password string) error {
	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	resp, err := c.http.Post(c.baseURL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}

	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	c.token = login.Token
	return nil
}

func (c *client) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) post(path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) showHealth() error {
	var health struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}
	// Health is unauthenticated; reuse the plain GET anyway.
	if err := c.get("/health", &health); err != nil {
		return err
	}
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Uptime: %s\n", health.Uptime)
	return nil
}

func (c *client) showStatus() error {
	var status struct {
		TotalCompletedDownloads int    `json:"total_completed_downloads"`
		TotalFailedDownloads    int    `json:"total_failed_downloads"`
		CompletedAlbums         int    `json:"completed_albums"`
		FailedAlbums            int    `json:"failed_albums"`
		QueuedCount             int    `json:"queued_count"`
		ActiveCount             int    `json:"active_count"`
		CircuitState            string `json:"circuit_state"`
		UpdatedAt               string `json:"updated_at"`
	}
	if err := c.get("/api/v1/system/status", &status); err != nil {
		return err
	}

	fmt.Println("=== Aggregate Status ===")
	fmt.Printf("Queued:           %d\n", status.QueuedCount)
	fmt.Printf("Active:           %d\n", status.ActiveCount)
	fmt.Printf("Completed albums: %d\n", status.CompletedAlbums)
	fmt.Printf("Failed albums:    %d\n", status.FailedAlbums)
	fmt.Printf("Completed tracks: %d\n", status.TotalCompletedDownloads)
	fmt.Printf("Failed tracks:    %d\n", status.TotalFailedDownloads)
	fmt.Printf("Circuit state:    %s\n", status.CircuitState)
	fmt.Printf("Updated:          %s\n", status.UpdatedAt)
	return nil
}

func (c *client) showActivity() error {
	var recent struct {
		Entries []struct {
			TaskID     string `json:"task_id"`
			Title      string `json:"title"`
			ArtistName string `json:"artist_name"`
			Status     string `json:"status"`
			Detail     string `json:"detail"`
			At         string `json:"at"`
		} `json:"entries"`
	}
	if err := c.get("/api/v1/system/activity", &recent); err != nil {
		return err
	}

	if len(recent.Entries) == 0 {
		fmt.Println("No recent activity")
		return nil
	}

	fmt.Println("=== Recent Activity ===")
	for _, e := range recent.Entries {
		line := fmt.Sprintf("[%s] %-10s %s - %s", e.At, e.Status, e.ArtistName, e.Title)
		if e.Detail != "" {
			line += " (" + e.Detail + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func (c *client) showBreaker() error {
	var breaker struct {
		State        string  `json:"state"`
		FailureCount int     `json:"failure_count"`
		PendingCount int     `json:"pending_count"`
		OpenUntil    *string `json:"open_until"`
	}
	if err := c.get("/api/v1/system/breaker", &breaker); err != nil {
		return err
	}

	fmt.Println("=== Circuit Breaker ===")
	fmt.Printf("State:             %s\n", breaker.State)
	fmt.Printf("Recent failures:   %d\n", breaker.FailureCount)
	fmt.Printf("Pending downloads: %d\n", breaker.PendingCount)
	if breaker.OpenUntil != nil {
		fmt.Printf("Open until:        %s\n", *breaker.OpenUntil)
	}
	return nil
}

func (c *client) tripBreaker(reason string) error {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.post("/api/v1/system/breaker/trip", map[string]string{"reason": reason}, &resp); err != nil {
		return err
	}
	fmt.Printf("Breaker tripped (state: %s)\n", resp.State)
	return nil
}

func (c *client) resetBreaker() error {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.post("/api/v1/system/breaker/reset", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Breaker reset (state: %s)\n", resp.State)
	return nil
}
