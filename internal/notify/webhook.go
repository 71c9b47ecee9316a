package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Event names the webhook event types delivered to the host application.
type Event string

const (
	EventDownloadCompleted Event = "download.completed"
	EventDownloadWarning   Event = "download.warning"
	EventDownloadFailed    Event = "download.failed"
	EventDownloadCancelled Event = "download.cancelled"
	EventBreakerOpened     Event = "breaker.opened"
)

// Payload is the JSON body posted to the webhook endpoint. When a
// secret is configured, Signature carries the hex HMAC-SHA256 of the
// payload marshalled with an empty signature field.
type Payload struct {
	Event     Event       `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

// Notifier posts signed event payloads to a single operator-configured
// endpoint. A nil Notifier is valid and delivers nothing.
type Notifier struct {
	url         string
	secret      string
	retries     int
	backoffBase time.Duration
	client      *http.Client
}

// New returns a Notifier for the given endpoint, or nil when no
// endpoint is configured.
func New(url, secret string) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:         url,
		secret:      secret,
		retries:     3,
		backoffBase: time.Second,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Notify delivers asynchronously; delivery failures are logged, never
// surfaced to the caller.
func (n *Notifier) Notify(event Event, data interface{}) {
	if n == nil {
		return
	}
	go func() {
		if err := n.Send(event, data); err != nil {
			log.Printf("notify: delivery failed for %s: %v", event, err)
		}
	}()
}

// Send delivers synchronously, retrying failed attempts with quadratic
// backoff.
func (n *Notifier) Send(event Event, data interface{}) error {
	if n == nil {
		return nil
	}

	payload := Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Source:    "conductor/v1",
		Data:      data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if n.secret != "" {
		payload.Signature = sign(n.secret, body)
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode signed payload: %w", err)
		}
	}

	deliveryID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt*attempt) * n.backoffBase)
		}
		lastErr = n.deliver(event, deliveryID, payload.Signature, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", n.retries, lastErr)
}

func (n *Notifier) deliver(event Event, deliveryID, signature string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "conductor-webhook/1.0")
	req.Header.Set("X-Webhook-Event", string(event))
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+signature)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
