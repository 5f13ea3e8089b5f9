// Package webhook posts signed job events to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SignatureHeader carries "sha256=<hex>" of the body when a secret is set.
const SignatureHeader = "X-Scrapeflow-Signature"

const attemptTimeout = 10 * time.Second

// DefaultRetryDelays is the wait before each delivery attempt.
var DefaultRetryDelays = []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string `json:"type"` // job.<status>
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Client delivers events to one endpoint. Close stops pending retries and
// waits for attempts already on the wire.
type Client struct {
	url    string
	secret string
	http   *http.Client
	delays []time.Duration

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithRetryDelays replaces DefaultRetryDelays. The first entry is the wait
// before the first attempt.
func WithRetryDelays(d ...time.Duration) Option {
	return func(c *Client) { c.delays = d }
}

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for url. An empty secret sends unsigned bodies.
func NewClient(url, secret string, opts ...Option) *Client {
	c := &Client{
		url:    url,
		secret: secret,
		http:   &http.Client{Timeout: attemptTimeout},
		delays: DefaultRetryDelays,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send performs a single delivery attempt.
func (c *Client) Send(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Scrapeflow-Webhook/1.0")
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Go delivers event in the background, retrying on failure until the
// delays run out or the client is closed.
func (c *Client) Go(event *Event) {
	select {
	case <-c.done:
		slog.Debug("webhook client closed, event dropped", "job_id", event.JobID, "event", event.Type)
		return
	default:
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		log := slog.With("url", c.url, "event", event.Type, "job_id", event.JobID)

		for attempt, delay := range c.delays {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-c.done:
					t.Stop()
					log.Warn("webhook retry abandoned on close", "attempt", attempt+1)
					return
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
			err := c.Send(ctx, event)
			cancel()
			if err == nil {
				log.Debug("webhook delivered", "attempt", attempt+1)
				return
			}
			log.Warn("webhook delivery failed", "attempt", attempt+1, "error", err)
		}
		log.Error("webhook delivery exhausted all retries")
	}()
}

// Close abandons queued retries and waits for in-flight attempts.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}
