// Package notify delivers task results to webhook endpoints.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitpress/mediaprep/internal/task"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "mediaprep/1.0"
)

// ErrWebhookStatus is returned when the endpoint answers outside 2xx.
var ErrWebhookStatus = errors.New("webhook returned non-2xx status")

// Notifier posts completion payloads to webhook URLs. Delivery is a single
// attempt bounded by the client timeout; there is no retry.
type Notifier struct {
	client *http.Client
}

var _ task.Notifier = (*Notifier)(nil)

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient sets a custom HTTP client, mainly for testing.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) {
		n.client = client
	}
}

// WithTimeout sets the delivery timeout on the default client.
func WithTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		n.client.Timeout = timeout
	}
}

// NewNotifier creates a webhook notifier with a 30 second delivery timeout.
func NewNotifier(opts ...Option) *Notifier {
	n := &Notifier{
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// payload is the wire format of one delivered result.
type payload struct {
	TaskID      string        `json:"task_id"`
	Title       string        `json:"title,omitempty"`
	Status      string        `json:"status"`
	Items       []payloadItem `json:"items"`
	Dropped     []payloadDrop `json:"dropped,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

type payloadItem struct {
	ID    string `json:"id"`
	State string `json:"state"`
	URL   string `json:"url,omitempty"`
}

type payloadDrop struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func buildPayload(res *task.Result) payload {
	p := payload{
		TaskID:      res.TaskID,
		Title:       res.Title,
		Status:      string(res.Status),
		Items:       make([]payloadItem, 0, len(res.Items)),
		Error:       res.Error,
		CompletedAt: res.CompletedAt,
	}
	for _, item := range res.Items {
		p.Items = append(p.Items, payloadItem{
			ID:    item.ID,
			State: string(item.State),
			URL:   item.URL,
		})
	}
	for _, d := range res.Dropped {
		p.Dropped = append(p.Dropped, payloadDrop{ID: d.ItemID, Reason: d.Reason})
	}
	return p
}

// Notify POSTs the result to url as JSON. Any response outside 2xx is a
// delivery failure.
func (n *Notifier) Notify(ctx context.Context, url string, res *task.Result) error {
	body, err := json.Marshal(buildPayload(res))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}
	return nil
}
