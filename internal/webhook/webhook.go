// Package webhook posts terminal-state notifications for sync jobs.
//
// Delivery is fire-and-forget: each notification runs on its own goroutine
// with a short timeout, failures are logged and dropped, and nothing ever
// blocks or fails the job that triggered it. No retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/model"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 5 * time.Second

// payload is the fixed wire shape.
type payload struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	Counts    model.Counters `json:"counts"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier implements engine.Notifier over HTTP POST.
type Notifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTimeout sets the per-delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithClient replaces the HTTP client, for tests.
func WithClient(c *http.Client) Option {
	return func(n *Notifier) {
		if c != nil {
			n.client = c
		}
	}
}

// WithLogger sets the logger; nil selects slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(n *Notifier) {
		if log != nil {
			n.log = log
		}
	}
}

// WithClock injects the time source, for deterministic payloads in tests.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New builds a Notifier posting to url.
func New(url string, opts ...Option) *Notifier {
	n := &Notifier{
		url:     url,
		timeout: DefaultTimeout,
		client:  http.DefaultClient,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// JobFinished implements engine.Notifier. It returns immediately; the POST
// happens on a background goroutine.
func (n *Notifier) JobFinished(job model.SyncJob) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.deliver(job); err != nil {
			n.log.Warn("webhook delivery failed",
				"job", job.ID, "status", job.Status, "url", n.url, "error", err)
		}
	}()
}

// Flush waits for in-flight deliveries, for orderly shutdown and tests.
func (n *Notifier) Flush() {
	n.wg.Wait()
}

func (n *Notifier) deliver(job model.SyncJob) error {
	body, err := json.Marshal(payload{
		JobID:     job.ID,
		Status:    job.Status,
		Counts:    job.Counters,
		Timestamp: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
