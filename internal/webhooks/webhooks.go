// Package webhooks posts ingest status changes to operator-configured URLs.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lherron/ingest/internal/domain"
)

const (
	defaultTimeout     = 500 * time.Millisecond
	defaultConcurrency = 4
)

// Payload is the webhook body for an ingest status change.
type Payload struct {
	IngestID string    `json:"ingest_id"`
	Status   string    `json:"status"`
	Previous string    `json:"previous"`
	At       time.Time `json:"at"`
}

// Notable reports whether a change to status is announced: an ingest
// waiting for review or one that stopped for good.
func Notable(status domain.IngestStatus) bool {
	return status == domain.IngestInReview || status.IsTerminal()
}

// Dispatcher sends payloads with bounded concurrency. Failures are only
// logged.
type Dispatcher struct {
	client      *http.Client
	concurrency int
	log         logrus.FieldLogger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New creates a dispatcher
func New(log logrus.FieldLogger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Dispatcher{
		client:      &http.Client{Timeout: defaultTimeout},
		concurrency: defaultConcurrency,
		log:         log,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch posts payload to every target of urls and waits for the
// requests to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, urls []string, payload Payload) {
	targets := Targets(urls, payload, d.log)
	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.log.WithError(err).Warn("webhooks: failed to encode payload")
		return
	}

	workers := d.concurrency
	if len(targets) < workers {
		workers = len(targets)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for endpoint := range jobs {
				d.send(ctx, endpoint, body)
			}
		}()
	}

	for _, endpoint := range targets {
		jobs <- endpoint
	}
	close(jobs)
	wg.Wait()
}

// Targets templates, normalizes and de-dupes webhook URLs. {ingest_id} and
// {status} are replaced from the payload.
func Targets(urls []string, payload Payload, log logrus.FieldLogger) []string {
	if len(urls) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(urls))
	var normalized []string

	for _, raw := range urls {
		templated := strings.TrimSpace(applyTemplate(strings.TrimSpace(raw), payload))
		templated = strings.TrimRight(templated, "/")
		if templated == "" {
			continue
		}
		if !isValidWebhookURL(templated) {
			if log != nil {
				log.WithField("url", templated).Warn("webhooks: skipping invalid url")
			}
			continue
		}
		if _, ok := seen[templated]; ok {
			continue
		}
		seen[templated] = struct{}{}
		normalized = append(normalized, templated)
	}

	return normalized
}

func applyTemplate(raw string, payload Payload) string {
	result := strings.ReplaceAll(raw, "{ingest_id}", payload.IngestID)
	result = strings.ReplaceAll(result, "{status}", payload.Status)
	return result
}

func isValidWebhookURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}

func (d *Dispatcher) send(ctx context.Context, endpoint string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		d.log.WithError(err).WithField("url", endpoint).Warn("webhooks: build request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.WithError(err).WithField("url", endpoint).Warn("webhooks: request failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.WithField("url", endpoint).WithField("status", resp.StatusCode).Warn("webhooks: unexpected response")
	}
}
