// Package feed provides an HTTP client for the Radware live threat map feed.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/attack-radar/pkg/logging"
	"github.com/hervehildenbrand/attack-radar/pkg/metrics"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

const (
	// DefaultURL is the live threat map attacks endpoint.
	DefaultURL = "https://livethreatmap.radware.com/api/map/attacks"

	DefaultLimit   = 10
	DefaultTimeout = 30 * time.Second

	// Upstream bodies larger than this are rejected rather than buffered.
	maxBodySize = 16 << 20
)

// FetchError reports a failed attempt to reach the upstream feed.
// The caller decides whether to try again; the client never retries.
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config configures the feed client.
type Config struct {
	URL     string
	Limit   int
	Timeout time.Duration
}

// Client fetches attack batches on demand. It holds no state between calls
// beyond counters.
type Client struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger

	// Stats
	fetches  uint64
	failures uint64
	events   uint64
}

// NewClient creates a feed client. Zero config values fall back to defaults.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(cfg.Limit))
	u.RawQuery = q.Encode()

	return &Client{
		endpoint: u.String(),
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      logging.Component("feed"),
	}, nil
}

// Endpoint returns the full URL requested on every fetch.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Fetch performs a single GET against the feed and parses the response.
// Any failure is returned as a *FetchError.
func (c *Client) Fetch(ctx context.Context) (models.AttackBatch, error) {
	atomic.AddUint64(&c.fetches, 1)
	start := time.Now()
	batch, err := c.fetch(ctx)
	metrics.FeedFetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		atomic.AddUint64(&c.failures, 1)
		metrics.FeedFetches.WithLabelValues("error").Inc()
		return nil, err
	}

	atomic.AddUint64(&c.events, uint64(len(batch)))
	metrics.FeedFetches.WithLabelValues("ok").Inc()
	metrics.EventsIngested.Add(float64(len(batch)))
	c.log.Debug().Int("events", len(batch)).Dur("took", time.Since(start)).Msg("Fetched batch")
	return batch, nil
}

func (c *Client) fetch(ctx context.Context) (models.AttackBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, &FetchError{URL: c.endpoint, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{URL: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &FetchError{URL: c.endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, &FetchError{URL: c.endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > maxBodySize {
		return nil, &FetchError{URL: c.endpoint, StatusCode: resp.StatusCode, Err: fmt.Errorf("body exceeds %d bytes", maxBodySize)}
	}

	batch, err := ParseBatch(body)
	if err != nil {
		return nil, &FetchError{URL: c.endpoint, StatusCode: resp.StatusCode, Err: err}
	}
	return batch, nil
}

// Stats returns client statistics.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"fetches":  atomic.LoadUint64(&c.fetches),
		"failures": atomic.LoadUint64(&c.failures),
		"events":   atomic.LoadUint64(&c.events),
	}
}
