package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/newscast/forecaster/internal/metrics"
)

const (
	// DefaultBaseURL is the spreadsheet host serving CSV exports.
	DefaultBaseURL = "https://docs.google.com/spreadsheets"
	defaultTimeout = 30 * time.Second
	userAgent      = "Mozilla/5.0"
	maxAttempts    = 3
	maxBodyBytes   = 32 << 20
)

var (
	// ErrSourceUnavailable means the sheet could not be fetched: network
	// failure, timeout or a non-2xx status.
	ErrSourceUnavailable = errors.New("ratings source unavailable")

	// ErrMalformedBody means the response was not a readable CSV table.
	ErrMalformedBody = errors.New("malformed ratings body")

	// ErrNoRows means the sheet contained no usable dated rows.
	ErrNoRows = errors.New("no usable rating rows")
)

// StatusError carries a non-2xx HTTP status from the source.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ClientConfig configures the sheet client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSecond bounds outbound requests; zero means 1 per second.
	RatePerSecond float64
	// Backoff returns the wait before retry attempt n (n >= 1).
	Backoff func(attempt int) time.Duration
	// MaxBodyBytes caps the response size; zero means 32 MiB.
	MaxBodyBytes int64
}

// Client fetches ratings sheets as CSV. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    func(int) time.Duration
	maxBody    int64
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a rate-limited sheet client.
func NewClient(cfg ClientConfig, log *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxBodyBytes
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		backoff:    cfg.Backoff,
		maxBody:    cfg.MaxBodyBytes,
		log:        log,
		metrics:    m,
	}
}

// SheetURL returns the CSV export URL for a sheet tab.
func (c *Client) SheetURL(sheetID, gid string) string {
	return fmt.Sprintf("%s/d/%s/export?format=csv&gid=%s",
		c.baseURL, url.PathEscape(sheetID), url.QueryEscape(gid))
}

// Fetch downloads the sheet body. Transient failures (network errors, 429,
// 5xx) are retried with exponential backoff; every failure is wrapped in
// ErrSourceUnavailable except an oversized body, which is ErrMalformedBody.
func (c *Client) Fetch(ctx context.Context, sheetID, gid string) ([]byte, error) {
	if sheetID == "" {
		return nil, fmt.Errorf("%w: sheet id is empty", ErrSourceUnavailable)
	}

	start := time.Now()
	defer func() { c.metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	u := c.SheetURL(sheetID, gid)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			c.metrics.FetchRetries.Inc()
			c.log.Info("retrying sheet fetch",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", wait),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}

		body, err := c.doRequest(ctx, u)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrMalformedBody) {
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			break
		}
		c.log.Warn("sheet fetch failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, lastErr)
}

func (c *Client) doRequest(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(body)) > c.maxBody && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedBody, c.maxBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}
	return body, nil
}
