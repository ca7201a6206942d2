package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Options describes one retrieval.
type Options struct {
	URL              string
	DestPath         string
	Header           http.Header
	Username         string // basic auth, used when Password is set
	Password         string
	ExpectedChecksum string // SHA256 hex string, empty to skip validation
	ExpectedSize     int64  // 0 to skip size check
	RetryCount       int    // 0 defaults to 3
}

// Result describes a completed retrieval.
type Result struct {
	Path     string
	Size     int64
	SHA256   string
	Attempts int
	Duration time.Duration
}

// Client fetches repository content over HTTP with retries and validation.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	backoffFunc func(attempt int) time.Duration
}

// NewClient creates a new retrieval client with the given logger.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
			},
			// No overall Timeout: datastreams can be large.
		},
		logger:      logger,
		userAgent:   "repoexport/1.0",
		backoffFunc: calculateBackoffDelay,
	}
}

// Fetch retrieves opts.URL into opts.DestPath. Each attempt truncates the
// destination; a failed retrieval removes it.
func (c *Client) Fetch(ctx context.Context, opts Options) (*Result, error) {
	if opts.RetryCount == 0 {
		opts.RetryCount = 3
	}

	if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	startTime := time.Now()
	var lastErr error

	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		default:
		}

		result, err := c.fetchAttempt(ctx, opts)
		if err == nil {
			result.Attempts = attempt
			result.Duration = time.Since(startTime)
			return result, nil
		}

		lastErr = err
		_ = os.Remove(opts.DestPath)
		c.logger.Warn("fetch attempt failed", "url", opts.URL, "attempt", attempt, "error", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if shouldNotRetry(err) {
			return nil, err
		}

		if attempt < opts.RetryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying fetch", "url", opts.URL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch cancelled during retry: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("fetch failed after %d attempts: %w", opts.RetryCount, lastErr)
}

func (c *Client) fetchAttempt(ctx context.Context, opts Options) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if opts.Password != "" {
		req.SetBasicAuth(opts.Username, opts.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	file, err := os.OpenFile(opts.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, h), resp.Body)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write to file: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if opts.ExpectedChecksum != "" && sum != opts.ExpectedChecksum {
		return nil, fmt.Errorf("checksum mismatch: got %s, expected %s", sum, opts.ExpectedChecksum)
	}
	if opts.ExpectedSize > 0 && size != opts.ExpectedSize {
		return nil, fmt.Errorf("size mismatch: got %d bytes, expected %d", size, opts.ExpectedSize)
	}

	return &Result{Path: opts.DestPath, Size: size, SHA256: sum}, nil
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// 4xx other than 429 will not change on retry
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}
