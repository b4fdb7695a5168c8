package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BadgerOps/redist/internal/safety"
)

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// Options configures a Client. Zero values take defaults.
type Options struct {
	UserAgent             string
	RetryCount            int
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	OnProgress            ProgressFunc
}

// FetchOptions describes a single archive download.
type FetchOptions struct {
	URL          string
	DestPath     string
	ExpectedSize int64 // progress total when the server sends no length
}

// FetchResult contains the result of a successful download.
type FetchResult struct {
	Path     string        // Path to the downloaded file
	Size     int64         // Final file size in bytes
	Attempts int           // Number of attempts made
	Duration time.Duration // Total download duration
}

// Client performs sequential HTTP downloads with retry logic.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	retryCount  int
	onProgress  ProgressFunc
	backoffFunc func(attempt int) time.Duration
}

// NewClient creates a new download client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "redist/1.0"
	}
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	return &Client{
		httpClient: &http.Client{
			Transport: safety.NewTransport(safety.TransportOptions{
				ConnectTimeout:        opts.ConnectTimeout,
				ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			}),
		},
		logger:      logger,
		userAgent:   opts.UserAgent,
		retryCount:  opts.RetryCount,
		onProgress:  opts.OnProgress,
		backoffFunc: calculateBackoffDelay,
	}
}

// Fetch downloads opts.URL to opts.DestPath. Bytes are staged in a
// ".part" file next to the destination and renamed into place only after
// the body was read completely, so an interrupted transfer never leaves a
// file that looks like a finished archive.
func (c *Client) Fetch(ctx context.Context, opts FetchOptions) (*FetchResult, error) {
	if _, err := safety.ValidateHTTPURL(opts.URL); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	startTime := time.Now()
	partPath := opts.DestPath + ".part"

	var size int64
	attempts, err := c.retry(ctx, opts.URL, func(attempt int) error {
		n, err := c.fetchAttempt(ctx, opts, partPath)
		size = n
		return err
	})
	if err != nil {
		_ = os.Remove(partPath)
		return nil, err
	}

	if err := os.Rename(partPath, opts.DestPath); err != nil {
		_ = os.Remove(partPath)
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}

	return &FetchResult{
		Path:     opts.DestPath,
		Size:     size,
		Attempts: attempts,
		Duration: time.Since(startTime),
	}, nil
}

// Get fetches rawURL into memory, reading at most limit bytes.
func (c *Client) Get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	if _, err := safety.ValidateHTTPURL(rawURL); err != nil {
		return nil, err
	}

	var data []byte
	_, err := c.retry(ctx, rawURL, func(attempt int) error {
		resp, err := c.do(ctx, rawURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err = safety.ReadAllWithLimit(resp.Body, limit)
		return err
	})
	return data, err
}

// retry runs fn up to retryCount times with exponential backoff, stopping
// early on cancellation and on errors that will not improve on retry.
func (c *Client) retry(ctx context.Context, rawURL string, fn func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("download cancelled: %w", ctx.Err())
		default:
		}

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		c.logger.Warn("download attempt failed", "url", rawURL, "attempt", attempt, "error", err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return attempt, err
		}
		if shouldNotRetry(err) {
			return attempt, err
		}

		if attempt < c.retryCount {
			delay := c.backoffFunc(attempt)
			c.logger.Debug("retrying download", "url", rawURL, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return attempt, fmt.Errorf("download cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return c.retryCount, fmt.Errorf("download failed after %d attempts: %w", c.retryCount, lastErr)
}

func (c *Client) do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		resp.Body.Close()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	return resp, nil
}

// fetchAttempt performs a single download attempt into partPath,
// truncating whatever an earlier attempt left behind.
func (c *Client) fetchAttempt(ctx context.Context, opts FetchOptions, partPath string) (int64, error) {
	resp, err := c.do(ctx, opts.URL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}

	totalSize := resp.ContentLength
	if totalSize < 0 {
		totalSize = opts.ExpectedSize
	}

	var reader io.Reader = resp.Body
	if c.onProgress != nil {
		reader = &progressReader{
			reader:   resp.Body,
			callback: c.onProgress,
			total:    totalSize,
		}
	}

	n, err := io.Copy(file, reader)
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write to file: %w", err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, fmt.Errorf("short body: got %d bytes, expected %d", n, resp.ContentLength)
	}
	return n, nil
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
		// 4xx will not change on retry, except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return errors.Is(err, safety.ErrBodyTooLarge)
}

// HTTPError represents a non-200 HTTP response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.callback(pr.current, pr.total)
	}
	return n, err
}
