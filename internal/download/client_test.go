package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BadgerOps/redist/internal/safety"
)

// newTestClient creates a client with zero-delay backoff for fast tests.
func newTestClient(opts Options) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(opts, logger)
	c.backoffFunc = func(attempt int) time.Duration { return 0 }
	return c
}

// TestNewClient verifies defaults are applied
func TestNewClient(t *testing.T) {
	client := newTestClient(Options{})

	if client.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if client.userAgent != "redist/1.0" {
		t.Errorf("expected default userAgent, got %s", client.userAgent)
	}
	if client.retryCount != 3 {
		t.Errorf("expected 3 retries by default, got %d", client.retryCount)
	}
}

// TestFetchFile serves an archive and verifies it lands at DestPath
func TestFetchFile(t *testing.T) {
	testContent := []byte("cuda_cccl-linux-x86_64-12.0.90-archive.tar.xz bytes")

	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(testContent)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "archive.tar.xz")
	client := newTestClient(Options{UserAgent: "redist-test"})

	result, err := client.Fetch(context.Background(), FetchOptions{
		URL:      server.URL + "/archive.tar.xz",
		DestPath: destPath,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	content, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(content) != string(testContent) {
		t.Errorf("content mismatch: got %q", content)
	}
	if result.Size != int64(len(testContent)) || result.Path != destPath || result.Attempts != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if gotAgent != "redist-test" {
		t.Errorf("User-Agent = %q", gotAgent)
	}
	if _, err := os.Stat(destPath + ".part"); !os.IsNotExist(err) {
		t.Errorf("expected staging file to be gone, stat err = %v", err)
	}
}

// TestFetchNotFound verifies a 404 fails once, without retries or leftovers
func TestFetchNotFound(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("File not found"))
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "missing.tar.xz")
	client := newTestClient(Options{})

	result, err := client.Fetch(context.Background(), FetchOptions{URL: server.URL, DestPath: destPath})
	if err == nil {
		t.Fatal("expected error for 404 status")
	}
	if result != nil {
		t.Fatal("expected result to be nil on error")
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected HTTPError 404, got %v", err)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("expected 1 request, got %d", got)
	}
	for _, p := range []string{destPath, destPath + ".part"} {
		if _, err := os.Stat(p); err == nil {
			t.Errorf("expected %s to be absent", p)
		}
	}
}

// TestFetchRetry fails the first requests with 503 and then succeeds
func TestFetchRetry(t *testing.T) {
	testContent := []byte("Content after retries")
	var requests int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(testContent)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "retry.zip")
	client := newTestClient(Options{RetryCount: 5})

	result, err := client.Fetch(context.Background(), FetchOptions{URL: server.URL, DestPath: destPath})
	if err != nil {
		t.Fatalf("expected no error after retries, got %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

// TestFetchRetryExhausted keeps failing with 500
func TestFetchRetryExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(Options{RetryCount: 2})
	_, err := client.Fetch(context.Background(), FetchOptions{
		URL:      server.URL,
		DestPath: filepath.Join(t.TempDir(), "x.tar.gz"),
	})
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("expected exhausted retries error, got %v", err)
	}
}

// TestFetchContextCancellation cancels a slow body mid-transfer
func TestFetchContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 50; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
				_, _ = w.Write([]byte("chunk"))
				w.(http.Flusher).Flush()
			}
		}
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "cancel.tar.xz")
	client := newTestClient(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := client.Fetch(ctx, FetchOptions{URL: server.URL, DestPath: destPath})
	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if result != nil {
		t.Fatal("expected result to be nil on cancellation")
	}
	if _, err := os.Stat(destPath); err == nil {
		t.Fatal("cancelled download must not leave a finished-looking file")
	}
}

// TestFetchProgress verifies the progress callback sees the full length
func TestFetchProgress(t *testing.T) {
	testContent := []byte("Content for progress tracking")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(testContent)))
		_, _ = w.Write(testContent)
	}))
	defer server.Close()

	var lastDone, lastTotal int64
	client := newTestClient(Options{OnProgress: func(done, total int64) {
		lastDone, lastTotal = done, total
	}})

	if _, err := client.Fetch(context.Background(), FetchOptions{
		URL:      server.URL,
		DestPath: filepath.Join(t.TempDir(), "progress.bin"),
	}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if lastDone != int64(len(testContent)) || lastTotal != int64(len(testContent)) {
		t.Errorf("progress = %d/%d", lastDone, lastTotal)
	}
}

// TestFetchRejectsNonHTTP refuses local paths and other schemes
func TestFetchRejectsNonHTTP(t *testing.T) {
	client := newTestClient(Options{})
	if _, err := client.Fetch(context.Background(), FetchOptions{
		URL:      "/srv/mirror/archive.tar.xz",
		DestPath: filepath.Join(t.TempDir(), "archive.tar.xz"),
	}); err == nil {
		t.Fatal("expected error for non-HTTP URL")
	}
}

// TestGet reads a manifest body under a limit
func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"release_label": "12.0.0"}`))
	}))
	defer server.Close()

	client := newTestClient(Options{})
	data, err := client.Get(context.Background(), server.URL, 1024)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !strings.Contains(string(data), "12.0.0") {
		t.Errorf("unexpected body %q", data)
	}

	if _, err := client.Get(context.Background(), server.URL, 4); !errors.Is(err, safety.ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}
}

// TestHTTPError verifies HTTPError formatting
func TestHTTPError(t *testing.T) {
	httpErr := &HTTPError{
		StatusCode: 403,
		Status:     "Forbidden",
		Body:       "Access denied",
	}

	expectedMsg := "http error 403: Forbidden"
	if httpErr.Error() != expectedMsg {
		t.Errorf("expected error message %s, got %s", expectedMsg, httpErr.Error())
	}
}
