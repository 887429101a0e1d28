package sourcesync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TransientFetchError is a network, status or stream failure worth retrying.
type TransientFetchError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// NewHTTPClient returns a client tuned for long streaming downloads. timeout
// bounds the whole response, body included; 0 disables it.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Open starts a GET and returns the body for streaming. The caller closes it.
//
// Errors:
//   - *TransientFetchError for transport failures, 429 and 5xx.
//   - a plain error for other non-2xx statuses.
func Open(ctx context.Context, client *http.Client, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: new request: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransientFetchError{URL: rawURL, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	// Discard the body so the connection can be reused.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	statusErr := fmt.Errorf("%s: %q", http.StatusText(resp.StatusCode), snippet)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientFetchError{URL: rawURL, Status: resp.StatusCode, Err: statusErr}
	}
	return nil, fmt.Errorf("fetch %s: http %d: %w", rawURL, resp.StatusCode, statusErr)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
