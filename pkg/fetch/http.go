package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Tamovina/esp-update/pkg/errors"
)

// HTTPFetcher fetches http and https URLs
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTP backend. A zero timeout means no timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch implements Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		slog.Error("http_fetch_failed", "url", rawURL, "error", err)
		return nil, errors.Wrap(err, "http request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("http_body_read_failed", "url", rawURL, "status", resp.StatusCode, "error", err)
		return nil, errors.Wrap(err, "failed to read response body")
	}

	slog.Debug("http_fetch_complete", "url", rawURL, "status", resp.StatusCode, "bytes", len(body))
	return &Response{URL: rawURL, StatusCode: resp.StatusCode, Body: body}, nil
}
