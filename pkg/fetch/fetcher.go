// Package fetch retrieves manifests and firmware parts by URL. Backends
// are selected by URL scheme: http(s) over net/http, s3 through the
// storage package, file URLs and bare paths from the local filesystem.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Response is the outcome of a fetch that reached the remote end. A
// non-success status is not an error at this level; callers decide.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// OK reports whether the status is in the 2xx range
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher retrieves the resource at a URL
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, rawURL string) (*Response, error)

// Fetch calls f(ctx, rawURL)
func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	return f(ctx, rawURL)
}

// StatusError is returned when a fetch completes with a non-success status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Router dispatches fetches to a backend by URL scheme
type Router struct {
	backends map[string]Fetcher
}

// NewRouter creates a router. file URLs and bare paths are always served
// from the local filesystem unless overridden.
func NewRouter() *Router {
	file := &FileFetcher{}
	return &Router{
		backends: map[string]Fetcher{
			"":     file,
			"file": file,
		},
	}
}

// Handle registers a backend for a URL scheme
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.backends[strings.ToLower(scheme)] = f
	return r
}

// Fetch implements Fetcher
func (r *Router) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	backend, ok := r.backends[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("no fetch backend for scheme %q", u.Scheme)
	}
	return backend.Fetch(ctx, rawURL)
}
