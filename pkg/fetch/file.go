package fetch

import (
	"context"
	"net/http"
	"net/url"
	"os"

	"github.com/Tamovina/esp-update/pkg/errors"
)

// FileFetcher reads file URLs and bare paths. Missing files are reported
// as a 404 response so they surface like any other failed download.
type FileFetcher struct{}

// Fetch implements Fetcher
func (f *FileFetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" {
		path = u.Path
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Response{URL: rawURL, StatusCode: http.StatusNotFound}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return &Response{URL: rawURL, StatusCode: http.StatusOK, Body: data}, nil
}
