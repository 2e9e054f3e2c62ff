package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/Tamovina/esp-update/internal/config"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/Tamovina/esp-update/pkg/fetch"
	"github.com/Tamovina/esp-update/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(historyDBPath, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(historyDBPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM database directory (only needed for flash command)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// newFetcher routes http(s), s3 and local paths to their backends
func newFetcher(ctx context.Context, cfg *config.Config) (fetch.Fetcher, error) {
	httpFetcher := fetch.NewHTTPFetcher(cfg.HTTPTimeout)

	s3Client, err := storage.NewClient(ctx, storage.Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		Anonymous: cfg.S3Anonymous,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}

	return fetch.NewRouter().
		Handle("http", httpFetcher).
		Handle("https", httpFetcher).
		Handle("s3", s3Client), nil
}
