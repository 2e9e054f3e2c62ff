package fetch

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/Tamovina/esp-update/pkg/manifest"
	"github.com/Tamovina/esp-update/pkg/security"
	"github.com/sourcegraph/conc/stream"
	"github.com/zeebo/blake3"
)

// DownloadError reports a firmware part that could not be downloaded.
// StatusCode is zero when the request never produced a response.
type DownloadError struct {
	Path       string
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("downloading firmware %s failed: %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("downloading firmware %s failed: %v", e.Path, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Image is a downloaded part ready to be written
type Image struct {
	Part   manifest.Part
	URL    string
	Data   []byte
	Digest string
}

// Firmware is the downloaded content of a build, in part order
type Firmware struct {
	Images     []Image
	BytesTotal int
}

// Digest is a blake3 digest over every image's offset and content
func (fw *Firmware) Digest() string {
	h := blake3.New()
	var off [4]byte
	for _, img := range fw.Images {
		binary.LittleEndian.PutUint32(off[:], img.Part.Offset)
		h.Write(off[:])
		h.Write(img.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FetchManifest fetches and parses the manifest at manifestURL
func FetchManifest(ctx context.Context, f Fetcher, manifestURL string) (*manifest.Manifest, error) {
	slog.Info("manifest_fetch_start", "url", manifestURL)

	resp, err := f.Fetch(ctx, manifestURL)
	if err != nil {
		slog.Error("manifest_fetch_failed", "url", manifestURL, "error", err)
		return nil, errors.Wrap(err, "failed to fetch manifest")
	}
	if !resp.OK() {
		slog.Error("manifest_fetch_failed", "url", manifestURL, "status", resp.StatusCode)
		return nil, &StatusError{URL: manifestURL, StatusCode: resp.StatusCode}
	}

	m, err := manifest.Parse(resp.Body, manifestURL)
	if err != nil {
		slog.Error("manifest_parse_failed", "url", manifestURL, "error", err)
		return nil, err
	}

	slog.Info("manifest_fetch_complete", "url", manifestURL, "name", m.Name, "builds", len(m.Builds))
	return m, nil
}

// DownloadParts downloads every part of build concurrently and returns them
// in part order. Failures are reported in part order as well: the first
// failing part wins and the remaining downloads run to completion
// unobserved. The validator may be nil.
func DownloadParts(ctx context.Context, f Fetcher, m *manifest.Manifest, build *manifest.Build, validator *security.Validator) (*Firmware, error) {
	slog.Info("firmware_download_start", "chip_family", build.ChipFamily, "parts", len(build.Parts))

	images := make([]Image, 0, len(build.Parts))
	var firstErr error

	s := stream.New()
	for _, part := range build.Parts {
		part := part
		s.Go(func() stream.Callback {
			img, err := downloadPart(ctx, f, m, part, validator)
			return func() {
				if firstErr != nil {
					return
				}
				if err != nil {
					firstErr = err
					return
				}
				images = append(images, img)
			}
		})
	}
	s.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	fw := &Firmware{Images: images}
	regions := make([]security.Region, 0, len(images))
	for _, img := range images {
		fw.BytesTotal += len(img.Data)
		regions = append(regions, security.Region{
			Path:   img.Part.Path,
			Offset: img.Part.Offset,
			Size:   int64(len(img.Data)),
		})
	}

	if validator != nil {
		if err := validator.ValidateLayout(regions); err != nil {
			return nil, errors.Wrap(err, "firmware layout rejected")
		}
	}

	slog.Info("firmware_download_complete",
		"chip_family", build.ChipFamily,
		"parts", len(images),
		"bytes_total", fw.BytesTotal)
	return fw, nil
}

func downloadPart(ctx context.Context, f Fetcher, m *manifest.Manifest, part manifest.Part, validator *security.Validator) (Image, error) {
	partURL, err := m.PartURL(part)
	if err != nil {
		return Image{}, &DownloadError{Path: part.Path, Err: err}
	}

	resp, err := f.Fetch(ctx, partURL)
	if err != nil {
		slog.Error("part_download_failed", "path", part.Path, "url", partURL, "error", err)
		return Image{}, &DownloadError{Path: part.Path, URL: partURL, Err: err}
	}
	if !resp.OK() {
		slog.Error("part_download_failed", "path", part.Path, "url", partURL, "status", resp.StatusCode)
		return Image{}, &DownloadError{
			Path:       part.Path,
			URL:        partURL,
			StatusCode: resp.StatusCode,
			Err:        &StatusError{URL: partURL, StatusCode: resp.StatusCode},
		}
	}

	if validator != nil {
		if err := validator.ValidatePartSize(part.Path, int64(len(resp.Body))); err != nil {
			return Image{}, &DownloadError{Path: part.Path, URL: partURL, Err: err}
		}
	}

	sum := blake3.Sum256(resp.Body)
	digest := hex.EncodeToString(sum[:])
	slog.Debug("part_download_complete",
		"path", part.Path,
		"offset", fmt.Sprintf("0x%x", part.Offset),
		"bytes", len(resp.Body),
		"blake3", digest[:16]+"...")

	return Image{Part: part, URL: partURL, Data: resp.Body, Digest: digest}, nil
}
