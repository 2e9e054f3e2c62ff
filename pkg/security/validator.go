// Package security validates downloaded firmware against size limits and
// flash layout constraints before anything is written to a device.
package security

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
)

// LimitError reports a part or build exceeding a configured limit
type LimitError struct {
	What  string
	Size  int64
	Limit int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("security: %s size %d exceeds max %d", e.What, e.Size, e.Limit)
}

// OverlapError reports two parts whose flash regions intersect
type OverlapError struct {
	First, Second string
	Offset        uint32
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("security: part %s overlaps %s at 0x%x", e.Second, e.First, e.Offset)
}

// Region is a downloaded part placed at a flash offset
type Region struct {
	Path   string
	Offset uint32
	Size   int64
}

// Validator enforces firmware size limits and layout sanity
type Validator struct {
	maxPartSize  int64
	maxTotalSize int64
	schemes      map[string]bool
}

// NewValidator creates a new firmware validator. Limits <= 0 disable the check.
func NewValidator(maxPartSize, maxTotalSize int64) *Validator {
	slog.Info("security_validator_init",
		"max_part_size_kb", maxPartSize/1024,
		"max_total_size_kb", maxTotalSize/1024)

	return &Validator{
		maxPartSize:  maxPartSize,
		maxTotalSize: maxTotalSize,
		schemes: map[string]bool{
			"":      true,
			"file":  true,
			"http":  true,
			"https": true,
			"s3":    true,
		},
	}
}

// ValidateURL rejects URL schemes no fetch backend serves
func (v *Validator) ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		slog.Error("security_url_validation_failed", "url", raw, "reason", "parse_error")
		return fmt.Errorf("security: invalid url %q: %w", raw, err)
	}
	if !v.schemes[u.Scheme] {
		slog.Error("security_url_validation_failed", "url", raw, "reason", "unsupported_scheme", "scheme", u.Scheme)
		return fmt.Errorf("security: unsupported url scheme %q", u.Scheme)
	}
	return nil
}

// ValidatePartSize checks a single downloaded part against the part limit
func (v *Validator) ValidatePartSize(path string, size int64) error {
	if v.maxPartSize > 0 && size > v.maxPartSize {
		slog.Error("security_part_size_exceeded",
			"path", path,
			"part_size_kb", size/1024,
			"max_part_size_kb", v.maxPartSize/1024)
		return &LimitError{What: "part " + path, Size: size, Limit: v.maxPartSize}
	}
	return nil
}

// ValidateLayout checks the combined size of a build and that no two parts
// write to the same flash bytes. Regions are not modified.
func (v *Validator) ValidateLayout(regions []Region) error {
	var total int64
	for _, r := range regions {
		total += r.Size
	}
	if v.maxTotalSize > 0 && total > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"total_kb", total/1024,
			"max_total_kb", v.maxTotalSize/1024)
		return &LimitError{What: "build", Size: total, Limit: v.maxTotalSize}
	}

	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Size == 0 || cur.Size == 0 {
			continue
		}
		if int64(prev.Offset)+prev.Size > int64(cur.Offset) {
			slog.Error("security_part_overlap",
				"first", prev.Path,
				"second", cur.Path,
				"offset", fmt.Sprintf("0x%x", cur.Offset))
			return &OverlapError{First: prev.Path, Second: cur.Path, Offset: cur.Offset}
		}
	}

	slog.Debug("security_layout_validated", "parts", len(regions), "total_bytes", total)
	return nil
}
