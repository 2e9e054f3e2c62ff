// Package manifest models firmware release manifests: named builds per chip
// family, each build an ordered list of parts written at absolute flash
// offsets. Manifests are JSON documents; comments and trailing commas are
// tolerated.
package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/tidwall/jsonc"
)

// Parse decodes a manifest document fetched from manifestURL.
func Parse(data []byte, manifestURL string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	m.URL = manifestURL
	return &m, nil
}

// BuildFor returns the first build targeting chip. The second result is
// false when no build matches.
func (m *Manifest) BuildFor(chip ChipFamily) (*Build, bool) {
	for i := range m.Builds {
		if m.Builds[i].ChipFamily == chip {
			return &m.Builds[i], true
		}
	}
	return nil, false
}

// ChipFamilies lists the chip families covered by the manifest, in build order.
func (m *Manifest) ChipFamilies() []ChipFamily {
	families := make([]ChipFamily, 0, len(m.Builds))
	for _, b := range m.Builds {
		families = append(families, b.ChipFamily)
	}
	return families
}

// PartURL resolves a part path against the manifest's own location.
func (m *Manifest) PartURL(p Part) (string, error) {
	ref, err := url.Parse(p.Path)
	if err != nil {
		return "", errors.Wrapf(err, "invalid part path %q", p.Path)
	}
	if m.URL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(m.URL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid manifest url %q", m.URL)
	}
	return base.ResolveReference(ref).String(), nil
}

// String implements fmt.Stringer for log output.
func (p Part) String() string {
	return fmt.Sprintf("%s@0x%x", p.Path, p.Offset)
}
