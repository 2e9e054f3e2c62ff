package manifest

// ChipFamily identifies the ESP chip family a build targets.
type ChipFamily string

// Known chip families.
const (
	ChipESP32   ChipFamily = "ESP32"
	ChipESP8266 ChipFamily = "ESP8266"
	ChipESP32S2 ChipFamily = "ESP32-S2"
	ChipESP32S3 ChipFamily = "ESP32-S3"
	ChipESP32C3 ChipFamily = "ESP32-C3"
)

// Known reports whether the family is one this tool knows how to describe.
// Selection does not depend on it.
func (c ChipFamily) Known() bool {
	switch c {
	case ChipESP32, ChipESP8266, ChipESP32S2, ChipESP32S3, ChipESP32C3:
		return true
	}
	return false
}

// Manifest describes a firmware release (immutable once parsed)
type Manifest struct {
	Name    string  `json:"name" yaml:"name"`
	Version string  `json:"version,omitempty" yaml:"version,omitempty"`
	Builds  []Build `json:"builds" yaml:"builds"`

	HomeAssistantDomain      string `json:"home_assistant_domain,omitempty" yaml:"home_assistant_domain,omitempty"`
	NewInstallPromptErase    bool   `json:"new_install_prompt_erase,omitempty" yaml:"new_install_prompt_erase,omitempty"`
	NewInstallImprovWaitTime int    `json:"new_install_improv_wait_time,omitempty" yaml:"new_install_improv_wait_time,omitempty"`

	// URL the manifest was fetched from; parts resolve against it.
	URL string `json:"-" yaml:"-"`
}

// Build is the set of parts to flash for one chip family
type Build struct {
	ChipFamily ChipFamily `json:"chipFamily" yaml:"chipFamily"`
	Improv     bool       `json:"improv" yaml:"improv"`
	Parts      []Part     `json:"parts" yaml:"parts"`
}

// Part is a single binary written at an absolute flash offset
type Part struct {
	Path   string `json:"path" yaml:"path"`
	Offset uint32 `json:"offset" yaml:"offset"`
}
