package flash

import (
	"fmt"

	"github.com/Tamovina/esp-update/pkg/manifest"
)

// StateType tags a FlashState
type StateType string

// Flash states, in the order a successful run emits them
const (
	StateInitializing StateType = "initializing"
	StateManifest     StateType = "manifest"
	StatePreparing    StateType = "preparing"
	StateErasing      StateType = "erasing"
	StateWriting      StateType = "writing"
	StateFinished     StateType = "finished"
	StateError        StateType = "error"
)

// ErrorKind is the closed set of ways a run can fail
type ErrorKind string

// Failure kinds, one per phase that can fail
const (
	ErrFailedInitializing     ErrorKind = "failed_initialize"
	ErrFailedManifestFetch    ErrorKind = "fetch_manifest_failed"
	ErrNotSupported           ErrorKind = "not_supported"
	ErrFailedFirmwareDownload ErrorKind = "failed_firmware_download"
	ErrWriteFailed            ErrorKind = "write_failed"
)

// FlashError pairs a failure kind with its underlying cause
type FlashError struct {
	Kind    ErrorKind
	Details string
	Cause   error
}

func (e *FlashError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Details)
	}
	return string(e.Kind)
}

func (e *FlashError) Unwrap() error {
	return e.Cause
}

// Details carries state-specific data on a FlashState
type Details interface {
	isDetails()
}

// PhaseDetails is attached to initializing, manifest, preparing and erasing
type PhaseDetails struct {
	Done bool
}

// WritingDetails is attached to writing
type WritingDetails struct {
	BytesTotal   int
	BytesWritten int
	Percentage   int

	// Digest is the blake3 digest of the build being written
	Digest string
}

// FinishedDetails is attached to finished
type FinishedDetails struct{}

// ErrorDetails is attached to error
type ErrorDetails struct {
	Error   ErrorKind
	Details string
	Cause   error
}

func (PhaseDetails) isDetails()    {}
func (WritingDetails) isDetails()  {}
func (FinishedDetails) isDetails() {}
func (ErrorDetails) isDetails()    {}

// RunContext accumulates what a run has learned. Fields are filled in as
// the run progresses and never cleared.
type RunContext struct {
	ManifestURL string
	Manifest    *manifest.Manifest
	Build       *manifest.Build
	ChipFamily  manifest.ChipFamily
}

// FlashState is a snapshot of a run at a phase boundary
type FlashState struct {
	RunID   string
	State   StateType
	Message string

	ManifestURL string
	Manifest    *manifest.Manifest
	Build       *manifest.Build
	ChipFamily  manifest.ChipFamily

	Details Details
}

// Terminal reports whether no further states follow for the run
func (s FlashState) Terminal() bool {
	return s.State == StateFinished || s.State == StateError
}

// Done reports the done flag of phase states
func (s FlashState) Done() bool {
	d, ok := s.Details.(PhaseDetails)
	return ok && d.Done
}

// Percentage returns the write percentage, or -1 outside the writing state
func (s FlashState) Percentage() int {
	if d, ok := s.Details.(WritingDetails); ok {
		return d.Percentage
	}
	return -1
}

// Err returns the failure of an error state, nil otherwise
func (s FlashState) Err() *FlashError {
	d, ok := s.Details.(ErrorDetails)
	if !ok {
		return nil
	}
	return &FlashError{Kind: d.Error, Details: d.Details, Cause: d.Cause}
}

// FlashRequest is the state machine input
type FlashRequest struct {
	RunID       string
	ManifestURL string
	EraseFirst  bool
}

// FlashResponse is the state machine output (accumulated across transitions)
type FlashResponse struct {
	RunID string

	// From initialize
	ChipFamily string

	// From manifest
	ManifestName string

	// From prepare
	BytesTotal int
	Digest     string

	// From finish/failure
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// Transition names
const (
	StepConnect    = "connect"
	StepInitialize = "initialize"
	StepManifest   = "manifest"
	StepPrepare    = "prepare"
	StepErase      = "erase"
	StepWrite      = "write"
	StepFinish     = "finish"
	StepFailed     = "failed"
)
