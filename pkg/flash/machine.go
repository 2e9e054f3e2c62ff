// Package flash implements the firmware flashing state machine. A run
// connects to a board, resolves the manifest build for the detected chip,
// downloads the build's parts while the flasher stub uploads, optionally
// erases, writes every part and resets the board. Every phase boundary is
// published on a Bus; every failure ends the run in exactly one error
// state. Transitions are driven by superfly/fsm.
package flash

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tamovina/esp-update/pkg/device"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/Tamovina/esp-update/pkg/fetch"
	"github.com/Tamovina/esp-update/pkg/manifest"
	"github.com/Tamovina/esp-update/pkg/security"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// DefaultSettleDelay is the pause between the last write and the reset
const DefaultSettleDelay = 100 * time.Millisecond

// Machine holds dependencies for flash transitions
type Machine struct {
	fetcher     fetch.Fetcher
	port        device.Port
	validator   *security.Validator
	bus         *Bus
	logger      *slog.Logger
	settleDelay time.Duration

	mu   sync.Mutex
	runs map[string]*run
}

// Option configures a Machine
type Option func(*Machine)

// WithValidator checks downloaded firmware before writing
func WithValidator(v *security.Validator) Option {
	return func(m *Machine) {
		m.validator = v
	}
}

// WithLogger sets the logger; slog.Default() otherwise
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSettleDelay overrides DefaultSettleDelay
func WithSettleDelay(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.settleDelay = d
		}
	}
}

// NewMachine creates a new flash machine publishing to bus
func NewMachine(fetcher fetch.Fetcher, port device.Port, bus *Bus, opts ...Option) *Machine {
	m := &Machine{
		fetcher:     fetcher,
		port:        port,
		bus:         bus,
		logger:      slog.Default(),
		settleDelay: DefaultSettleDelay,
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register registers the flash FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "flash").
		Start(StepConnect, m.handleConnect).
		To(StepInitialize, m.handleInitialize).
		To(StepManifest, m.handleManifest).
		To(StepPrepare, m.handlePrepare).
		To(StepErase, m.handleErase).
		To(StepWrite, m.handleWrite).
		To(StepFinish, m.handleFinish).
		End(StepFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Flasher is the entry point for flash runs
type Flasher struct {
	machine *Machine
	manager *fsm.Manager
	start   fsm.Start[FlashRequest, FlashResponse]
}

// NewFlasher registers machine with manager
func NewFlasher(ctx context.Context, manager *fsm.Manager, machine *Machine) (*Flasher, error) {
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Flasher{machine: machine, manager: manager, start: start}, nil
}

// Flash runs one flash of the firmware described at manifestURL and returns
// once the run reached finished or error, or device selection was
// cancelled. Outcomes are only reported on the bus; the returned error is
// reserved for failures of the state machine itself.
//
// Cancelling ctx aborts device selection. Once connected, the run ignores
// cancellation and continues to a terminal state.
func (f *Flasher) Flash(ctx context.Context, manifestURL string, eraseFirst bool) error {
	runID := uuid.NewString()
	r := f.machine.newRun(ctx, runID, manifestURL, eraseFirst)
	defer f.machine.removeRun(runID)

	req := &FlashRequest{
		RunID:       runID,
		ManifestURL: manifestURL,
		EraseFirst:  eraseFirst,
	}
	resp := &FlashResponse{RunID: runID}

	version, err := f.start(r.ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	f.machine.logger.Info("flash_run_started", "run_id", runID, "version", version, "manifest_url", manifestURL, "erase_first", eraseFirst)

	waitErr := f.manager.Wait(r.ctx, version)

	switch {
	case r.cancelled():
		f.machine.logger.Info("flash_run_cancelled", "run_id", runID)
		return nil
	case r.emit.finished():
		state, _ := r.emit.Current()
		f.machine.logger.Info("flash_run_complete", "run_id", runID, "state", state.State)
		return nil
	case waitErr != nil:
		return errors.Wrap(waitErr, "FSM execution failed")
	default:
		return fmt.Errorf("flash run %s ended without a terminal state", runID)
	}
}

// run is the in-memory state of one flash run. Device handles and pending
// operations cannot be persisted, so they live here rather than in the
// FSM response.
type run struct {
	id          string
	manifestURL string
	eraseFirst  bool

	// connectCtx is the caller's context; ctx outlives its cancellation.
	connectCtx context.Context
	ctx        context.Context

	emit     *emitter
	manifest <-chan manifestResult
	conn     device.Conn
	stub     device.Stub
	firmware *fetch.Firmware

	mu           sync.Mutex
	wasCancelled bool
}

type manifestResult struct {
	manifest *manifest.Manifest
	err      error
}

func (r *run) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wasCancelled
}

func (r *run) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wasCancelled = true
}

func (m *Machine) newRun(ctx context.Context, runID, manifestURL string, eraseFirst bool) *run {
	r := &run{
		id:          runID,
		manifestURL: manifestURL,
		eraseFirst:  eraseFirst,
		connectCtx:  ctx,
		ctx:         context.WithoutCancel(ctx),
		emit:        newEmitter(m.bus, m.logger, runID),
	}
	r.emit.update(func(rc *RunContext) { rc.ManifestURL = manifestURL })
	m.mu.Lock()
	m.runs[runID] = r
	m.mu.Unlock()
	return r
}

func (m *Machine) removeRun(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}

func (m *Machine) lookupRun(runID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown flash run %q", runID)
	}
	return r, nil
}
