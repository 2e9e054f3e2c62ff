package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tamovina/esp-update/pkg/manifest"
)

// Step names a device operation, used for failure injection and call logs
type Step string

// Device operations
const (
	StepConnect    Step = "connect"
	StepInitialize Step = "initialize"
	StepRunStub    Step = "run_stub"
	StepErase      Step = "erase_flash"
	StepFlash      Step = "flash_data"
	StepReset      Step = "hard_reset"
	StepDisconnect Step = "disconnect"
)

// Steps lists every operation in protocol order
var Steps = []Step{StepConnect, StepInitialize, StepRunStub, StepErase, StepFlash, StepReset, StepDisconnect}

// SimulatorConfig configures a Simulator
type SimulatorConfig struct {
	Chip      manifest.ChipFamily
	ChunkSize int
	Latency   time.Duration

	// Fail makes the named step return the given error
	Fail map[Step]error

	// FlashFailAfter is the number of FlashData calls that succeed before
	// an injected StepFlash failure takes effect
	FlashFailAfter int

	// CancelConnect makes Connect return ErrCancelled
	CancelConnect bool

	// DropOnInitFailure closes the connection when Initialize fails
	DropOnInitFailure bool
}

// Simulator is an in-memory board. It records every call and keeps the
// written flash contents by offset.
type Simulator struct {
	cfg SimulatorConfig

	mu      sync.Mutex
	calls   []Step
	flash   map[uint32][]byte
	flashes int
}

// NewSimulator creates a simulated board
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Chip == "" {
		cfg.Chip = manifest.ChipESP32
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 0x4000
	}
	return &Simulator{cfg: cfg, flash: make(map[uint32][]byte)}
}

// Calls returns the operations performed so far, in order
func (s *Simulator) Calls() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.calls))
	copy(out, s.calls)
	return out
}

// Called reports whether step was performed at least once
func (s *Simulator) Called(step Step) bool {
	for _, c := range s.Calls() {
		if c == step {
			return true
		}
	}
	return false
}

// Flash returns the bytes written at offset
func (s *Simulator) Flash(offset uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.flash[offset]
	return data, ok
}

func (s *Simulator) record(ctx context.Context, step Step) error {
	s.mu.Lock()
	s.calls = append(s.calls, step)
	s.mu.Unlock()

	if s.cfg.Latency > 0 {
		select {
		case <-time.After(s.cfg.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.cfg.Fail[step]
}

// Connect implements Port
func (s *Simulator) Connect(ctx context.Context) (Conn, error) {
	if s.cfg.CancelConnect {
		s.record(ctx, StepConnect)
		return nil, ErrCancelled
	}
	if err := s.record(ctx, StepConnect); err != nil {
		return nil, err
	}
	slog.Debug("sim_connected", "chip_family", s.cfg.Chip)
	return &simConn{sim: s, connected: true}, nil
}

type simConn struct {
	sim         *Simulator
	mu          sync.Mutex
	connected   bool
	initialized bool
}

func (c *simConn) Initialize(ctx context.Context) error {
	if err := c.sim.record(ctx, StepInitialize); err != nil {
		if c.sim.cfg.DropOnInitFailure {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
		}
		return err
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

func (c *simConn) ChipFamily() manifest.ChipFamily {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ""
	}
	return c.sim.cfg.Chip
}

func (c *simConn) RunStub(ctx context.Context) (Stub, error) {
	if err := c.sim.record(ctx, StepRunStub); err != nil {
		return nil, err
	}
	return &simStub{sim: c.sim}, nil
}

func (c *simConn) HardReset(ctx context.Context) error {
	return c.sim.record(ctx, StepReset)
}

func (c *simConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.sim.record(ctx, StepDisconnect)
}

func (c *simConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

type simStub struct {
	sim *Simulator
}

func (st *simStub) EraseFlash(ctx context.Context) error {
	if err := st.sim.record(ctx, StepErase); err != nil {
		return err
	}
	st.sim.mu.Lock()
	st.sim.flash = make(map[uint32][]byte)
	st.sim.mu.Unlock()
	return nil
}

func (st *simStub) FlashData(ctx context.Context, data []byte, offset uint32, onProgress ProgressFunc, compress bool) error {
	s := st.sim
	s.mu.Lock()
	s.calls = append(s.calls, StepFlash)
	n := s.flashes
	s.flashes++
	s.mu.Unlock()

	if err := s.cfg.Fail[StepFlash]; err != nil && n >= s.cfg.FlashFailAfter {
		return fmt.Errorf("flash at 0x%x: %w", offset, err)
	}

	written := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := written + s.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		written = end
		if s.cfg.Latency > 0 {
			time.Sleep(s.cfg.Latency)
		}
		if onProgress != nil {
			onProgress(written)
		}
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.mu.Lock()
	s.flash[offset] = buf
	s.mu.Unlock()
	return nil
}
