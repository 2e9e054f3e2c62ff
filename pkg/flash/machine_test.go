package flash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tamovina/esp-update/pkg/device"
	"github.com/Tamovina/esp-update/pkg/fetch"
	"github.com/Tamovina/esp-update/pkg/manifest"
	"github.com/Tamovina/esp-update/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

const manifestURL = "https://example.com/firmware/manifest.json"

const esp32Manifest = `{
  "name": "Demo Firmware",
  "version": "1.2.0",
  "builds": [
    {
      "chipFamily": "ESP32",
      "parts": [{ "path": "app.bin", "offset": 4096 }]
    }
  ]
}`

const twoPartManifest = `{
  "name": "Demo Firmware",
  "builds": [
    {
      "chipFamily": "ESP32",
      "parts": [
        { "path": "bootloader.bin", "offset": 4096 },
        { "path": "app.bin", "offset": 65536 }
      ]
    }
  ]
}`

// site serves canned responses; unknown URLs are 404
type site struct {
	mu    sync.Mutex
	files map[string][]byte
	errs  map[string]error
	hits  []string
}

func newSite(files map[string][]byte) *site {
	return &site{files: files, errs: map[string]error{}}
}

func (s *site) Fetch(ctx context.Context, rawURL string) (*fetch.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits = append(s.hits, rawURL)
	if err := s.errs[rawURL]; err != nil {
		return nil, err
	}
	body, ok := s.files[rawURL]
	if !ok {
		return &fetch.Response{URL: rawURL, StatusCode: 404}, nil
	}
	return &fetch.Response{URL: rawURL, StatusCode: 200, Body: body}, nil
}

func firmware(manifestJSON string, parts map[string]int) map[string][]byte {
	files := map[string][]byte{manifestURL: []byte(manifestJSON)}
	for name, size := range parts {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		files["https://example.com/firmware/"+name] = data
	}
	return files
}

type harness struct {
	sim     *device.Simulator
	site    *site
	machine *Machine

	mu     sync.Mutex
	states []FlashState
}

func newHarness(t *testing.T, cfg device.SimulatorConfig, files map[string][]byte, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sim:  device.NewSimulator(cfg),
		site: newSite(files),
	}
	bus := NewBus()
	bus.Subscribe(func(s FlashState) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithSettleDelay(0)}, opts...)
	h.machine = NewMachine(h.site, h.sim, bus, opts...)
	return h
}

type handler func(context.Context, *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error)

// drive runs the transitions in registration order without a manager,
// stopping at the first handler error the way the FSM does on Abort.
func (h *harness) drive(ctx context.Context, url string, erase bool) (*run, *FlashResponse, error) {
	m := h.machine
	id := fmt.Sprintf("run-%p", h)
	r := m.newRun(ctx, id, url, erase)
	defer m.removeRun(id)

	req := fsm.NewRequest(&FlashRequest{RunID: id, ManifestURL: url, EraseFirst: erase}, &FlashResponse{RunID: id})
	steps := []handler{
		m.handleConnect,
		m.handleInitialize,
		m.handleManifest,
		m.handlePrepare,
		m.handleErase,
		m.handleWrite,
		m.handleFinish,
	}
	for _, next := range steps {
		resp, err := next(r.ctx, req)
		if err != nil {
			return r, req.W.Msg, err
		}
		req = fsm.NewRequest(req.Msg, resp.Msg)
	}
	return r, req.W.Msg, nil
}

func (h *harness) observed() []FlashState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]FlashState, len(h.states))
	copy(out, h.states)
	return out
}

type step struct {
	state StateType
	done  bool
}

func phases(states []FlashState) []step {
	var out []step
	for _, s := range states {
		if s.State == StateWriting || s.Terminal() {
			out = append(out, step{state: s.State})
			continue
		}
		out = append(out, step{state: s.State, done: s.Done()})
	}
	return out
}

func percentages(states []FlashState) []int {
	var out []int
	for _, s := range states {
		if s.State == StateWriting {
			out = append(out, s.Percentage())
		}
	}
	return out
}

func last(t *testing.T, states []FlashState) FlashState {
	t.Helper()
	require.NotEmpty(t, states)
	return states[len(states)-1]
}

func TestFlash_SingleSmallPart(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32},
		firmware(esp32Manifest, map[string]int{"app.bin": 1000}))

	_, resp, err := h.drive(context.Background(), manifestURL, false)
	require.NoError(t, err)

	states := h.observed()
	assert.Equal(t, []step{
		{StateInitializing, false},
		{StateInitializing, true},
		{StateManifest, false},
		{StateManifest, true},
		{StatePreparing, false},
		{StatePreparing, true},
		{StateWriting, false},
		{StateWriting, false},
		{StateFinished, false},
	}, phases(states))

	assert.Equal(t, []int{0, 100}, percentages(states))
	w := states[7].Details.(WritingDetails)
	assert.Equal(t, 1000, w.BytesTotal)
	assert.Equal(t, 1000, w.BytesWritten)

	assert.Equal(t, "Initialized. Found ESP32", states[1].Message)
	assert.Equal(t, "Found manifest for Demo Firmware", states[3].Message)
	assert.Equal(t, "All done!", last(t, states).Message)

	assert.Equal(t, []device.Step{
		device.StepConnect,
		device.StepInitialize,
		device.StepRunStub,
		device.StepFlash,
		device.StepReset,
		device.StepDisconnect,
	}, h.sim.Calls())

	written, ok := h.sim.Flash(4096)
	require.True(t, ok)
	assert.Len(t, written, 1000)

	assert.Equal(t, "ESP32", resp.ChipFamily)
	assert.Equal(t, "Demo Firmware", resp.ManifestName)
	assert.Equal(t, 1000, resp.BytesTotal)
	assert.Len(t, resp.Digest, 64)
	assert.Equal(t, string(StateFinished), resp.Status)
}

func TestFlash_RunContextOnStates(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32},
		firmware(esp32Manifest, map[string]int{"app.bin": 10}))

	_, _, err := h.drive(context.Background(), manifestURL, false)
	require.NoError(t, err)

	states := h.observed()
	assert.Empty(t, states[0].ChipFamily, "chip unknown before handshake")
	assert.Nil(t, states[2].Manifest, "manifest unknown while fetching")

	for _, s := range states[1:] {
		assert.Equal(t, manifest.ChipESP32, s.ChipFamily)
	}
	for _, s := range states[3:] {
		require.NotNil(t, s.Manifest)
		assert.Equal(t, "Demo Firmware", s.Manifest.Name)
	}
	for _, s := range states[4:] {
		require.NotNil(t, s.Build)
		assert.Equal(t, manifest.ChipESP32, s.Build.ChipFamily)
	}
}

func TestFlash_EraseFirst(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32},
		firmware(esp32Manifest, map[string]int{"app.bin": 1000}))

	_, _, err := h.drive(context.Background(), manifestURL, true)
	require.NoError(t, err)

	assert.Equal(t, []step{
		{StateInitializing, false},
		{StateInitializing, true},
		{StateManifest, false},
		{StateManifest, true},
		{StatePreparing, false},
		{StatePreparing, true},
		{StateErasing, false},
		{StateErasing, true},
		{StateWriting, false},
		{StateWriting, false},
		{StateFinished, false},
	}, phases(h.observed()))

	calls := h.sim.Calls()
	assert.Contains(t, calls, device.StepErase)
	assert.Equal(t, device.StepErase, calls[3], "erase before the first write")
}

func TestFlash_ProgressAcrossParts(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32, ChunkSize: 100},
		firmware(twoPartManifest, map[string]int{"bootloader.bin": 1000, "app.bin": 1000}))

	_, _, err := h.drive(context.Background(), manifestURL, false)
	require.NoError(t, err)

	pcts := percentages(h.observed())
	require.NotEmpty(t, pcts)
	assert.Equal(t, 0, pcts[0])
	assert.Equal(t, 100, pcts[len(pcts)-1])

	for i := 1; i < len(pcts); i++ {
		assert.Greater(t, pcts[i], pcts[i-1], "percentages strictly increase: %v", pcts)
	}

	hundred := 0
	for _, p := range pcts {
		if p == 100 {
			hundred++
		}
	}
	assert.Equal(t, 1, hundred, "100 reported once: %v", pcts)

	// 20 chunks of 100 bytes over 2000 bytes, one update per 5%
	assert.Len(t, pcts, 21)

	_, ok := h.sim.Flash(4096)
	assert.True(t, ok)
	_, ok = h.sim.Flash(65536)
	assert.True(t, ok)
}

func TestFlash_ZeroByteBuild(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32},
		firmware(esp32Manifest, map[string]int{"app.bin": 0}))

	_, _, err := h.drive(context.Background(), manifestURL, false)
	require.NoError(t, err)

	states := h.observed()
	assert.Equal(t, []int{0, 100}, percentages(states))
	assert.Equal(t, StateFinished, last(t, states).State)
}

func TestFlash_UnsupportedChip(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP8266},
		firmware(esp32Manifest, map[string]int{"app.bin": 1000}))

	_, resp, err := h.drive(context.Background(), manifestURL, false)
	require.Error(t, err)

	states := h.observed()
	assert.Equal(t, []step{
		{StateInitializing, false},
		{StateInitializing, true},
		{StateManifest, false},
		{StateManifest, true},
		{StateError, false},
	}, phases(states))

	final := last(t, states)
	ferr := final.Err()
	require.NotNil(t, ferr)
	assert.Equal(t, ErrNotSupported, ferr.Kind)
	assert.Contains(t, ferr.Details, "ESP8266")
	assert.Equal(t, "Your ESP8266 board is not supported.", final.Message)
	assert.Equal(t, manifest.ChipESP8266, final.ChipFamily)
	require.NotNil(t, final.Manifest)
	assert.Nil(t, final.Build)

	assert.True(t, h.sim.Called(device.StepDisconnect))
	assert.False(t, h.sim.Called(device.StepRunStub))
	assert.Equal(t, string(ErrNotSupported), resp.ErrorKind)
}

func TestFlash_ManifestFetchFailed(t *testing.T) {
	h := newHarness(t, device.SimulatorConfig{Chip: manifest.ChipESP32}, map[string][]byte{})

	_, _, err := h.drive(context.Background(), manifestURL, false)
	require.Error(t, err)

	states := h.observed()
	assert.Equal(t, []step{
		{StateInitializing, false},
		{StateInitializing, true},
		{StateManifest, false},
		{StateError, false},
	}, phases(states))

	final := last(t, states)
	assert.Equal(t, ErrFailedManifestFetch, final.Err().Kind)
	assert.Contains(t, final.Message, "Unable to fetch manifest")
	assert.Nil(t, final.Manifest)
	assert.True(t, h.sim.Called(device.StepDisconnect))

	var statusErr *fetch.StatusError
	assert.True(t, errors.As(final.Err(), &statusErr))
}

func TestFlash_ManifestFetchedBeforeConnect(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32, Fail: map[device.Step]error{
			device.StepConnect: errors.New("no port"),
		}},
		firmware(esp32Manifest, map[string]int{"app.bin": 10}))

	_, _, err := h.drive(context.Background(), manifestURL, false)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		h.site.mu.Lock()
		defer h.site.mu.Unlock()
		return len(h.site.hits) == 1
	}, time.Second, 5*time.Millisecond, "manifest requested even though connect failed")
}

func TestFlash_PartDownloadFailed(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32},
		firmware(esp32Manifest, nil))

	_, _, err := h.drive(context.Background(), manifestURL, true)
	require.Error(t, err)

	states := h.observed()
	assert.Equal(t, []step{
		{StateInitializing, false},
		{StateInitializing, true},
		{StateManifest, false},
		{StateManifest, true},
		{StatePreparing, false},
		{StateError, false},
	}, phases(states))

	final := last(t, states)
	assert.Equal(t, ErrFailedFirmwareDownload, final.Err().Kind)
	assert.Equal(t, "Downloading firmware app.bin failed: 404", final.Message)

	var dlErr *fetch.DownloadError
	require.True(t, errors.As(final.Err(), &dlErr))
	assert.Equal(t, 404, dlErr.StatusCode)

	assert.False(t, h.sim.Called(device.StepErase))
	assert.False(t, h.sim.Called(device.StepFlash))
	assert.True(t, h.sim.Called(device.StepDisconnect))
}

func TestFlash_PartTooLarge(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32},
		firmware(esp32Manifest, map[string]int{"app.bin": 2048}),
		WithValidator(security.NewValidator(1024, 0)))

	_, _, err := h.drive(context.Background(), manifestURL, false)
	require.Error(t, err)

	final := last(t, h.observed())
	assert.Equal(t, ErrFailedFirmwareDownload, final.Err().Kind)

	var limitErr *security.LimitError
	assert.True(t, errors.As(final.Err(), &limitErr))
	assert.False(t, h.sim.Called(device.StepFlash))
}

func TestFlash_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name           string
		cfg            device.SimulatorConfig
		kind           ErrorKind
		message        string
		wantDisconnect bool
		wantWriting    bool
	}{
		{
			name:           "connect fails",
			cfg:            device.SimulatorConfig{Fail: map[device.Step]error{device.StepConnect: boom}},
			kind:           ErrFailedInitializing,
			message:        initializeFailedMessage,
			wantDisconnect: false,
		},
		{
			name:           "handshake fails",
			cfg:            device.SimulatorConfig{Fail: map[device.Step]error{device.StepInitialize: boom}},
			kind:           ErrFailedInitializing,
			message:        initializeFailedMessage,
			wantDisconnect: true,
		},
		{
			name: "handshake fails and drops the port",
			cfg: device.SimulatorConfig{
				Fail:              map[device.Step]error{device.StepInitialize: boom},
				DropOnInitFailure: true,
			},
			kind:           ErrFailedInitializing,
			message:        initializeFailedMessage,
			wantDisconnect: false,
		},
		{
			name:           "stub upload fails",
			cfg:            device.SimulatorConfig{Fail: map[device.Step]error{device.StepRunStub: boom}},
			kind:           ErrFailedInitializing,
			message:        initializeFailedMessage,
			wantDisconnect: true,
		},
		{
			name:           "erase fails",
			cfg:            device.SimulatorConfig{Fail: map[device.Step]error{device.StepErase: boom}},
			kind:           ErrWriteFailed,
			message:        "Erasing failed",
			wantDisconnect: true,
		},
		{
			name:           "write fails",
			cfg:            device.SimulatorConfig{Fail: map[device.Step]error{device.StepFlash: boom}},
			kind:           ErrWriteFailed,
			message:        "Writing failed",
			wantDisconnect: true,
			wantWriting:    true,
		},
		{
			name: "write fails and disconnect fails too",
			cfg: device.SimulatorConfig{Fail: map[device.Step]error{
				device.StepFlash:      boom,
				device.StepDisconnect: errors.New("port gone"),
			}},
			kind:           ErrWriteFailed,
			message:        "Writing failed",
			wantDisconnect: true,
			wantWriting:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Chip = manifest.ChipESP32
			h := newHarness(t, tt.cfg, firmware(esp32Manifest, map[string]int{"app.bin": 1000}))

			_, resp, err := h.drive(context.Background(), manifestURL, true)
			require.Error(t, err)

			states := h.observed()
			final := last(t, states)
			assert.Equal(t, StateError, final.State)
			assert.Equal(t, tt.message, final.Message)

			ferr := final.Err()
			require.NotNil(t, ferr)
			assert.Equal(t, tt.kind, ferr.Kind)
			assert.ErrorIs(t, ferr, boom)

			terminal := 0
			for _, s := range states {
				if s.Terminal() {
					terminal++
				}
			}
			assert.Equal(t, 1, terminal, "exactly one terminal state")

			assert.Equal(t, tt.wantDisconnect, h.sim.Called(device.StepDisconnect))
			assert.Equal(t, tt.wantWriting, len(percentages(states)) > 0)
			assert.False(t, h.sim.Called(device.StepReset))
			assert.Equal(t, string(tt.kind), resp.ErrorKind)
		})
	}
}

func TestFlash_ResetFailureStillFinishes(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32, Fail: map[device.Step]error{
			device.StepReset: errors.New("reset line stuck"),
		}},
		firmware(esp32Manifest, map[string]int{"app.bin": 100}))

	_, _, err := h.drive(context.Background(), manifestURL, false)
	require.NoError(t, err)

	assert.Equal(t, StateFinished, last(t, h.observed()).State)
	assert.True(t, h.sim.Called(device.StepDisconnect))
}

func TestFlash_CancelledSelectionIsSilent(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32, CancelConnect: true},
		firmware(esp32Manifest, map[string]int{"app.bin": 100}))

	r, _, err := h.drive(context.Background(), manifestURL, false)
	require.Error(t, err)
	assert.True(t, r.cancelled())
	assert.Empty(t, h.observed())
}

func TestFlash_CallerCancelDuringConnect(t *testing.T) {
	h := newHarness(t,
		device.SimulatorConfig{Chip: manifest.ChipESP32, Latency: time.Second},
		firmware(esp32Manifest, map[string]int{"app.bin": 100}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _, err := h.drive(ctx, manifestURL, false)
	require.Error(t, err)
	assert.True(t, r.cancelled())
	assert.Empty(t, h.observed())
}

func TestEmitter_DropsAfterTerminal(t *testing.T) {
	bus := NewBus()
	var got []FlashState
	bus.Subscribe(func(s FlashState) { got = append(got, s) })

	e := newEmitter(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), "run-1")
	e.update(func(rc *RunContext) { rc.ChipFamily = manifest.ChipESP32 })
	e.emit(StateInitializing, "Initializing...", PhaseDetails{})
	e.emit(StateError, "Writing failed", ErrorDetails{Error: ErrWriteFailed})
	e.emit(StateFinished, "All done!", FinishedDetails{})

	require.Len(t, got, 2)
	assert.Equal(t, StateError, got[1].State)
	assert.True(t, e.finished())

	current, ok := e.Current()
	require.True(t, ok)
	assert.Equal(t, StateError, current.State)
}

func TestEmitter_ContextNeverCleared(t *testing.T) {
	e := newEmitter(NewBus(), slog.New(slog.NewTextHandler(io.Discard, nil)), "run-1")
	m := &manifest.Manifest{Name: "fw"}

	e.update(func(rc *RunContext) { rc.ChipFamily = manifest.ChipESP32 })
	e.update(func(rc *RunContext) { rc.Manifest = m })
	e.update(func(rc *RunContext) { *rc = RunContext{} })

	rc := e.runContext()
	assert.Equal(t, manifest.ChipESP32, rc.ChipFamily)
	assert.Same(t, m, rc.Manifest)
}
