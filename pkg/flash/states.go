package flash

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tamovina/esp-update/pkg/device"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/Tamovina/esp-update/pkg/fetch"
	"github.com/Tamovina/esp-update/pkg/progress"
	"github.com/superfly/fsm"
)

const initializeFailedMessage = "Failed to initialize. Try resetting your device or holding the BOOT button while clicking INSTALL."

// begin resolves the run for a transition and the accumulated response
func (m *Machine) begin(req *fsm.Request[FlashRequest, FlashResponse]) (*run, *FlashResponse, error) {
	r, err := m.lookupRun(req.Msg.RunID)
	if err != nil {
		m.logger.Error("flash_run_lookup_failed", "run_id", req.Msg.RunID, "error", err)
		return nil, nil, fsm.Abort(err)
	}
	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{RunID: r.id}
	}
	return r, resp, nil
}

// fail disconnects (best effort), publishes the error state and aborts the
// FSM. A disconnect failure is logged and never replaces the primary error.
func (m *Machine) fail(r *run, resp *FlashResponse, kind ErrorKind, message, details string, cause error) error {
	m.logger.Error("flash_run_failed",
		"run_id", r.id,
		"error_kind", kind,
		"details", details,
		"error", cause)

	m.disconnect(r)

	resp.Status = string(StateError)
	resp.ErrorKind = string(kind)
	resp.ErrorMessage = message

	r.emit.emit(StateError, message, ErrorDetails{Error: kind, Details: details, Cause: cause})
	return fsm.Abort(&FlashError{Kind: kind, Details: details, Cause: cause})
}

func (m *Machine) disconnect(r *run) {
	if r.conn == nil || !r.conn.Connected() {
		return
	}
	if err := r.conn.Disconnect(r.ctx); err != nil {
		m.logger.Warn("device_disconnect_failed", "run_id", r.id, "error", err)
		return
	}
	m.logger.Info("device_disconnected", "run_id", r.id)
}

// handleConnect starts the manifest fetch and opens the device connection
func (m *Machine) handleConnect(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	r, resp, err := m.begin(req)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fsm_state_connect", "run_id", r.id, "manifest_url", r.manifestURL)

	ch := make(chan manifestResult, 1)
	r.manifest = ch
	go func() {
		mf, err := fetch.FetchManifest(r.ctx, m.fetcher, r.manifestURL)
		ch <- manifestResult{manifest: mf, err: err}
	}()

	conn, err := m.port.Connect(r.connectCtx)
	if err != nil {
		if errors.Is(err, device.ErrCancelled) || r.connectCtx.Err() != nil {
			m.logger.Info("device_selection_cancelled", "run_id", r.id)
			r.markCancelled()
			resp.Status = "cancelled"
			return nil, fsm.Abort(err)
		}
		return nil, m.fail(r, resp, ErrFailedInitializing, initializeFailedMessage, err.Error(), err)
	}
	r.conn = conn

	m.logger.Info("device_connected", "run_id", r.id)
	r.emit.emit(StateInitializing, "Initializing...", PhaseDetails{Done: false})

	return fsm.NewResponse(resp), nil
}

// handleInitialize performs the bootloader handshake and learns the chip
func (m *Machine) handleInitialize(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	r, resp, err := m.begin(req)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fsm_state_initialize", "run_id", r.id)

	if err := r.conn.Initialize(r.ctx); err != nil {
		return nil, m.fail(r, resp, ErrFailedInitializing, initializeFailedMessage, err.Error(), err)
	}

	chip := r.conn.ChipFamily()
	r.emit.update(func(rc *RunContext) { rc.ChipFamily = chip })
	resp.ChipFamily = string(chip)

	m.logger.Info("device_initialized", "run_id", r.id, "chip_family", chip)
	r.emit.emit(StateInitializing, fmt.Sprintf("Initialized. Found %s", chip), PhaseDetails{Done: true})

	return fsm.NewResponse(resp), nil
}

// handleManifest awaits the manifest fetched since run start and selects
// the build for the detected chip
func (m *Machine) handleManifest(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	r, resp, err := m.begin(req)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fsm_state_manifest", "run_id", r.id)

	r.emit.emit(StateManifest, "Fetching manifest...", PhaseDetails{Done: false})

	res := <-r.manifest
	if res.err != nil {
		return nil, m.fail(r, resp, ErrFailedManifestFetch,
			fmt.Sprintf("Unable to fetch manifest: %v", res.err), res.err.Error(), res.err)
	}

	mf := res.manifest
	r.emit.update(func(rc *RunContext) { rc.Manifest = mf })
	resp.ManifestName = mf.Name
	r.emit.emit(StateManifest, fmt.Sprintf("Found manifest for %s", mf.Name), PhaseDetails{Done: true})

	chip := r.emit.runContext().ChipFamily
	build, ok := mf.BuildFor(chip)
	if !ok {
		return nil, m.fail(r, resp, ErrNotSupported,
			fmt.Sprintf("Your %s board is not supported.", chip), string(chip),
			fmt.Errorf("manifest %q has no build for %s", mf.Name, chip))
	}
	r.emit.update(func(rc *RunContext) { rc.Build = build })

	m.logger.Info("build_selected", "run_id", r.id, "chip_family", chip, "parts", len(build.Parts), "improv", build.Improv)
	return fsm.NewResponse(resp), nil
}

// handlePrepare downloads every part while the flasher stub uploads
func (m *Machine) handlePrepare(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	r, resp, err := m.begin(req)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fsm_state_prepare", "run_id", r.id)

	r.emit.emit(StatePreparing, "Preparing installation...", PhaseDetails{Done: false})

	rc := r.emit.runContext()
	type downloadResult struct {
		firmware *fetch.Firmware
		err      error
	}
	downloads := make(chan downloadResult, 1)
	go func() {
		fw, err := fetch.DownloadParts(r.ctx, m.fetcher, rc.Manifest, rc.Build, m.validator)
		downloads <- downloadResult{firmware: fw, err: err}
	}()

	stub, err := r.conn.RunStub(r.ctx)
	if err != nil {
		return nil, m.fail(r, resp, ErrFailedInitializing, initializeFailedMessage, err.Error(), err)
	}
	r.stub = stub
	m.logger.Info("device_stub_running", "run_id", r.id)

	dl := <-downloads
	if dl.err != nil {
		message := fmt.Sprintf("Downloading firmware failed: %v", dl.err)
		var dlErr *fetch.DownloadError
		if errors.As(dl.err, &dlErr) && dlErr.StatusCode != 0 {
			message = fmt.Sprintf("Downloading firmware %s failed: %d", dlErr.Path, dlErr.StatusCode)
		}
		return nil, m.fail(r, resp, ErrFailedFirmwareDownload, message, dl.err.Error(), dl.err)
	}

	r.firmware = dl.firmware
	resp.BytesTotal = dl.firmware.BytesTotal
	resp.Digest = dl.firmware.Digest()

	m.logger.Info("firmware_ready", "run_id", r.id, "bytes_total", resp.BytesTotal, "blake3", resp.Digest[:16]+"...")
	r.emit.emit(StatePreparing, "Installation prepared", PhaseDetails{Done: true})

	return fsm.NewResponse(resp), nil
}

// handleErase erases the whole flash when the run asked for it
func (m *Machine) handleErase(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	r, resp, err := m.begin(req)
	if err != nil {
		return nil, err
	}

	if !r.eraseFirst {
		m.logger.Info("erase_skipped", "run_id", r.id)
		return fsm.NewResponse(resp), nil
	}
	m.logger.Info("fsm_state_erase", "run_id", r.id)

	r.emit.emit(StateErasing, "Erasing device...", PhaseDetails{Done: false})

	if err := r.stub.EraseFlash(r.ctx); err != nil {
		return nil, m.fail(r, resp, ErrWriteFailed, "Erasing failed", err.Error(), err)
	}

	r.emit.emit(StateErasing, "Device erased", PhaseDetails{Done: true})
	return fsm.NewResponse(resp), nil
}

// handleWrite writes every part in manifest order
func (m *Machine) handleWrite(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	r, resp, err := m.begin(req)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fsm_state_write", "run_id", r.id, "parts", len(r.firmware.Images))

	total := r.firmware.BytesTotal
	digest := resp.Digest
	tracker := progress.New(total)
	writing := func(written, pct int) {
		r.emit.emit(StateWriting, fmt.Sprintf("Writing progress: %d%%", pct), WritingDetails{
			BytesTotal:   total,
			BytesWritten: written,
			Percentage:   pct,
			Digest:       digest,
		})
	}

	writing(0, tracker.Start())

	var mu sync.Mutex
	totalWritten := 0
	for _, img := range r.firmware.Images {
		base := totalWritten
		onProgress := func(written int) {
			mu.Lock()
			defer mu.Unlock()
			if pct, ok := tracker.Update(base + written); ok {
				writing(base+written, pct)
			}
		}

		m.logger.Info("part_write_start", "run_id", r.id, "part", img.Part.String(), "bytes", len(img.Data))
		if err := r.stub.FlashData(r.ctx, img.Data, img.Part.Offset, onProgress, true); err != nil {
			return nil, m.fail(r, resp, ErrWriteFailed, "Writing failed", err.Error(), err)
		}
		totalWritten += len(img.Data)
	}

	mu.Lock()
	writing(total, tracker.Complete())
	mu.Unlock()

	return fsm.NewResponse(resp), nil
}

// handleFinish lets the board settle, resets it and releases the port
func (m *Machine) handleFinish(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	r, resp, err := m.begin(req)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fsm_state_finish", "run_id", r.id)

	if m.settleDelay > 0 {
		time.Sleep(m.settleDelay)
	}

	// The image is already written; reset and disconnect problems are
	// reported in the log only.
	if err := r.conn.HardReset(r.ctx); err != nil {
		m.logger.Warn("device_reset_failed", "run_id", r.id, "error", err)
	}
	m.disconnect(r)

	resp.Status = string(StateFinished)
	r.emit.emit(StateFinished, "All done!", FinishedDetails{})

	m.logger.Info("fsm_complete", "run_id", r.id, "bytes_total", resp.BytesTotal)
	return fsm.NewResponse(resp), nil
}
