package db

import (
	"log/slog"
	"sync"

	"github.com/Tamovina/esp-update/pkg/flash"
)

// Recorder keeps run history in step with the states published on a bus.
// The row is created on a run's first state and updated on every later
// state change. Storage errors are logged; they never affect the run.
type Recorder struct {
	repo *Repository

	mu   sync.Mutex
	runs map[string]*Run
}

// NewRecorder creates a recorder writing to repo
func NewRecorder(repo *Repository) *Recorder {
	return &Recorder{repo: repo, runs: make(map[string]*Run)}
}

// Attach subscribes the recorder to bus and returns the unsubscribe func
func (rec *Recorder) Attach(bus *flash.Bus) func() {
	return bus.Subscribe(rec.Record)
}

// Record stores state. Writing states only touch the database when a run
// enters the writing state, not on every percentage.
func (rec *Recorder) Record(state flash.FlashState) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	run, ok := rec.runs[state.RunID]
	if !ok {
		run = &Run{
			RunID:       state.RunID,
			ManifestURL: state.ManifestURL,
			State:       string(state.State),
		}
		apply(run, state)
		if err := rec.repo.Create(run); err != nil {
			slog.Error("history_record_failed", "run_id", state.RunID, "state", state.State, "error", err)
			return
		}
		rec.runs[state.RunID] = run
		rec.forget(run)
		return
	}

	if run.State == string(state.State) && state.State == flash.StateWriting {
		return
	}

	apply(run, state)
	if err := rec.repo.Update(run); err != nil {
		slog.Error("history_record_failed", "run_id", state.RunID, "state", state.State, "error", err)
	}
	rec.forget(run)
}

// forget drops finished runs from memory
func (rec *Recorder) forget(run *Run) {
	if run.State == StateFinished || run.State == StateError {
		delete(rec.runs, run.RunID)
	}
}

func apply(run *Run, state flash.FlashState) {
	run.State = string(state.State)
	if state.Manifest != nil {
		run.ManifestName = state.Manifest.Name
	}
	if state.ChipFamily != "" {
		run.ChipFamily = string(state.ChipFamily)
	}

	switch d := state.Details.(type) {
	case flash.WritingDetails:
		run.BytesTotal = d.BytesTotal
		run.PartsDigest = d.Digest
	case flash.ErrorDetails:
		run.ErrorKind = string(d.Error)
		run.ErrorMessage = state.Message
	}
}
