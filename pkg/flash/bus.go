package flash

import (
	"log/slog"
	"sync"
)

// Subscriber receives every published state
type Subscriber func(FlashState)

// Bus publishes flash states to subscribers. Delivery is synchronous and
// in subscription order, so subscribers observe each run's states in the
// order they were emitted. Subscribers must not publish.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs []subscription
}

type subscription struct {
	id int
	fn Subscriber
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers state to every current subscriber
func (b *Bus) Publish(state FlashState) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(state)
	}
}

// emitter publishes the states of one run. It merges the run context into
// every snapshot and drops anything after a terminal state.
type emitter struct {
	bus    *Bus
	logger *slog.Logger
	runID  string

	mu       sync.Mutex
	rc       RunContext
	current  *FlashState
	terminal bool
}

func newEmitter(bus *Bus, logger *slog.Logger, runID string) *emitter {
	return &emitter{bus: bus, logger: logger, runID: runID}
}

// update merges newly learned context. Set fields are never cleared.
func (e *emitter) update(fn func(rc *RunContext)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.rc
	fn(&e.rc)
	if e.rc.ManifestURL == "" {
		e.rc.ManifestURL = prev.ManifestURL
	}
	if e.rc.Manifest == nil {
		e.rc.Manifest = prev.Manifest
	}
	if e.rc.Build == nil {
		e.rc.Build = prev.Build
	}
	if e.rc.ChipFamily == "" {
		e.rc.ChipFamily = prev.ChipFamily
	}
}

func (e *emitter) runContext() RunContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rc
}

func (e *emitter) emit(state StateType, message string, details Details) {
	e.mu.Lock()
	if e.terminal {
		e.mu.Unlock()
		e.logger.Warn("flash_state_after_terminal", "run_id", e.runID, "state", state)
		return
	}
	s := FlashState{
		RunID:       e.runID,
		State:       state,
		Message:     message,
		ManifestURL: e.rc.ManifestURL,
		Manifest:    e.rc.Manifest,
		Build:       e.rc.Build,
		ChipFamily:  e.rc.ChipFamily,
		Details:     details,
	}
	e.current = &s
	e.terminal = s.Terminal()
	e.mu.Unlock()

	e.logger.Debug("flash_state", "run_id", e.runID, "state", state, "message", message)
	e.bus.Publish(s)
}

// Current returns the last emitted state
func (e *emitter) Current() (FlashState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return FlashState{}, false
	}
	return *e.current, true
}

func (e *emitter) finished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}
