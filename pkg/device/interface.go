// Package device defines the ESP bootloader collaborator the flash
// orchestrator drives. Serial framing and the ROM protocol live behind
// these interfaces; this package only ships an in-memory Simulator.
package device

import (
	"context"
	"errors"

	"github.com/Tamovina/esp-update/pkg/manifest"
)

// ErrCancelled is returned by Port.Connect when the user aborts device
// selection. Runs end silently on it.
var ErrCancelled = errors.New("device selection cancelled")

// ProgressFunc receives the number of bytes of the current FlashData call
// written so far. It is invoked within the FlashData call.
type ProgressFunc func(written int)

// Port opens a connection to a board
type Port interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is an open connection to a board's ROM bootloader. A Conn is owned
// by a single flash run.
type Conn interface {
	// Initialize performs the bootloader handshake and detects the chip
	Initialize(ctx context.Context) error

	// ChipFamily is valid after a successful Initialize
	ChipFamily() manifest.ChipFamily

	// RunStub uploads the flasher stub and returns a handle to it
	RunStub(ctx context.Context) (Stub, error)

	// HardReset reboots the board into the application
	HardReset(ctx context.Context) error

	// Disconnect releases the connection
	Disconnect(ctx context.Context) error

	// Connected reports whether the connection is still open
	Connected() bool
}

// Stub is the flasher program running in device RAM
type Stub interface {
	// EraseFlash erases the entire flash
	EraseFlash(ctx context.Context) error

	// FlashData writes data at offset, reporting progress as it goes
	FlashData(ctx context.Context, data []byte, offset uint32, onProgress ProgressFunc, compress bool) error
}
