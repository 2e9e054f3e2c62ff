package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/Tamovina/esp-update/internal/config"
	"github.com/Tamovina/esp-update/pkg/db"
	"github.com/Tamovina/esp-update/pkg/device"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/Tamovina/esp-update/pkg/flash"
	"github.com/Tamovina/esp-update/pkg/manifest"
	"github.com/Tamovina/esp-update/pkg/security"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var (
	flashErase    bool
	flashSimulate bool
	flashChip     string
	flashFailAt   string
	flashLatency  time.Duration
	flashCancel   bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <manifest-url>",
	Short: "Flash the firmware described by a manifest",
	Long: `Connects to a board, selects the manifest build for its chip family,
downloads the parts, optionally erases the flash and writes every part.

Manifest URLs may be http(s)://, s3://bucket/key, file:// or a local path.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().BoolVar(&flashErase, "erase", false, "Erase the whole flash before writing")
	flashCmd.Flags().BoolVar(&flashSimulate, "simulate", false, "Flash an in-memory simulated board")
	flashCmd.Flags().StringVar(&flashChip, "chip", string(manifest.ChipESP32), "Chip family of the simulated board")
	flashCmd.Flags().StringVar(&flashFailAt, "fail-at", "", "Make the simulated board fail at a step (connect, initialize, run_stub, erase_flash, flash_data, hard_reset, disconnect)")
	flashCmd.Flags().BoolVar(&flashCancel, "cancel", false, "Simulate aborting device selection")
	flashCmd.Flags().DurationVar(&flashLatency, "latency", 0, "Per-operation latency of the simulated board")
}

func runFlash(cmd *cobra.Command, args []string) error {
	manifestURL := args[0]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	validator := security.NewValidator(cfg.MaxPartSize, cfg.MaxTotalSize)
	if err := validator.ValidateURL(manifestURL); err != nil {
		return err
	}

	port, err := newPort()
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.HistoryDBPath, cfg.FSMDBPath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryDBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}

	bus := flash.NewBus()
	defer db.NewRecorder(repo).Attach(bus)()

	var final flash.FlashState
	defer bus.Subscribe(func(s flash.FlashState) {
		logState(s)
		final = s
	})()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := flash.NewMachine(fetcher, port, bus,
		flash.WithValidator(validator),
		flash.WithSettleDelay(cfg.SettleDelay),
		flash.WithLogger(slog.Default()))

	flasher, err := flash.NewFlasher(ctx, manager, machine)
	if err != nil {
		return err
	}

	if err := flasher.Flash(ctx, manifestURL, flashErase); err != nil {
		return err
	}

	switch final.State {
	case flash.StateFinished:
		fmt.Printf("✅ %s\n", final.Message)
		return nil
	case flash.StateError:
		fmt.Printf("❌ %s\n", final.Message)
		return final.Err()
	default:
		fmt.Println("Device selection cancelled")
		return nil
	}
}

// newPort returns the board to flash. Only the simulated board is built
// in; serial transports plug in through device.Port.
func newPort() (device.Port, error) {
	if !flashSimulate {
		return nil, fmt.Errorf("no serial transport available, use --simulate")
	}

	simCfg := device.SimulatorConfig{
		Chip:          manifest.ChipFamily(flashChip),
		Latency:       flashLatency,
		CancelConnect: flashCancel,
	}
	if flashFailAt != "" {
		step := device.Step(flashFailAt)
		if !validStep(step) {
			return nil, fmt.Errorf("unknown step %q", flashFailAt)
		}
		simCfg.Fail = map[device.Step]error{step: fmt.Errorf("simulated %s failure", step)}
	}
	return device.NewSimulator(simCfg), nil
}

func validStep(step device.Step) bool {
	for _, s := range device.Steps {
		if s == step {
			return true
		}
	}
	return false
}

func logState(s flash.FlashState) {
	attrs := []any{"run_id", s.RunID, "state", s.State, "message", s.Message}
	if s.ChipFamily != "" {
		attrs = append(attrs, "chip_family", s.ChipFamily)
	}
	switch d := s.Details.(type) {
	case flash.PhaseDetails:
		attrs = append(attrs, "done", d.Done)
	case flash.WritingDetails:
		attrs = append(attrs, "bytes_written", d.BytesWritten, "bytes_total", d.BytesTotal, "percentage", d.Percentage)
	case flash.ErrorDetails:
		attrs = append(attrs, "error", d.Error, "details", d.Details)
	}
	slog.Info("flash_state_changed", attrs...)
}
