package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Tamovina/esp-update/internal/config"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is the level of the default logger, set from configuration
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "espflash",
	Short: "ESP firmware installer",
	Long:  `Flashes ESP boards from a firmware manifest and keeps a history of every run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "config load failed")
		}
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		LogLevel.Set(level)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("history-db-path", ".artifacts/history.db", "Run history SQLite path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().Duration("http-timeout", 60*time.Second, "HTTP fetch timeout")
	rootCmd.PersistentFlags().Duration("settle-delay", 100*time.Millisecond, "Pause between the last write and the reset")
	rootCmd.PersistentFlags().Int64("max-part-size", 16*1024*1024, "Max firmware part size in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", 16*1024*1024, "Max total build size in bytes")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint override (path style)")
	rootCmd.PersistentFlags().Bool("s3-anonymous", false, "Access S3 without credentials")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{
		"history-db-path",
		"fsm-db-path",
		"http-timeout",
		"settle-delay",
		"max-part-size",
		"max-total-size",
		"s3-region",
		"s3-endpoint",
		"s3-anonymous",
		"log-level",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
