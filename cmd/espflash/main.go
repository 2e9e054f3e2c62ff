package main

import (
	"log/slog"
	"os"

	"github.com/Tamovina/esp-update/cmd/espflash/commands"
)

func main() {
	// Text logs on stdout; the root command raises or lowers the level
	// once configuration is loaded.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
