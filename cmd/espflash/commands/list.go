package commands

import (
	"fmt"

	"github.com/Tamovina/esp-update/internal/config"
	"github.com/Tamovina/esp-update/pkg/db"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List flash runs and their outcome",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.HistoryDBPath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.HistoryDBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No flash runs found")
		return nil
	}

	fmt.Printf("%-36s %-10s %-12s %-24s %-10s %-20s\n", "RUN ID", "CHIP", "STATE", "FIRMWARE", "BYTES", "STARTED")
	fmt.Println("----------------------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		fmt.Printf("%-36s %-10s %-12s %-24s %-10s %-20s\n",
			run.RunID, orDash(run.ChipFamily), run.State, orDash(run.ManifestName), bytesOrDash(run.BytesTotal), run.CreatedAt)
		if run.ErrorKind != "" {
			fmt.Printf("    %s: %s\n", run.ErrorKind, run.ErrorMessage)
		}
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func bytesOrDash(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}
