package commands

import (
	"fmt"

	"github.com/Tamovina/esp-update/internal/config"
	"github.com/Tamovina/esp-update/pkg/db"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cleanupAll    bool
	cleanupRun    string
	cleanupFailed bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove flash run history",
	Long: `Remove recorded flash runs:
  --all          Remove every run
  --run <id>     Remove a specific run
  --failed       Remove runs that ended in an error`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all runs")
	cleanupCmd.Flags().StringVar(&cleanupRun, "run", "", "Remove a specific run by run id")
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Remove failed runs")
}

func runCleanup(cmd *cobra.Command, args []string) error {
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

	if cleanupAll {
		return cleanupAllRuns(repo)
	} else if cleanupRun != "" {
		return cleanupSpecificRun(repo, cleanupRun)
	} else if cleanupFailed {
		return cleanupFailedRuns(repo)
	} else {
		return fmt.Errorf("must specify --all, --run, or --failed")
	}
}

func cleanupAllRuns(repo *db.Repository) error {
	runs, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("🧹 Removing %d runs...\n", len(runs))

	for _, run := range runs {
		if err := repo.Delete(run.ID); err != nil {
			fmt.Printf("⚠️  Failed to remove %s: %v\n", run.RunID, err)
		} else {
			fmt.Printf("✅ Removed: %s\n", run.RunID)
		}
	}

	return nil
}

func cleanupSpecificRun(repo *db.Repository, runID string) error {
	run, err := repo.GetByRunID(runID)
	if err != nil {
		return errors.Wrap(err, "lookup failed")
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	if err := repo.Delete(run.ID); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("✅ Removed: %s\n", runID)
	return nil
}

func cleanupFailedRuns(repo *db.Repository) error {
	n, err := repo.DeleteByState(db.StateError)
	if err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("✅ Removed %d failed runs\n", n)
	return nil
}
