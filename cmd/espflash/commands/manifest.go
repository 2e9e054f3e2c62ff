package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Tamovina/esp-update/internal/config"
	"github.com/Tamovina/esp-update/pkg/errors"
	"github.com/Tamovina/esp-update/pkg/fetch"
	"github.com/Tamovina/esp-update/pkg/manifest"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	manifestChip   string
	manifestFormat string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest <manifest-url>",
	Short: "Show a firmware manifest or the build selected for a chip",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifest,
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.Flags().StringVar(&manifestChip, "chip", "", "Only show the build for this chip family")
	manifestCmd.Flags().StringVar(&manifestFormat, "format", "yaml", "Output format (yaml, json)")
}

func runManifest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}

	m, err := fetch.FetchManifest(ctx, fetcher, args[0])
	if err != nil {
		return err
	}

	var out any = m
	if manifestChip != "" {
		build, ok := m.BuildFor(manifest.ChipFamily(manifestChip))
		if !ok {
			return fmt.Errorf("manifest %q has no build for %s (has %v)", m.Name, manifestChip, m.ChipFamilies())
		}
		out = build
	}

	return writeManifest(out, manifestFormat)
}

func writeManifest(v any, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
