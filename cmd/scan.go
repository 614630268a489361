package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"bastion/config"
	"bastion/core"
	"bastion/detect"
	"bastion/storage"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const scanTimeout = 5 * time.Minute

// NewScanCmd creates the one-shot file integrity scan command. It shares
// the checksum baseline with the running service through the SQLite
// database, so offline scans and the scheduled cadence see the same
// history.
func NewScanCmd() *cobra.Command {
	var (
		artifacts    []string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a file integrity scan",
		Long:  "Hash the configured critical artifacts, compare them against the persisted baseline, and report anything new, changed, or missing.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
			defer cancel()

			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if len(artifacts) > 0 {
				cfg.Detector.Artifacts = artifacts
			}
			if len(cfg.Detector.Artifacts) == 0 {
				return fmt.Errorf("no artifacts configured: set detector.artifacts or pass --artifact")
			}

			logger := zap.NewNop().Sugar()
			sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, logger)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer sqlite.Close()

			detector := detect.NewDetector(detect.DetectorConfig{
				Artifacts: cfg.Detector.Artifacts,
			}, nil, core.NewBaselineSet(nil), sqlite, nil, logger)

			var s *spinner.Spinner
			if showProgress && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = fmt.Sprintf(" Scanning %d artifacts...", len(cfg.Detector.Artifacts))
				s.Start()
			}

			checksums, err := detector.PerformFileIntegrityScan(ctx)

			if s != nil {
				s.Stop()
			}

			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			renderScanResults(checksums)

			for _, cs := range checksums {
				if cs.Status == core.ChecksumChanged || cs.Status == core.ChecksumMissing {
					os.Exit(1)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&artifacts, "artifact", nil, "Artifact path to scan (repeatable, overrides config)")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	return cmd
}

func renderScanResults(checksums []core.ArtifactChecksum) {
	var unchanged int
	for _, cs := range checksums {
		switch cs.Status {
		case core.ChecksumChanged:
			errorColor.Printf("✗ changed   %s\n", cs.Path)
		case core.ChecksumMissing:
			warningColor.Printf("⚠ missing   %s", cs.Path)
			if !cs.LastSeen.IsZero() {
				fmt.Printf(" (last seen %s)", cs.LastSeen.Format(time.RFC3339))
			}
			fmt.Println()
		case core.ChecksumNew:
			infoColor.Printf("+ new       %s\n", cs.Path)
		default:
			unchanged++
		}
	}
	if !quiet {
		if unchanged == len(checksums) {
			successColor.Printf("✓ All %d artifacts unchanged\n", unchanged)
		} else {
			fmt.Printf("%d scanned, %d unchanged\n", len(checksums), unchanged)
		}
	}
}
