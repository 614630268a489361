// Package cmd provides command-line interface commands for bastion.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"bastion/rules"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
)

// Global flags
var (
	noColor bool
	quiet   bool
)

// NewRulesCmd creates the root rules command with all subcommands.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage bastion rule files",
		Long:  "Validate and inspect rule files before they are loaded by the engine.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	rulesCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rulesCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rulesCmd.AddCommand(newValidateCmd())

	return rulesCmd
}

// newValidateCmd creates the 'validate' subcommand.
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate rule files",
		Long:  "Check rule files against the schema and compile their conditions, reporting every problem found.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop().Sugar()
			failed := 0

			for _, path := range args {
				loader, err := rules.NewLoader(filepath.Dir(path), rules.NewEngine(rules.EngineConfig{CacheTTL: time.Minute}, nil, logger), logger)
				if err != nil {
					return fmt.Errorf("failed to initialize validator: %w", err)
				}

				count, problems, err := loader.ValidateFile(path)
				_ = loader.Close()
				if err != nil {
					errorColor.Printf("✗ %s: %v\n", path, err)
					failed++
					continue
				}

				if len(problems) == 0 {
					if !quiet {
						successColor.Printf("✓ %s: %d rules valid\n", path, count)
					}
					continue
				}

				failed++
				warningColor.Printf("⚠ %s: %d of %d rules invalid\n", path, len(problems), count)
				indexes := make([]int, 0, len(problems))
				for idx := range problems {
					indexes = append(indexes, idx)
				}
				sort.Ints(indexes)
				for _, idx := range indexes {
					infoColor.Printf("  rule %d:\n", idx)
					for _, problem := range problems[idx] {
						fmt.Printf("    - %s\n", strings.TrimSpace(problem))
					}
				}
			}

			if failed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	return cmd
}
