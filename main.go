// Package main is the entry point for the bastion service.
package main

import (
	"context"
	"fmt"
	"os"

	"bastion/bootstrap"
	"bastion/cmd"
)

// run initializes and starts the bastion service.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()

	return nil
}

func main() {
	// CLI subcommands run one-shot and exit; anything else starts the
	// server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "rules":
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
			if err := cmd.NewRulesCmd().Execute(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "scan":
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
			if err := cmd.NewScanCmd().Execute(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
