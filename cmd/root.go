// Package cmd defines and implements the CLI commands for the iiif-harvest
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iiif-harvest",
		Short: "Ingests an IIIF collection tree into a durable manifest cache.",
		Long: `iiif-harvest walks a remote IIIF Collection/Manifest tree, normalizes
every leaf resource to the canonical schema, resolves a representative
thumbnail per resource, and maintains an incrementally-updatable on-disk
cache so repeated builds skip unchanged data.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (optional)")
	cmd.AddCommand(newHarvestCmd())

	return cmd
}

// Execute is the main entry point. An interrupt stops dispatching new work
// promptly; in-flight fetches finish or are canceled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
