// Package cmd defines the CLI commands for the chatfeed executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatfeed",
		Short: "Chat-source ingestion and publish pipeline",
		Long: `chatfeed ingests messages from chat sources, offloads media to blob
storage, publishes normalized events to the bus, and tracks durable
per-source cursors so no message is lost or skipped across restarts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
