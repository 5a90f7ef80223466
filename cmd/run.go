package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/inspector/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the inspector in foreground",
	Long: `Run the inspector in foreground.

The inspector will:
  1. Load configuration from the config file
  2. Initialize logging, metrics, the Redis mirror and the viewer
  3. Accept clients and relay each one to the upstream server
  4. Handle signals for graceful shutdown (SIGTERM, SIGINT)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runInspector(); err != nil {
			exitWithError("inspector failed", err)
		}
	},
}

func runInspector() error {
	d, err := daemon.New(configFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Blocks until shutdown
	return d.Run()
}
