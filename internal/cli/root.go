// Package cli is the Cobra-based command surface for mediagrab, wiring
// user-facing flags onto the Playlist Pipeline and Live Recorder.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mediagrab",
	Short: "Fetch and reassemble HLS/M3U8 media from the command line",
}

// Execute runs the root command, printing any error it returns and exiting
// with status 1. fetch exits on its own with mediaerr.ExitCode's mapping
// when the pipeline or live recorder fails.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
