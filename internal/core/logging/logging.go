// Package logging wraps charmbracelet/log the way the pipeline's packages
// need it: one configured logger per run, carrying stage and download_id
// fields through With() so log lines never repeat them by hand. This is
// strictly operator-facing — user progress goes through the bubbles/progress
// TUI model in internal/core/progress, never through here.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New returns a logger at the given level, writing to stderr so it never
// interleaves with a TUI drawn on stdout.
func New(level log.Level) *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           level,
	})
}

// ForDownload scopes logger with the fields every Pipeline/Scheduler/Live
// Recorder log line carries: the download it belongs to and its stage.
func ForDownload(logger *log.Logger, downloadID, stage string) *log.Logger {
	return logger.With("download_id", downloadID, "stage", stage)
}
