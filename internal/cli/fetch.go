package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	charmlog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mediagrab/mediagrab/internal/core/config"
	"github.com/mediagrab/mediagrab/internal/core/fetch"
	"github.com/mediagrab/mediagrab/internal/core/filetransfer"
	"github.com/mediagrab/mediagrab/internal/core/fragcrypt"
	"github.com/mediagrab/mediagrab/internal/core/headers"
	"github.com/mediagrab/mediagrab/internal/core/live"
	"github.com/mediagrab/mediagrab/internal/core/logging"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
	"github.com/mediagrab/mediagrab/internal/core/mux"
	"github.com/mediagrab/mediagrab/internal/core/pipeline"
	"github.com/mediagrab/mediagrab/internal/core/progress"
	"github.com/mediagrab/mediagrab/internal/core/scheduler"
	"github.com/mediagrab/mediagrab/internal/core/store"
)

var fetchFlags struct {
	out            string
	quality        string
	pageURL        string
	maxConcurrent  int
	muxTimeoutSecs int
	saveOnCancel   bool
	recordLive     bool
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download and reassemble an HLS/M3U8 media URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchFlags.out, "out", "", "output filename (required)")
	fetchCmd.Flags().StringVar(&fetchFlags.quality, "quality", "auto", `"auto" or "<videoUri>[,<audioUri>]"`)
	fetchCmd.Flags().StringVar(&fetchFlags.pageURL, "page-url", "", "originating page URL, for header injection")
	fetchCmd.Flags().IntVar(&fetchFlags.maxConcurrent, "max-concurrent", 0, "override configured fragment concurrency")
	fetchCmd.Flags().IntVar(&fetchFlags.muxTimeoutSecs, "mux-timeout-secs", 0, "override configured mux timeout")
	fetchCmd.Flags().BoolVar(&fetchFlags.saveOnCancel, "save-on-cancel", false, "keep a partial file if cancelled mid-download")
	fetchCmd.Flags().BoolVar(&fetchFlags.recordLive, "record-live", false, "poll a live playlist until it ends instead of a one-shot fetch")
	_ = fetchCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	url := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	config.ApplyEnv(cfg)
	if fetchFlags.maxConcurrent > 0 {
		cfg.MaxConcurrent = fetchFlags.maxConcurrent
	}
	if fetchFlags.muxTimeoutSecs > 0 {
		cfg.MuxTimeoutSecs = fetchFlags.muxTimeoutSecs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	defer signal.Stop(sig)

	dbPath, err := config.ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return err
	}
	db, err := store.Open(filepath.Join(dbPath, "mediagrab.db"))
	if err != nil {
		return err
	}
	chunkStore, err := store.NewChunkStore(db)
	if err != nil {
		return err
	}
	stateStore, err := store.NewStateStore(db)
	if err != nil {
		return err
	}

	logger := logging.New(charmlog.InfoLevel)
	httpClient := fetch.New()
	cryptor := fragcrypt.New(httpClient)
	sched := scheduler.New(httpClient, cryptor, chunkStore).WithLogger(logger)
	headerReg := headers.New()
	muxBridge := mux.New(chunkStore).WithTimeout(time.Duration(cfg.MuxTimeoutSecs) * time.Second)
	muxBridge.Start(ctx)

	downloadID := uuid.NewString()
	outputDir := filepath.Dir(fetchFlags.out)
	filename := filepath.Base(fetchFlags.out)
	if outputDir == "" || outputDir == "." {
		outputDir = cfg.OutputDir
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	videoURI, audioURI := parseQuality(fetchFlags.quality)

	var shouldSaveOnCancel func() bool
	if fetchFlags.saveOnCancel {
		shouldSaveOnCancel = func() bool { return true }
	}

	opts := pipeline.Options{
		OutputDir:          outputDir,
		MaxConcurrent:      cfg.MaxConcurrent,
		VideoURI:           videoURI,
		AudioURI:           audioURI,
		ShouldSaveOnCancel: shouldSaveOnCancel,
	}

	if fetchFlags.recordLive {
		return runLive(ctx, logger, httpClient, chunkStore, stateStore, sched, muxBridge, url, filename, downloadID, outputDir)
	}
	return runOneShot(ctx, logger, httpClient, chunkStore, stateStore, sched, headerReg, muxBridge, url, filename, downloadID, fetchFlags.pageURL, opts)
}

func runOneShot(ctx context.Context, logger *charmlog.Logger, httpClient *fetch.Client, chunkStore *store.ChunkStore, stateStore *store.StateStore, sched *scheduler.Scheduler, headerReg *headers.Registry, muxBridge *mux.Bridge, url, filename, downloadID, pageURL string, opts pipeline.Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	saver := pipeline.Saver(filetransfer.Save)
	p := pipeline.New(httpClient, chunkStore, stateStore, sched, headerReg, muxBridge, saver, nil).WithLogger(logger)

	trackerCh := make(chan *progress.Tracker, 1)
	p.WithTrackerHook(func(t *progress.Tracker) { trackerCh <- t })

	type result struct {
		path string
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		path, err := p.Run(ctx, url, filename, downloadID, pageURL, opts)
		resultCh <- result{path, err}
	}()

	tracker := <-trackerCh
	program := tea.NewProgram(progress.NewModel(filename, tracker))
	go func() {
		r := <-resultCh
		progress.Done(program, r.err)
		resultCh <- r
	}()
	if _, err := program.Run(); err != nil {
		return err
	}
	// The view also quits on q/ctrl+c before the run is done; that cancels it.
	cancel()
	r := <-resultCh
	if r.err != nil {
		os.Exit(mediaerr.ExitCode(r.err))
	}
	fmt.Println(r.path)
	return nil
}

func runLive(ctx context.Context, logger *charmlog.Logger, httpClient *fetch.Client, chunkStore *store.ChunkStore, stateStore *store.StateStore, sched *scheduler.Scheduler, muxBridge *mux.Bridge, url, filename, downloadID, outputDir string) error {
	saver := live.Saver(filetransfer.Save)
	r := live.New(httpClient, chunkStore, stateStore, sched, muxBridge, saver).WithLogger(logger)

	path, err := r.Run(ctx, url, filename, downloadID, live.Options{OutputDir: outputDir})
	if err != nil {
		os.Exit(mediaerr.ExitCode(err))
	}
	fmt.Println(path)
	return nil
}

// parseQuality splits --quality's "<videoUri>[,<audioUri>]" form; "auto" or
// an empty string means auto-select.
func parseQuality(quality string) (videoURI, audioURI string) {
	if quality == "" || strings.EqualFold(quality, "auto") {
		return "", ""
	}
	parts := strings.SplitN(quality, ",", 2)
	videoURI = parts[0]
	if len(parts) == 2 {
		audioURI = parts[1]
	}
	return videoURI, audioURI
}
