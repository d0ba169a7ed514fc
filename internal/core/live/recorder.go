// Package live implements the Live Recorder: polling a media
// playlist that lacks #EXT-X-ENDLIST, collecting newly-appeared segments
// under the same bounded-concurrency machinery the Playlist Pipeline uses,
// until the stream ends or the caller cancels.
package live

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mediagrab/mediagrab/internal/core/cancelctx"
	"github.com/mediagrab/mediagrab/internal/core/filetransfer"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
	"github.com/mediagrab/mediagrab/internal/core/mux"
	"github.com/mediagrab/mediagrab/internal/core/playlist"
	"github.com/mediagrab/mediagrab/internal/core/scheduler"
	"github.com/mediagrab/mediagrab/internal/core/store"
)

// DefaultPollInterval is the default interval between playlist polls.
const DefaultPollInterval = 3000 * time.Millisecond

// Fetcher is the playlist-text surface the recorder needs.
type Fetcher interface {
	GetText(ctx context.Context, url string, headers map[string]string) (string, error)
}

// ChunkCounter mirrors pipeline.ChunkCounter; the recorder clears its own
// chunks on exit the same way the Playlist Pipeline does.
type ChunkCounter interface {
	Count(ctx context.Context, downloadID string) (int64, error)
	DeleteAll(ctx context.Context, downloadID string) error
}

// StateStore mirrors pipeline.StateStore.
type StateStore interface {
	Create(ctx context.Context, st store.DownloadState) error
	Update(ctx context.Context, st store.DownloadState) error
	Get(ctx context.Context, id string) (store.DownloadState, error)
}

// FragmentScheduler runs one batch of fragments to completion.
type FragmentScheduler interface {
	Run(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error
}

// MuxClient is the Mux Bridge surface the recorder drives once recording
// stops.
type MuxClient interface {
	Request(ctx context.Context, req mux.Request) (<-chan mux.Response, error)
}

// Saver matches filetransfer.Save's signature.
type Saver func(ctx context.Context, blobRef, outDir, filename string, events chan<- filetransfer.Event) (string, error)

// Options tunes one recording run.
type Options struct {
	OutputDir          string
	MaxConcurrent      int
	RetriesPerFragment int
	PollInterval       time.Duration // defaults to DefaultPollInterval
}

// Recorder drives the Live Recorder algorithm.
type Recorder struct {
	fetcher Fetcher
	chunks  ChunkCounter
	states  StateStore
	sched   FragmentScheduler
	muxer   MuxClient
	save    Saver
	logger  *log.Logger

	now func() time.Time
}

// New returns a Recorder.
func New(fetcher Fetcher, chunks ChunkCounter, states StateStore, sched FragmentScheduler, muxer MuxClient, save Saver) *Recorder {
	return &Recorder{fetcher: fetcher, chunks: chunks, states: states, sched: sched, muxer: muxer, save: save, now: time.Now}
}

// WithLogger attaches a logger for poll-failure and stage-transition
// diagnostics. The recorder runs identically with a nil logger.
func (r *Recorder) WithLogger(logger *log.Logger) *Recorder {
	r.logger = logger
	return r
}

// Run records url (a live media or master playlist) into outputDir/filename
// under downloadID.
func (r *Recorder) Run(ctx context.Context, url, filename, downloadID string, opts Options) (string, error) {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	defer func() {
		_ = r.chunks.DeleteAll(context.Background(), downloadID)
	}()

	if err := r.states.Create(ctx, store.DownloadState{
		ID:        downloadID,
		URL:       url,
		CreatedAt: r.now(),
		UpdatedAt: r.now(),
		Progress:  store.Progress{Stage: store.StageRecording},
	}); err != nil {
		return "", err
	}

	mediaURL, err := r.resolveMediaURL(ctx, url)
	if err != nil {
		return "", r.fail(ctx, downloadID, err)
	}

	seen := make(map[string]bool)
	segmentIndex := 0
	var bytesDownloaded int64

	for {
		if err := cancelctx.ThrowIfCancelled(ctx); err != nil {
			return "", r.fail(ctx, downloadID, err)
		}

		text, err := r.fetcher.GetText(ctx, mediaURL, nil)
		if err != nil {
			if mediaerr.IsCancelled(err) {
				return "", r.fail(ctx, downloadID, err)
			}
			if r.logger != nil {
				r.logger.With("download_id", downloadID).Warn("transient playlist poll failure, retrying", "err", err)
			}
			if err := r.sleep(ctx, poll); err != nil {
				return "", r.fail(ctx, downloadID, err)
			}
			continue
		}

		frags, parseErr := playlist.ParseMedia(text, mediaURL)
		if parseErr == nil {
			fresh := make([]playlist.Fragment, 0, len(frags))
			for _, f := range frags {
				if seen[f.URI] {
					continue
				}
				seen[f.URI] = true
				f.Index = segmentIndex
				segmentIndex++
				fresh = append(fresh, f)
			}

			if len(fresh) > 0 {
				batchBytes, schedErr := r.runBatch(ctx, downloadID, fresh, opts)
				if schedErr != nil {
					return "", r.fail(ctx, downloadID, schedErr)
				}
				bytesDownloaded += batchBytes
			}

			if err := r.persistRecording(ctx, downloadID, segmentIndex, bytesDownloaded); err != nil {
				return "", err
			}
		}

		if playlist.HasEndlist(text) {
			break
		}

		if err := r.sleep(ctx, poll); err != nil {
			return "", r.fail(ctx, downloadID, err)
		}
	}

	if segmentIndex == 0 {
		return "", r.fail(ctx, downloadID, mediaerr.NoSegmentsRecorded())
	}

	return r.mergeSaveComplete(ctx, downloadID, filename, segmentIndex, opts.OutputDir)
}

// resolveMediaURL implements step 1: master playlists get resolved to their
// highest-bitrate video variant; everything else is used as-is.
func (r *Recorder) resolveMediaURL(ctx context.Context, url string) (string, error) {
	text, err := r.fetcher.GetText(ctx, url, nil)
	if err != nil {
		return "", err
	}
	if !playlist.IsMaster(text) {
		return url, nil
	}
	levels, err := playlist.ParseMaster(text, url)
	if err != nil {
		return "", err
	}
	var streams []playlist.Level
	for _, l := range levels {
		if l.Type == playlist.LevelStream {
			streams = append(streams, l)
		}
	}
	if len(streams) == 0 {
		return "", mediaerr.UnclassifiedPlaylist()
	}
	sort.SliceStable(streams, func(i, j int) bool {
		if streams[i].Bitrate != streams[j].Bitrate {
			return streams[i].Bitrate > streams[j].Bitrate
		}
		return streams[i].Height > streams[j].Height
	})
	return streams[0].URI, nil
}

// runBatch schedules one poll's worth of new fragments, reusing the
// Fragment Scheduler with a single-batch input, and returns the bytes it
// downloaded. The recorder deliberately carries no failure-rate threshold: a
// batch that trips the Scheduler's excessive-failure or
// no-fragments-downloaded checks is not fatal here, since the next poll may
// simply pick up what this one missed. Only a genuine cancellation aborts
// the recording.
func (r *Recorder) runBatch(ctx context.Context, downloadID string, frags []playlist.Fragment, opts Options) (int64, error) {
	var batchBytes int64
	hook := func(downloadedBytes, estimatedTotal int64, downloadedCount, failedCount int) {
		batchBytes = downloadedBytes
	}
	schedOpts := scheduler.Options{MaxConcurrent: opts.MaxConcurrent, RetriesPerFragment: opts.RetriesPerFragment}
	err := r.sched.Run(ctx, downloadID, frags, schedOpts, hook)
	if err != nil && mediaerr.IsCancelled(err) {
		return batchBytes, err
	}
	return batchBytes, nil
}

func (r *Recorder) persistRecording(ctx context.Context, downloadID string, segmentIndex int, bytesDownloaded int64) error {
	st, err := r.states.Get(ctx, downloadID)
	if err != nil {
		return err
	}
	st.UpdatedAt = r.now()
	st.Progress.Stage = store.StageRecording
	st.Progress.SegmentsCollected = segmentIndex
	st.Progress.Downloaded = bytesDownloaded
	st.Progress.Message = fmt.Sprintf("%d segments recorded", segmentIndex)
	return r.states.Update(ctx, st)
}

// sleep waits for interval or ctx cancellation, whichever comes first.
func (r *Recorder) sleep(ctx context.Context, interval time.Duration) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return mediaerr.Cancelled()
	}
}

// mergeSaveComplete runs MERGING via the media-mode
// muxer with fragmentCount=segmentIndex, then SAVING, then COMPLETED.
func (r *Recorder) mergeSaveComplete(ctx context.Context, downloadID, filename string, segmentIndex int, outputDir string) (string, error) {
	if err := r.transition(ctx, downloadID, store.StageMerging, ""); err != nil {
		return "", err
	}

	respCh, err := r.muxer.Request(ctx, mux.Request{
		Kind:       mux.KindMedia,
		DownloadID: downloadID,
		Filename:   filename,
		Counts:     mux.Counts{FragmentCount: segmentIndex},
		OutputDir:  outputDir,
	})
	if err != nil {
		return "", r.fail(ctx, downloadID, err)
	}

	var blobRef string
	for resp := range respCh {
		switch resp.Kind {
		case mux.RespSuccess:
			blobRef = resp.BlobRef
		case mux.RespError:
			return "", r.fail(ctx, downloadID, resp.Err)
		}
	}
	if blobRef == "" {
		return "", r.fail(ctx, downloadID, mediaerr.MuxErrorf("mux finished without a result for %s", downloadID))
	}

	if err := r.transition(ctx, downloadID, store.StageSaving, ""); err != nil {
		return "", err
	}

	events := make(chan filetransfer.Event, 16)
	go func() {
		for range events {
		}
	}()
	fileID, err := r.save(ctx, blobRef, outputDir, filename, events)
	close(events)
	if err != nil {
		return "", r.fail(ctx, downloadID, err)
	}

	st, err := r.states.Get(ctx, downloadID)
	if err != nil {
		return "", err
	}
	st.UpdatedAt = r.now()
	st.Progress.Stage = store.StageCompleted
	st.Progress.Percentage = 100
	st.Progress.Message = "completed"
	st.LocalPath = filepath.Join(outputDir, filename)
	st.ChromeDownloadID = fileID
	if err := r.states.Update(ctx, st); err != nil {
		return "", err
	}
	return st.LocalPath, nil
}

func (r *Recorder) transition(ctx context.Context, downloadID string, stage store.Stage, message string) error {
	if r.logger != nil {
		r.logger.With("download_id", downloadID).Info("stage transition", "stage", stage)
	}
	st, err := r.states.Get(ctx, downloadID)
	if err != nil {
		return err
	}
	st.UpdatedAt = r.now()
	st.Progress.Stage = stage
	if message != "" {
		st.Progress.Message = message
	}
	return r.states.Update(ctx, st)
}

func (r *Recorder) fail(ctx context.Context, downloadID string, err error) error {
	stage := store.StageFailed
	if mediaerr.IsCancelled(err) {
		stage = store.StageCancelled
	}
	st, getErr := r.states.Get(ctx, downloadID)
	if getErr == nil {
		st.UpdatedAt = r.now()
		st.Progress.Stage = stage
		st.Progress.Error = err.Error()
		_ = r.states.Update(ctx, st)
	}
	return err
}
