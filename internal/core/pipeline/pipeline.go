// Package pipeline implements the Playlist Pipeline orchestration: accept a
// playlist URL, classify and plan it (strategy.go), drive the Fragment
// Scheduler, hand the assembled chunks to the Mux Bridge, then save the
// muxed output through the host file-transfer facility.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mediagrab/mediagrab/internal/core/filetransfer"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
	"github.com/mediagrab/mediagrab/internal/core/mux"
	"github.com/mediagrab/mediagrab/internal/core/playlist"
	"github.com/mediagrab/mediagrab/internal/core/progress"
	"github.com/mediagrab/mediagrab/internal/core/scheduler"
	"github.com/mediagrab/mediagrab/internal/core/store"
)

// Fetcher is the subset of fetch.Client the pipeline needs for playlist
// text; fragment bytes go through the Scheduler instead.
type Fetcher interface {
	GetText(ctx context.Context, url string, headers map[string]string) (string, error)
}

// ChunkCounter is the subset of the Chunk Store the pipeline reads/clears
// directly, outside the Scheduler's write path.
type ChunkCounter interface {
	Count(ctx context.Context, downloadID string) (int64, error)
	DeleteAll(ctx context.Context, downloadID string) error
}

// StateStore is the subset of the state record CRUD the pipeline drives.
type StateStore interface {
	Create(ctx context.Context, st store.DownloadState) error
	Update(ctx context.Context, st store.DownloadState) error
	Get(ctx context.Context, id string) (store.DownloadState, error)
}

// FragmentScheduler runs one scheduling pass over a fragment list.
type FragmentScheduler interface {
	Run(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error
}

// HeaderRegistry is the Header-Injection Hook surface the pipeline drives.
type HeaderRegistry interface {
	Add(downloadID, cdnURL, pageURL string) []int64
	Remove(ruleIds []int64)
	HeadersFor(targetURL string) map[string]string
}

// MuxClient is the Mux Bridge surface the pipeline drives.
type MuxClient interface {
	Request(ctx context.Context, req mux.Request) (<-chan mux.Response, error)
}

// Saver matches filetransfer.Save's signature, letting tests inject a fake
// without touching the filesystem.
type Saver func(ctx context.Context, blobRef, outDir, filename string, events chan<- filetransfer.Event) (string, error)

// Options carries the per-run knobs Run takes beyond
// url/filename/downloadId/pageUrl.
type Options struct {
	OutputDir          string
	MaxConcurrent      int
	RetriesPerFragment int
	VideoURI           string // explicit master-mode quality override
	AudioURI           string
	ShouldSaveOnCancel func() bool
}

// Pipeline wires the Playlist Pipeline's collaborators.
type Pipeline struct {
	fetcher Fetcher
	chunks  ChunkCounter
	states  StateStore
	sched   FragmentScheduler
	headers HeaderRegistry
	muxer   MuxClient
	save    Saver
	notify  progress.NotifyFunc
	logger  *log.Logger

	onTracker func(*progress.Tracker)

	now func() time.Time
}

// WithLogger attaches a logger for stage-transition and swallowed
// header-rule diagnostics. The pipeline runs identically with a nil logger.
func (p *Pipeline) WithLogger(logger *log.Logger) *Pipeline {
	p.logger = logger
	return p
}

// WithTrackerHook registers a callback invoked once per Run with the
// Tracker instance that call constructed, letting a caller (e.g. the CLI)
// poll the same Tracker a TUI model renders from instead of recomputing
// progress state out of band.
func (p *Pipeline) WithTrackerHook(hook func(*progress.Tracker)) *Pipeline {
	p.onTracker = hook
	return p
}

// New returns a Pipeline. notify may be nil if nothing needs live progress
// updates (persistence to the StateStore always happens regardless).
func New(fetcher Fetcher, chunks ChunkCounter, states StateStore, sched FragmentScheduler, headers HeaderRegistry, muxer MuxClient, save Saver, notify progress.NotifyFunc) *Pipeline {
	return &Pipeline{
		fetcher: fetcher,
		chunks:  chunks,
		states:  states,
		sched:   sched,
		headers: headers,
		muxer:   muxer,
		save:    save,
		notify:  notify,
		now:     time.Now,
	}
}

// Run fetches, classifies, schedules, muxes, and saves the media at url,
// returning the local file path. ctx is the cancel handle.
func (p *Pipeline) Run(ctx context.Context, url, filename, downloadID, pageURL string, opts Options) (string, error) {
	ruleIDs := p.headers.Add(downloadID, url, pageURL)
	if len(ruleIDs) == 0 && pageURL != "" && p.logger != nil {
		p.logger.With("download_id", downloadID).Warn("header rules not installed, proceeding without them")
	}
	defer p.headers.Remove(ruleIDs)
	defer func() {
		_ = p.chunks.DeleteAll(context.Background(), downloadID)
	}()

	if err := p.states.Create(ctx, store.DownloadState{
		ID:        downloadID,
		URL:       url,
		CreatedAt: p.now(),
		UpdatedAt: p.now(),
		Progress:  store.Progress{Stage: store.StageDetecting},
	}); err != nil {
		return "", err
	}

	tracker := progress.New(p.persistFunc(downloadID), p.notify)
	tracker.SetStage(string(store.StageDetecting))
	if p.onTracker != nil {
		p.onTracker(tracker)
	}

	rootText, err := p.fetcher.GetText(ctx, url, p.headers.HeadersFor(url))
	if err != nil {
		return "", p.fail(ctx, downloadID, tracker, err)
	}
	if err := playlist.AssertDownloadable(rootText); err != nil {
		return "", p.fail(ctx, downloadID, tracker, err)
	}

	isMaster, err := playlist.Classify(rootText)
	if err != nil {
		return "", p.fail(ctx, downloadID, tracker, err)
	}

	plan, err := p.buildPlan(ctx, isMaster, rootText, url, opts)
	if err != nil {
		return "", p.fail(ctx, downloadID, tracker, err)
	}

	if err := p.transition(ctx, downloadID, store.StageDownloading, tracker, ""); err != nil {
		return "", err
	}

	total := len(plan.Fragments)
	hook := func(downloadedBytes, estimatedTotal int64, downloadedCount, failedCount int) {
		tracker.Update(downloadedBytes, estimatedTotal, fmt.Sprintf("%d/%d fragments", downloadedCount, total))
	}
	schedOpts := scheduler.Options{MaxConcurrent: opts.MaxConcurrent, RetriesPerFragment: opts.RetriesPerFragment}
	if err := p.sched.Run(ctx, downloadID, plan.Fragments, schedOpts, hook); err != nil {
		return p.handleSchedulerFailure(ctx, downloadID, filename, opts, plan, tracker, err)
	}

	return p.mergeSaveComplete(ctx, downloadID, filename, plan.MuxKind(), plan.MuxCounts(), opts.OutputDir, tracker, "")
}

// buildPlan resolves rootText (already fetched and DRM-cleared) into a Plan,
// per the master/media split.
func (p *Pipeline) buildPlan(ctx context.Context, isMaster bool, rootText, url string, opts Options) (Plan, error) {
	if !isMaster {
		return MediaHls(rootText, url)
	}
	levels, err := playlist.ParseMaster(rootText, url)
	if err != nil {
		return Plan{}, err
	}
	fetchVariant := func(ctx context.Context, uri string) (string, error) {
		text, err := p.fetcher.GetText(ctx, uri, p.headers.HeadersFor(uri))
		if err != nil {
			return "", err
		}
		if err := playlist.AssertDownloadable(text); err != nil {
			return "", err
		}
		return text, nil
	}
	return MasterHls(ctx, fetchVariant, levels, opts.VideoURI, opts.AudioURI, url)
}

// handleSchedulerFailure implements the cancellation/partial-save branch: a
// Cancelled error whose caller policy opts in gets one chance at a partial
// save before being re-raised.
func (p *Pipeline) handleSchedulerFailure(ctx context.Context, downloadID, filename string, opts Options, plan Plan, tracker *progress.Tracker, err error) (string, error) {
	if !mediaerr.IsCancelled(err) || opts.ShouldSaveOnCancel == nil || !opts.ShouldSaveOnCancel() {
		return "", p.fail(ctx, downloadID, tracker, err)
	}

	count, cerr := p.chunks.Count(ctx, downloadID)
	if cerr != nil || count == 0 {
		return "", p.fail(ctx, downloadID, tracker, mediaerr.Cancelled())
	}

	counts := plan.PartialCounts(int(count))
	return p.mergeSaveComplete(ctx, downloadID, filename, plan.MuxKind(), counts, opts.OutputDir, tracker, "(partial)")
}

// mergeSaveComplete muxes the assembled chunks, saves the result, and marks
// the download completed.
// suffix is appended to stage messages; "(partial)" on the partial-save path,
// empty otherwise.
func (p *Pipeline) mergeSaveComplete(ctx context.Context, downloadID, filename string, kind mux.Kind, counts mux.Counts, outputDir string, tracker *progress.Tracker, suffix string) (string, error) {
	if err := p.transition(ctx, downloadID, store.StageMerging, tracker, suffix); err != nil {
		return "", err
	}

	respCh, err := p.muxer.Request(ctx, mux.Request{
		Kind:       kind,
		DownloadID: downloadID,
		Filename:   filename,
		Counts:     counts,
		OutputDir:  outputDir,
	})
	if err != nil {
		return "", p.fail(ctx, downloadID, tracker, err)
	}

	var blobRef, warning string
	for resp := range respCh {
		switch resp.Kind {
		case mux.RespProgress:
			snap := tracker.Snapshot()
			tracker.Update(snap.Downloaded, snap.Total, resp.Message)
		case mux.RespSuccess:
			blobRef = resp.BlobRef
			warning = resp.Warning
		case mux.RespError:
			return "", p.fail(ctx, downloadID, tracker, resp.Err)
		}
	}
	if blobRef == "" {
		return "", p.fail(ctx, downloadID, tracker, mediaerr.MuxErrorf("mux finished without a result for %s", downloadID))
	}

	if err := p.transition(ctx, downloadID, store.StageSaving, tracker, suffix); err != nil {
		return "", err
	}

	events := make(chan filetransfer.Event, 16)
	go func() {
		for e := range events {
			switch e.State {
			case filetransfer.InProgress, filetransfer.Complete:
				tracker.Update(e.Downloaded, e.Total, "saving")
			}
		}
	}()
	fileID, err := p.save(ctx, blobRef, outputDir, filename, events)
	close(events)
	if err != nil {
		return "", p.fail(ctx, downloadID, tracker, err)
	}

	message := "completed"
	if suffix != "" {
		message = "completed " + suffix
	}

	st, err := p.states.Get(ctx, downloadID)
	if err != nil {
		return "", err
	}
	st.UpdatedAt = p.now()
	st.Progress.Stage = store.StageCompleted
	st.Progress.Percentage = 100
	st.Progress.Message = message
	st.LocalPath = filepath.Join(outputDir, filename)
	st.ChromeDownloadID = fileID
	if warning != "" {
		st.Progress.Error = warning
	}
	if err := p.states.Update(ctx, st); err != nil {
		return "", err
	}

	tracker.SetStage(string(store.StageCompleted))
	return st.LocalPath, nil
}

// transition updates stage in the persisted state and invalidates the
// tracker's persist throttle, since stage transitions invalidate the
// throttle cache.
func (p *Pipeline) transition(ctx context.Context, downloadID string, stage store.Stage, tracker *progress.Tracker, message string) error {
	tracker.SetStage(string(stage))
	if p.logger != nil {
		p.logger.With("download_id", downloadID).Info("stage transition", "stage", stage)
	}
	st, err := p.states.Get(ctx, downloadID)
	if err != nil {
		return err
	}
	st.UpdatedAt = p.now()
	st.Progress.Stage = stage
	if message != "" {
		st.Progress.Message = message
	}
	return p.states.Update(ctx, st)
}

// fail marks downloadID failed (or cancelled, for a Cancelled error) and
// returns err unchanged so callers can write `return "", p.fail(...)`.
func (p *Pipeline) fail(ctx context.Context, downloadID string, tracker *progress.Tracker, err error) error {
	stage := store.StageFailed
	if mediaerr.IsCancelled(err) {
		stage = store.StageCancelled
	}
	tracker.SetStage(string(stage))

	st, getErr := p.states.Get(ctx, downloadID)
	if getErr == nil {
		st.UpdatedAt = p.now()
		st.Progress.Stage = stage
		st.Progress.Error = err.Error()
		_ = p.states.Update(ctx, st)
	}
	return err
}

// persistFunc returns the Tracker PersistFunc that writes a throttled
// snapshot into downloadID's state row.
func (p *Pipeline) persistFunc(downloadID string) progress.PersistFunc {
	return func(snap progress.Snapshot) {
		st, err := p.states.Get(context.Background(), downloadID)
		if err != nil {
			return
		}
		st.UpdatedAt = p.now()
		st.Progress.Downloaded = snap.Downloaded
		st.Progress.Total = snap.Total
		st.Progress.Percentage = snap.Percentage()
		st.Progress.Speed = snap.Speed
		st.Progress.Message = snap.Message
		_ = p.states.Update(context.Background(), st)
	}
}
