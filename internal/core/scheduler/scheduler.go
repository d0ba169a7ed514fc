// Package scheduler is the Fragment Scheduler: it consumes a
// fragment list and populates the Chunk Store under bounded concurrency,
// with per-fragment retry and a failure-rate abort threshold.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/mediagrab/mediagrab/internal/core/cancelctx"
	"github.com/mediagrab/mediagrab/internal/core/fetch"
	"github.com/mediagrab/mediagrab/internal/core/fragcrypt"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
	"github.com/mediagrab/mediagrab/internal/core/playlist"
)

const (
	defaultMaxConcurrent      = 3
	defaultRetriesPerFragment = 3
	excessiveFailureThreshold = 0.10
)

// ChunkPutter is the subset of the Chunk Store the scheduler writes to.
type ChunkPutter interface {
	Put(ctx context.Context, downloadID string, idx int, bytes []byte) error
}

// Options tunes one scheduler run; zero values fall back to spec defaults.
type Options struct {
	MaxConcurrent      int
	RetriesPerFragment int
}

// ProgressHook is invoked after every fragment attempt (success or
// failure) with the running totals the Progress Tracker needs.
type ProgressHook func(downloadedBytes, estimatedTotal int64, downloadedCount, failedCount int)

// Scheduler downloads and decrypts fragments into a ChunkPutter.
type Scheduler struct {
	client  *fetch.Client
	cryptor *fragcrypt.Cryptor
	store   ChunkPutter
	logger  *log.Logger
}

// New returns a Scheduler using client for fragment fetches and cryptor for
// decryption, writing completed fragments into store.
func New(client *fetch.Client, cryptor *fragcrypt.Cryptor, store ChunkPutter) *Scheduler {
	return &Scheduler{client: client, cryptor: cryptor, store: store}
}

// WithLogger attaches a logger for per-fragment failure diagnostics: a
// fragment is logged once, after its retries are exhausted.
// Scheduling works identically with a nil logger.
func (s *Scheduler) WithLogger(logger *log.Logger) *Scheduler {
	s.logger = logger
	return s
}

func (s *Scheduler) logf(downloadID string, f playlist.Fragment, err error) {
	if s.logger == nil {
		return
	}
	s.logger.With("download_id", downloadID, "fragment", f.Index).Warn("fragment attempt failed", "err", err)
}

type sessionStats struct {
	mu              sync.Mutex
	pastBytes       int64
	sessionBytes    int64
	sessionCount    int64
	downloadedCount int
	failedCount     int
	firstErr        error
	estimatedTotal  int64
}

// Run downloads every fragment in frags under downloadID, calling hook
// after each attempt. It returns once every worker has exited; the
// failure-rate threshold is checked only after all fragments have been
// attempted, not while workers are still running.
func (s *Scheduler) Run(ctx context.Context, downloadID string, frags []playlist.Fragment, opts Options, hook ProgressHook) error {
	if len(frags) == 0 {
		return nil
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	retries := opts.RetriesPerFragment
	if retries <= 0 {
		retries = defaultRetriesPerFragment
	}

	stats := &sessionStats{}

	_, sampleErr := s.sampleFirstFragment(ctx, downloadID, frags, retries, stats)
	if sampleErr == nil {
		hook(stats.bytes(), stats.estimate(), stats.downloaded(), stats.failed())
		if err := cancelctx.ThrowIfCancelled(ctx); err != nil {
			return err
		}
	}

	var cursor int64 = 1 // fragment 0 was sampled synchronously above
	workers := maxConcurrent
	if workers > len(frags)-1 {
		workers = len(frags) - 1
	}
	if workers < 0 {
		workers = 0
	}

	var wg sync.WaitGroup
	cancelled := make(chan error, workers+1)
	if sampleErr != nil && mediaerr.IsCancelled(sampleErr) {
		cancelled <- sampleErr
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := cancelctx.ThrowIfCancelled(ctx); err != nil {
					cancelled <- err
					return
				}
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= len(frags) {
					return
				}
				n, err := s.downloadFragment(ctx, downloadID, frags[i], retries)
				if err != nil {
					if mediaerr.IsCancelled(err) {
						cancelled <- err
						return
					}
					stats.recordFailure(err)
					s.logf(downloadID, frags[i], err)
					hook(stats.bytes(), stats.estimate(), stats.downloaded(), stats.failed())
					continue
				}
				stats.recordSuccess(int64(n), len(frags))
				hook(stats.bytes(), stats.estimate(), stats.downloaded(), stats.failed())
			}
		}()
	}

	wg.Wait()
	close(cancelled)
	for err := range cancelled {
		return err
	}

	total := len(frags)
	if stats.downloaded() == 0 && stats.firstErr != nil {
		return mediaerr.NoFragmentsDownloaded(stats.firstErr)
	}
	if total > 0 && float64(stats.failed())/float64(total) > excessiveFailureThreshold {
		return mediaerr.ExcessiveFragmentFailures(stats.failed(), total)
	}
	return nil
}

func (s *Scheduler) sampleFirstFragment(ctx context.Context, downloadID string, frags []playlist.Fragment, retries int, stats *sessionStats) (int64, error) {
	n, err := s.downloadFragment(ctx, downloadID, frags[0], retries)
	if err != nil {
		if mediaerr.IsCancelled(err) {
			return 0, err
		}
		stats.recordFailure(err)
		s.logf(downloadID, frags[0], err)
		return 0, nil
	}
	return stats.recordSuccess(int64(n), len(frags)), nil
}

func (s *Scheduler) downloadFragment(ctx context.Context, downloadID string, f playlist.Fragment, retries int) (int, error) {
	if err := cancelctx.ThrowIfCancelled(ctx); err != nil {
		return 0, err
	}
	raw, err := s.client.GetBytes(ctx, f.URI, nil, retries)
	if err != nil {
		return 0, err
	}
	plain, err := s.cryptor.Decrypt(ctx, f.Key, raw, retries)
	if err != nil {
		return 0, err
	}
	if err := cancelctx.ThrowIfCancelled(ctx); err != nil {
		return 0, err
	}
	if err := s.store.Put(ctx, downloadID, f.Index, plain); err != nil {
		return 0, err
	}
	return len(plain), nil
}

func (s *sessionStats) recordSuccess(n int64, total int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pastBytes += n
	s.sessionBytes += n
	s.sessionCount++
	s.downloadedCount++
	avg := s.sessionBytes / s.sessionCount
	s.estimatedTotal = s.pastBytes + avg*int64(total-int(s.sessionCount))
	return s.estimatedTotal
}

func (s *sessionStats) estimate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimatedTotal
}

func (s *sessionStats) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedCount++
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *sessionStats) bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pastBytes
}

func (s *sessionStats) downloaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadedCount
}

func (s *sessionStats) failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedCount
}
