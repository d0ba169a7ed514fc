// Package mux is a channel-based mux-request transport: a
// request/response channel correlated by downloadId, backed (via
// ffmpeg.go) by an external ffmpeg process consuming an ordered chunk
// stream.
package mux

import (
	"context"
	"sync"
	"time"

	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
)

// Kind distinguishes an HLS merge (separate video/audio tracks) from a
// single-track media remux.
type Kind string

const (
	KindHLS   Kind = "hls"
	KindMedia Kind = "media"
)

// Counts carries the fragment tallies a request needs, depending on Kind.
type Counts struct {
	VideoLen      int // hls
	AudioLen      int // hls
	FragmentCount int // media
}

// Request is one mux invocation, correlated by DownloadID.
type Request struct {
	Kind       Kind
	DownloadID string
	Filename   string
	Counts     Counts
	OutputDir  string
}

// ChunkSource is the subset of the Chunk Store the bridge reads ordered
// fragment bytes from.
type ChunkSource interface {
	GetRange(ctx context.Context, downloadID string, startIdx, length int) (map[int][]byte, error)
}

// responseKind tags which variant of the mux protocol a Response carries.
type responseKind int

const (
	RespProgress responseKind = iota
	RespSuccess
	RespError
)

// Response is one frame of the mux protocol: progress (repeatable),
// success (terminal), or error (terminal).
type Response struct {
	Kind    responseKind
	Ratio   float64
	Message string
	BlobRef string
	Warning string
	Err     error
}

// DefaultTimeout is the overall per-run timeout.
const DefaultTimeout = 15 * time.Minute

type job struct {
	ctx    context.Context
	cancel context.CancelFunc
	req    Request
	out    chan Response
}

// Bridge is the process-wide mux dispatcher. A single goroutine started by
// Start consumes queued jobs, so only one ffmpeg invocation runs at a time;
// per-download state never crosses instances.
type Bridge struct {
	store   ChunkSource
	runner  muxRunner
	timeout time.Duration

	work chan job

	mu        sync.Mutex
	listeners map[string]chan Response
}

// New returns a Bridge reading fragments from store, using the real
// ffmpeg-backed runner and a default 15 minute timeout.
func New(store ChunkSource) *Bridge {
	return &Bridge{
		store:     store,
		runner:    runFFmpeg,
		timeout:   DefaultTimeout,
		work:      make(chan job, 8),
		listeners: make(map[string]chan Response),
	}
}

// WithTimeout overrides the per-run timeout DefaultTimeout would otherwise
// set, letting callers drive it from configuration.
func (b *Bridge) WithTimeout(timeout time.Duration) *Bridge {
	b.timeout = timeout
	return b
}

// Start launches the single dispatcher goroutine. Call once; it runs until
// ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-b.work:
				b.process(j)
			}
		}
	}()
}

// Request enqueues req and returns a channel of Response frames for it.
// The channel is closed after a success or error frame. If ctx is
// cancelled before the bridge finishes, no success frame is delivered:
// the dispatcher removes the muxed file itself with ReleaseBlob
// (cleanup.go) and closes the channel.
func (b *Bridge) Request(ctx context.Context, req Request) (<-chan Response, error) {
	out := make(chan Response, 4)

	b.mu.Lock()
	b.listeners[req.DownloadID] = out
	b.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	j := job{ctx: runCtx, cancel: cancel, req: req, out: out}

	select {
	case b.work <- j:
	case <-ctx.Done():
		cancel()
		b.forget(req.DownloadID)
		return nil, mediaerr.Cancelled()
	}

	return out, nil
}

func (b *Bridge) forget(downloadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, downloadID)
}

func (b *Bridge) process(j job) {
	defer j.cancel()
	defer b.forget(j.req.DownloadID)
	defer close(j.out)

	total := fragmentTotal(j.req)
	if total <= 0 {
		send(j.ctx, j.out, Response{Kind: RespError, Err: mediaerr.MuxErrorf("no fragments to mux for %s", j.req.DownloadID)})
		return
	}

	blobRef, warning, err := b.run(j.ctx, j.req, total, func(ratio float64, message string) {
		send(j.ctx, j.out, Response{Kind: RespProgress, Ratio: ratio, Message: message})
	})
	if err != nil {
		if j.ctx.Err() == context.DeadlineExceeded {
			// j.ctx is already done here, so send() could drop the frame;
			// deliver it directly while the buffer has room.
			select {
			case j.out <- Response{Kind: RespError, Err: mediaerr.MuxTimeout()}:
			default:
			}
			return
		}
		send(j.ctx, j.out, Response{Kind: RespError, Err: mediaerr.MuxErrorf("%v", err)})
		return
	}

	// j.ctx is the caller's own cancel handle (timeout-wrapped): if it's
	// already done, the caller gave up listening and the muxed file just
	// written is orphaned on disk. Release it instead of delivering a
	// success frame nobody will read.
	if j.ctx.Err() != nil {
		_ = ReleaseBlob(blobRef)
		return
	}
	send(j.ctx, j.out, Response{Kind: RespSuccess, BlobRef: blobRef, Warning: warning})
}

func fragmentTotal(req Request) int {
	if req.Kind == KindHLS {
		return req.Counts.VideoLen + req.Counts.AudioLen
	}
	return req.Counts.FragmentCount
}

// send delivers r on out unless ctx has already been cancelled, so an
// abandoned request's dispatcher goroutine doesn't block forever on a
// buffered channel nobody drains further.
func send(ctx context.Context, out chan Response, r Response) {
	select {
	case out <- r:
	case <-ctx.Done():
	}
}
