package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mediagrab/mediagrab/internal/core/filetransfer"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
	"github.com/mediagrab/mediagrab/internal/core/mux"
	"github.com/mediagrab/mediagrab/internal/core/playlist"
	"github.com/mediagrab/mediagrab/internal/core/scheduler"
	"github.com/mediagrab/mediagrab/internal/core/store"
)

type fakeFetcher struct {
	texts map[string]string
}

func (f *fakeFetcher) GetText(ctx context.Context, url string, headers map[string]string) (string, error) {
	text, ok := f.texts[url]
	if !ok {
		return "", errors.New("no fixture for " + url)
	}
	return text, nil
}

type fakeChunks struct {
	mu      sync.Mutex
	counts  map[string]int64
	deleted []string
}

func newFakeChunks() *fakeChunks { return &fakeChunks{counts: map[string]int64{}} }

func (f *fakeChunks) Count(ctx context.Context, downloadID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[downloadID], nil
}

func (f *fakeChunks) DeleteAll(ctx context.Context, downloadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, downloadID)
	return nil
}

type fakeStates struct {
	mu   sync.Mutex
	rows map[string]store.DownloadState
}

func newFakeStates() *fakeStates { return &fakeStates{rows: map[string]store.DownloadState{}} }

func (f *fakeStates) Create(ctx context.Context, st store.DownloadState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[st.ID] = st
	return nil
}

func (f *fakeStates) Update(ctx context.Context, st store.DownloadState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[st.ID] = st
	return nil
}

func (f *fakeStates) Get(ctx context.Context, id string) (store.DownloadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[id]
	if !ok {
		return store.DownloadState{}, errors.New("not found")
	}
	return st, nil
}

type fakeScheduler struct {
	run func(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error
}

func (f *fakeScheduler) Run(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error {
	return f.run(ctx, downloadID, frags, opts, hook)
}

type fakeHeaders struct{}

func (fakeHeaders) Add(downloadID, cdnURL, pageURL string) []int64    { return []int64{1, 2} }
func (fakeHeaders) Remove(ruleIds []int64)                            {}
func (fakeHeaders) HeadersFor(targetURL string) map[string]string     { return nil }

type fakeMux struct {
	respond func(req mux.Request) []mux.Response
}

func (f *fakeMux) Request(ctx context.Context, req mux.Request) (<-chan mux.Response, error) {
	out := make(chan mux.Response, 8)
	go func() {
		defer close(out)
		for _, r := range f.respond(req) {
			out <- r
		}
	}()
	return out, nil
}

func fakeSaver(blobRef, fileID string) Saver {
	return func(ctx context.Context, got, outDir, filename string, events chan<- filetransfer.Event) (string, error) {
		if got != blobRef {
			return "", errors.New("unexpected blobRef")
		}
		events <- filetransfer.Event{State: filetransfer.InProgress, Downloaded: 10, Total: 10}
		events <- filetransfer.Event{State: filetransfer.Complete, Downloaded: 10, Total: 10}
		return fileID, nil
	}
}

const mediaPlaylist = "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n#EXT-X-ENDLIST\n"

const masterPlaylist = "#EXTM3U\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=1500000\nhigh/index.m3u8\n" +
	"#EXT-X-MEDIA:TYPE=AUDIO,URI=\"audio/index.m3u8\"\n"

const drmPlaylist = "#EXTM3U\n#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"skd://key\"\n#EXTINF:6.0,\nseg0.ts\n#EXT-X-ENDLIST\n"

func succeedAllFragments(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error {
	for i := range frags {
		hook(int64((i+1)*1000), int64(len(frags)*1000), i+1, 0)
	}
	return nil
}

func TestPipeline_Run_MediaHappyPath(t *testing.T) {
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://cdn.example.com/v/index.m3u8": mediaPlaylist,
	}}
	chunks := newFakeChunks()
	states := newFakeStates()
	sched := &fakeScheduler{run: succeedAllFragments}
	muxClient := &fakeMux{respond: func(req mux.Request) []mux.Response {
		if req.Counts.FragmentCount != 2 {
			t.Errorf("expected FragmentCount 2, got %+v", req.Counts)
		}
		return []mux.Response{
			{Kind: mux.RespProgress, Ratio: 0.5, Message: "merging"},
			{Kind: mux.RespSuccess, BlobRef: "/tmp/blob1"},
		}
	}}

	p := New(fetcher, chunks, states, sched, fakeHeaders{}, muxClient, fakeSaver("/tmp/blob1", "file-1"), nil)

	path, err := p.Run(context.Background(), "https://cdn.example.com/v/index.m3u8", "out.mp4", "dl-1", "", Options{OutputDir: "/out"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/out/out.mp4" {
		t.Errorf("unexpected path: %s", path)
	}
	st, _ := states.Get(context.Background(), "dl-1")
	if st.Progress.Stage != store.StageCompleted || st.Progress.Percentage != 100 {
		t.Errorf("unexpected final state: %+v", st)
	}
	if st.ChromeDownloadID != "file-1" {
		t.Errorf("expected chrome download id to be captured, got %q", st.ChromeDownloadID)
	}
	if len(chunks.deleted) != 1 || chunks.deleted[0] != "dl-1" {
		t.Errorf("expected chunk cleanup for dl-1, got %v", chunks.deleted)
	}
}

func TestPipeline_Run_MasterAutoSelectHappyPath(t *testing.T) {
	videoText := "#EXTM3U\n#EXTINF:6.0,\nv0.ts\n#EXTINF:6.0,\nv1.ts\n#EXT-X-ENDLIST\n"
	audioText := "#EXTM3U\n#EXTINF:6.0,\na0.ts\n#EXT-X-ENDLIST\n"

	fetcher := &fakeFetcher{texts: map[string]string{
		"https://cdn.example.com/master.m3u8":    masterPlaylist,
		"https://cdn.example.com/high/index.m3u8": videoText,
		"https://cdn.example.com/audio/index.m3u8": audioText,
	}}
	chunks := newFakeChunks()
	states := newFakeStates()
	sched := &fakeScheduler{run: succeedAllFragments}
	muxClient := &fakeMux{respond: func(req mux.Request) []mux.Response {
		if req.Counts.VideoLen != 2 || req.Counts.AudioLen != 1 {
			t.Errorf("unexpected mux counts: %+v", req.Counts)
		}
		return []mux.Response{{Kind: mux.RespSuccess, BlobRef: "/tmp/blob2"}}
	}}

	p := New(fetcher, chunks, states, sched, fakeHeaders{}, muxClient, fakeSaver("/tmp/blob2", "file-2"), nil)

	_, err := p.Run(context.Background(), "https://cdn.example.com/master.m3u8", "out.mp4", "dl-2", "", Options{OutputDir: "/out"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPipeline_Run_DrmProtectedRejected(t *testing.T) {
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://cdn.example.com/drm.m3u8": drmPlaylist,
	}}
	chunks := newFakeChunks()
	states := newFakeStates()
	sched := &fakeScheduler{run: succeedAllFragments}
	muxClient := &fakeMux{respond: func(req mux.Request) []mux.Response { return nil }}

	p := New(fetcher, chunks, states, sched, fakeHeaders{}, muxClient, fakeSaver("", ""), nil)

	_, err := p.Run(context.Background(), "https://cdn.example.com/drm.m3u8", "out.mp4", "dl-3", "", Options{OutputDir: "/out"})
	var merr *mediaerr.Error
	if !errors.As(err, &merr) || merr.Kind != mediaerr.KindDrmProtected {
		t.Fatalf("expected DrmProtected, got %v", err)
	}
	st, _ := states.Get(context.Background(), "dl-3")
	if st.Progress.Stage != store.StageFailed {
		t.Errorf("expected failed stage, got %v", st.Progress.Stage)
	}
}

func TestPipeline_Run_CancelWithPartialSave(t *testing.T) {
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://cdn.example.com/v/index.m3u8": mediaPlaylist,
	}}
	chunks := newFakeChunks()
	chunks.counts["dl-4"] = 1 // one fragment made it before cancel
	states := newFakeStates()
	sched := &fakeScheduler{run: func(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error {
		return mediaerr.Cancelled()
	}}
	muxClient := &fakeMux{respond: func(req mux.Request) []mux.Response {
		if req.Counts.FragmentCount != 1 {
			t.Errorf("expected partial FragmentCount 1, got %+v", req.Counts)
		}
		return []mux.Response{{Kind: mux.RespSuccess, BlobRef: "/tmp/blob4"}}
	}}

	p := New(fetcher, chunks, states, sched, fakeHeaders{}, muxClient, fakeSaver("/tmp/blob4", "file-4"), nil)

	path, err := p.Run(context.Background(), "https://cdn.example.com/v/index.m3u8", "out.mp4", "dl-4", "", Options{
		OutputDir:          "/out",
		ShouldSaveOnCancel: func() bool { return true },
	})
	if err != nil {
		t.Fatalf("expected partial save to succeed, got %v", err)
	}
	if path != "/out/out.mp4" {
		t.Errorf("unexpected path: %s", path)
	}
	st, _ := states.Get(context.Background(), "dl-4")
	if st.Progress.Message != "completed (partial)" {
		t.Errorf("expected partial completion message, got %q", st.Progress.Message)
	}
}

func TestPipeline_Run_CancelWithoutPartialSavePolicy(t *testing.T) {
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://cdn.example.com/v/index.m3u8": mediaPlaylist,
	}}
	chunks := newFakeChunks()
	chunks.counts["dl-5"] = 1
	states := newFakeStates()
	sched := &fakeScheduler{run: func(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error {
		return mediaerr.Cancelled()
	}}
	muxClient := &fakeMux{respond: func(req mux.Request) []mux.Response { return nil }}

	p := New(fetcher, chunks, states, sched, fakeHeaders{}, muxClient, fakeSaver("", ""), nil)

	_, err := p.Run(context.Background(), "https://cdn.example.com/v/index.m3u8", "out.mp4", "dl-5", "", Options{OutputDir: "/out"})
	if !mediaerr.IsCancelled(err) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	st, _ := states.Get(context.Background(), "dl-5")
	if st.Progress.Stage != store.StageCancelled {
		t.Errorf("expected cancelled stage, got %v", st.Progress.Stage)
	}
}

func TestPipeline_Run_CancelWithPartialSaveButNoChunksStored(t *testing.T) {
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://cdn.example.com/v/index.m3u8": mediaPlaylist,
	}}
	chunks := newFakeChunks() // count stays 0
	states := newFakeStates()
	sched := &fakeScheduler{run: func(ctx context.Context, downloadID string, frags []playlist.Fragment, opts scheduler.Options, hook scheduler.ProgressHook) error {
		return mediaerr.Cancelled()
	}}
	muxClient := &fakeMux{respond: func(req mux.Request) []mux.Response { return nil }}

	p := New(fetcher, chunks, states, sched, fakeHeaders{}, muxClient, fakeSaver("", ""), nil)

	_, err := p.Run(context.Background(), "https://cdn.example.com/v/index.m3u8", "out.mp4", "dl-6", "", Options{
		OutputDir:          "/out",
		ShouldSaveOnCancel: func() bool { return true },
	})
	if !mediaerr.IsCancelled(err) {
		t.Fatalf("expected Cancelled when no chunks were stored, got %v", err)
	}
}
