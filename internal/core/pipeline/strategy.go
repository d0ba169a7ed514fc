package pipeline

import (
	"context"
	"sort"

	"github.com/mediagrab/mediagrab/internal/core/mux"
	"github.com/mediagrab/mediagrab/internal/core/playlist"
)

// Kind distinguishes the three playlist shapes the pipeline can plan for.
// This re-expresses the source's BasePlaylistHandler /
// concrete-handler template-method split as free functions carrying the
// per-kind diffs (variant selection, indexing, mux counts, partial-save
// recount) over one Plan data type, rather than virtual dispatch. No
// function in this package produces a KindLive plan; live playlists are
// recorded by internal/core/live.
type Kind int

const (
	KindMedia Kind = iota
	KindMaster
	KindLive
)

// Plan is the fully-resolved fragment set for one run, plus enough shape
// information to build a Mux Bridge request and recompute counts for a
// partial save.
type Plan struct {
	Kind      Kind
	Fragments []playlist.Fragment
	VideoLen  int // master only
	AudioLen  int // master only
}

// MuxKind maps a Plan's shape to the Mux Bridge request kind.
func (p Plan) MuxKind() mux.Kind {
	if p.Kind == KindMaster {
		return mux.KindHLS
	}
	return mux.KindMedia
}

// MuxCounts returns the counts field of a full (non-partial) mux request.
func (p Plan) MuxCounts() mux.Counts {
	if p.Kind == KindMaster {
		return mux.Counts{VideoLen: p.VideoLen, AudioLen: p.AudioLen}
	}
	return mux.Counts{FragmentCount: len(p.Fragments)}
}

// PartialCounts recomputes mux counts from storedCount chunks actually
// present after a cancelled run, per the pipeline's partial-save policy.
func (p Plan) PartialCounts(storedCount int) mux.Counts {
	if p.Kind == KindMaster {
		video := storedCount
		if video > p.VideoLen {
			video = p.VideoLen
		}
		audio := storedCount - p.VideoLen
		if audio < 0 {
			audio = 0
		}
		return mux.Counts{VideoLen: video, AudioLen: audio}
	}
	return mux.Counts{FragmentCount: storedCount}
}

// MediaHls is the MediaHls strategy: a media playlist's fragments are used
// directly, indices as parsed.
func MediaHls(text, baseURL string) (Plan, error) {
	frags, err := playlist.ParseMedia(text, baseURL)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Kind: KindMedia, Fragments: frags}, nil
}

// VariantFetcher fetches and asserts a selected variant's playlist text;
// satisfied by pulling fetch.Client.GetText + playlist.AssertDownloadable
// together so MasterHls stays independent of the fetch package.
type VariantFetcher func(ctx context.Context, uri string) (text string, err error)

// MasterHls is the MasterHls strategy: select a video and/or audio variant
// (explicit URIs win; otherwise auto-select highest bitrate/height video
// and the first audio group), fetch and parse each, then renumber audio
// fragment indices to start after the video run so
// `video ∈ [0, videoLen)` and `audio ∈ [videoLen, videoLen+audioLen)`.
func MasterHls(ctx context.Context, fetchVariant VariantFetcher, levels []playlist.Level, videoURI, audioURI, baseURL string) (Plan, error) {
	video := selectVariant(levels, playlist.LevelStream, videoURI)
	audio := selectVariant(levels, playlist.LevelAudio, audioURI)

	var frags []playlist.Fragment
	videoLen, audioLen := 0, 0

	if video != nil {
		text, err := fetchVariant(ctx, video.URI)
		if err != nil {
			return Plan{}, err
		}
		vf, err := playlist.ParseMedia(text, video.URI)
		if err != nil {
			return Plan{}, err
		}
		frags = append(frags, vf...)
		videoLen = len(vf)
	}

	if audio != nil {
		text, err := fetchVariant(ctx, audio.URI)
		if err != nil {
			return Plan{}, err
		}
		af, err := playlist.ParseMedia(text, audio.URI)
		if err != nil {
			return Plan{}, err
		}
		for i := range af {
			af[i].Index = videoLen + i
		}
		frags = append(frags, af...)
		audioLen = len(af)
	}

	return Plan{Kind: KindMaster, Fragments: frags, VideoLen: videoLen, AudioLen: audioLen}, nil
}

// selectVariant returns the caller-provided URI as a synthetic Level if
// set, else auto-selects: for LevelStream, highest bitrate then highest
// height; for LevelAudio, the first entry.
func selectVariant(levels []playlist.Level, want playlist.LevelType, explicitURI string) *playlist.Level {
	if explicitURI != "" {
		return &playlist.Level{Type: want, URI: explicitURI}
	}

	var candidates []playlist.Level
	for _, l := range levels {
		if l.Type == want {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	if want == playlist.LevelAudio {
		return &candidates[0]
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Bitrate != candidates[j].Bitrate {
			return candidates[i].Bitrate > candidates[j].Bitrate
		}
		return candidates[i].Height > candidates[j].Height
	})
	return &candidates[0]
}
