package mux

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// muxRunner performs the actual mux for one request, reporting fractional
// progress as it goes. It is a seam for testing: bridge_test.go injects a
// fake runner so unit tests never shell out to a real ffmpeg binary.
type muxRunner func(ctx context.Context, req Request, store ChunkSource, total int, onProgress func(ratio float64, message string)) (blobRef, warning string, err error)

func (b *Bridge) run(ctx context.Context, req Request, total int, onProgress func(float64, string)) (string, string, error) {
	return b.runner(ctx, req, b.store, total, onProgress)
}

// ffmpegAvailable reports whether the ffmpeg binary is on PATH.
func ffmpegAvailable() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// runFFmpeg is the production muxRunner: it drains ordered chunks from the
// Chunk Store into temp file(s) (reporting write progress as it goes, the
// first half of the reported ratio), then shells out to ffmpeg for a
// stream-copy remux/merge (the second half).
func runFFmpeg(ctx context.Context, req Request, store ChunkSource, total int, onProgress func(float64, string)) (string, string, error) {
	if !ffmpegAvailable() {
		return "", "", fmt.Errorf("ffmpeg not found in PATH")
	}

	tmpDir, err := os.MkdirTemp("", "mediagrab-mux-*")
	if err != nil {
		return "", "", err
	}
	defer os.RemoveAll(tmpDir)

	outputPath := filepath.Join(req.OutputDir, req.Filename)

	switch req.Kind {
	case KindHLS:
		videoPath := filepath.Join(tmpDir, "video.ts")
		audioPath := filepath.Join(tmpDir, "audio.ts")
		if err := writeRange(ctx, store, req.DownloadID, 0, req.Counts.VideoLen, videoPath, func(n int) {
			onProgress(halfRatio(n, total), "writing video chunks")
		}); err != nil {
			return "", "", err
		}
		if err := writeRange(ctx, store, req.DownloadID, req.Counts.VideoLen, req.Counts.AudioLen, audioPath, func(n int) {
			onProgress(halfRatio(req.Counts.VideoLen+n, total), "writing audio chunks")
		}); err != nil {
			return "", "", err
		}
		if err := mergeVideoAudio(ctx, videoPath, audioPath, outputPath, onProgress); err != nil {
			return "", "", err
		}
		return outputPath, "", nil

	default: // KindMedia
		concatPath := filepath.Join(tmpDir, "concat.ts")
		if err := writeRange(ctx, store, req.DownloadID, 0, req.Counts.FragmentCount, concatPath, func(n int) {
			onProgress(halfRatio(n, total), "writing fragments")
		}); err != nil {
			return "", "", err
		}
		if err := remux(ctx, concatPath, outputPath, onProgress); err != nil {
			return "", "", err
		}
		return outputPath, "", nil
	}
}

func halfRatio(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return 0.5 * float64(done) / float64(total)
}

// writeRange concatenates length ordered fragments starting at startIdx
// into dest, in a single pass so memory use stays bounded by batch size.
func writeRange(ctx context.Context, store ChunkSource, downloadID string, startIdx, length int, dest string, onWrite func(written int)) error {
	if length <= 0 {
		return os.WriteFile(dest, nil, 0o644)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	const batch = 32
	written := 0
	for off := 0; off < length; off += batch {
		n := batch
		if off+n > length {
			n = length - off
		}
		chunks, err := store.GetRange(ctx, downloadID, startIdx+off, n)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			idx := startIdx + off + i
			b, ok := chunks[idx]
			if !ok {
				return fmt.Errorf("missing chunk %d for download %s", idx, downloadID)
			}
			if _, err := f.Write(b); err != nil {
				return err
			}
			written++
			onWrite(written)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func mergeVideoAudio(ctx context.Context, videoPath, audioPath, outputPath string, onProgress func(float64, string)) error {
	args := []string{
		"-threads", "1",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c", "copy",
		"-f", "mp4",
		"-y",
		outputPath,
	}
	return runFFmpegProcess(ctx, args, onProgress)
}

func remux(ctx context.Context, inputPath, outputPath string, onProgress func(float64, string)) error {
	args := []string{
		"-i", inputPath,
		"-c", "copy",
		"-y",
		outputPath,
	}
	return runFFmpegProcess(ctx, args, onProgress)
}

// runFFmpegProcess shells out with -progress pipe:1 and translates its
// key=value stream into the second half of the reported ratio; ffmpeg
// reports out_time_ms and progress=continue/end, not a clean 0-1 ratio, so
// we simply surface "merging" ticks rather than fabricate a precise ratio.
func runFFmpegProcess(ctx context.Context, args []string, onProgress func(float64, string)) error {
	output := args[len(args)-1]
	withProgress := make([]string, 0, len(args)+2)
	withProgress = append(withProgress, args[:len(args)-1]...)
	withProgress = append(withProgress, "-progress", "pipe:1", output)

	cmd := exec.CommandContext(ctx, "ffmpeg", withProgress...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "progress=") {
			onProgress(0.5, "merging")
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, stderrBuf.String())
	}
	onProgress(1.0, "merge complete")
	return nil
}
