// Package filetransfer implements the host file-transfer facility named
// abstractly as save(blobRef, filename) -> fileId, streaming a
// {in_progress, complete, interrupted} state over a channel.
package filetransfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// State tags one frame of a Save's progress stream.
type State int

const (
	InProgress State = iota
	Complete
	Interrupted
)

// Event is one frame emitted while Save runs.
type Event struct {
	State      State
	Downloaded int64
	Total      int64
	Filename   string
	Reason     string
}

const copyBufSize = 256 * 1024

// Save streams the file at blobRef (the muxer's temp output) to
// filepath.Join(outDir, filename), returning a host-assigned fileId once
// the copy finishes. events receives an In Progress frame every
// copyBufSize bytes, then a terminal Complete or Interrupted frame.
// A buffered io.Copy-loop streaming idiom: read a fixed buffer, write it,
// tick progress.
func Save(ctx context.Context, blobRef, outDir, filename string, events chan<- Event) (string, error) {
	src, err := os.Open(blobRef)
	if err != nil {
		emit(events, Event{State: Interrupted, Filename: filename, Reason: err.Error()})
		return "", err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		emit(events, Event{State: Interrupted, Filename: filename, Reason: err.Error()})
		return "", err
	}

	destPath := filepath.Join(outDir, filename)
	dest, err := os.Create(destPath)
	if err != nil {
		emit(events, Event{State: Interrupted, Filename: filename, Reason: err.Error()})
		return "", err
	}
	defer dest.Close()

	buf := make([]byte, copyBufSize)
	var copied int64
	for {
		if err := ctx.Err(); err != nil {
			emit(events, Event{State: Interrupted, Filename: filename, Reason: "cancelled"})
			return "", err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dest.Write(buf[:n]); writeErr != nil {
				emit(events, Event{State: Interrupted, Filename: filename, Reason: writeErr.Error()})
				return "", writeErr
			}
			copied += int64(n)
			emit(events, Event{State: InProgress, Downloaded: copied, Total: info.Size(), Filename: filename})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			emit(events, Event{State: Interrupted, Filename: filename, Reason: readErr.Error()})
			return "", readErr
		}
	}

	fileID := uuid.NewString()
	emit(events, Event{State: Complete, Downloaded: copied, Total: info.Size(), Filename: filename})
	return fileID, nil
}

func emit(events chan<- Event, e Event) {
	if events == nil {
		return
	}
	events <- e
}
