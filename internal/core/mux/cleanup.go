package mux

import "os"

// ReleaseBlob removes a muxed output file whose caller stopped listening
// before the success frame arrived — e.g. the pipeline observed a cancel
// and moved on while ffmpeg kept running. Safe to call on a path that was
// never created.
func ReleaseBlob(blobRef string) error {
	if blobRef == "" {
		return nil
	}
	err := os.Remove(blobRef)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
