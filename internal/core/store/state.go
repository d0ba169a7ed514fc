package store

import "time"

// Stage is one of DownloadState's lifecycle stages.
type Stage string

const (
	StageDetecting   Stage = "detecting"
	StageDownloading Stage = "downloading"
	StageRecording   Stage = "recording"
	StageMerging     Stage = "merging"
	StageSaving      Stage = "saving"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
	StageCancelled   Stage = "cancelled"
)

// Terminal reports whether stage is one of {completed, failed, cancelled},
// after which no scheduler task should still be running for this download.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Metadata is free-form descriptive information about a download's source.
type Metadata struct {
	Title      string `json:"title,omitempty"`
	Format     string `json:"format,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	DrmFlagged bool   `json:"drmFlagged,omitempty"`
}

// Progress is the mutable progress snapshot persisted alongside a download.
type Progress struct {
	Stage             Stage   `json:"stage"`
	Downloaded        int64   `json:"downloaded"`
	Total             int64   `json:"total"`
	Percentage        float64 `json:"percentage"`
	Speed             float64 `json:"speed"`
	Message           string  `json:"message,omitempty"`
	Error             string  `json:"error,omitempty"`
	SegmentsCollected int     `json:"segmentsCollected,omitempty"`
}

// DownloadState is the full per-download record.
type DownloadState struct {
	ID               string
	URL              string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Metadata         Metadata
	Progress         Progress
	LocalPath        string
	ChromeDownloadID string
}
