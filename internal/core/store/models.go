// Package store is the durable Chunk Store and State Store (DownloadState)
// backed by GORM over a pure-Go SQLite driver.
package store

import "time"

// chunkRecord is one fragment's decrypted bytes, keyed by (downloadID, idx).
// The unique index on (download_id, idx) guarantees at most one record per
// key for free via upsert; the plain index on download_id lets
// GetRange satisfy the "ordered retrieval by index" requirement with one
// query instead of per-key point reads.
type chunkRecord struct {
	DownloadID string `gorm:"column:download_id;uniqueIndex:idx_download_idx;index:idx_download_id"`
	Idx        int    `gorm:"column:idx;uniqueIndex:idx_download_idx"`
	Bytes      []byte `gorm:"column:bytes"`
	CreatedAt  time.Time
}

func (chunkRecord) TableName() string { return "chunk_records" }

// downloadStateRow mirrors DownloadState. Progress and metadata
// are stored as JSON text columns since GORM's SQLite driver here has no
// native struct/map column type; callers (de)serialize through the Go
// structs in state.go.
type downloadStateRow struct {
	ID               string `gorm:"column:id;primaryKey"`
	URL              string `gorm:"column:url;index"`
	Stage            string `gorm:"column:stage"`
	MetadataJSON     string `gorm:"column:metadata_json"`
	ProgressJSON     string `gorm:"column:progress_json"`
	LocalPath        string `gorm:"column:local_path"`
	ChromeDownloadID string `gorm:"column:chrome_download_id"`
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time `gorm:"index"`
}

func (downloadStateRow) TableName() string { return "download_states" }
