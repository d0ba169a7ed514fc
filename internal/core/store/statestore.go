package store

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
)

// StateStore is the per-download state record.
type StateStore struct {
	db *gorm.DB
}

// NewStateStore returns a StateStore over db, migrating its table if needed.
func NewStateStore(db *gorm.DB) (*StateStore, error) {
	if err := db.AutoMigrate(&downloadStateRow{}); err != nil {
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Create inserts a new DownloadState. Only the pipeline or recorder starting
// happens exactly once, when the pipeline accepts a URL.
func (s *StateStore) Create(ctx context.Context, st DownloadState) error {
	row, err := toRow(st)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Update overwrites the full state for st.ID. Only the pipeline that owns
// a download should call this; the state record is mutated only by the
// pipeline or recorder that owns it.
func (s *StateStore) Update(ctx context.Context, st DownloadState) error {
	row, err := toRow(st)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&downloadStateRow{}).
		Where("id = ?", st.ID).
		Updates(map[string]any{
			"url":                row.URL,
			"stage":              row.Stage,
			"metadata_json":      row.MetadataJSON,
			"progress_json":      row.ProgressJSON,
			"local_path":         row.LocalPath,
			"chrome_download_id": row.ChromeDownloadID,
		}).Error
}

// Get returns the state for id, or gorm.ErrRecordNotFound if absent.
func (s *StateStore) Get(ctx context.Context, id string) (DownloadState, error) {
	var row downloadStateRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return DownloadState{}, err
	}
	return fromRow(row)
}

// Delete removes the state record for id. A DownloadState is
// destroyed only on explicit user removal or re-download.
func (s *StateStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&downloadStateRow{}).Error
}

// ListByURL returns every state recorded against url, newest first.
func (s *StateStore) ListByURL(ctx context.Context, url string) ([]DownloadState, error) {
	var rows []downloadStateRow
	if err := s.db.WithContext(ctx).Where("url = ?", url).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]DownloadState, 0, len(rows))
	for _, r := range rows {
		st, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func toRow(st DownloadState) (downloadStateRow, error) {
	metaJSON, err := json.Marshal(st.Metadata)
	if err != nil {
		return downloadStateRow{}, err
	}
	progJSON, err := json.Marshal(st.Progress)
	if err != nil {
		return downloadStateRow{}, err
	}
	return downloadStateRow{
		ID:               st.ID,
		URL:              st.URL,
		Stage:            string(st.Progress.Stage),
		MetadataJSON:     string(metaJSON),
		ProgressJSON:     string(progJSON),
		LocalPath:        st.LocalPath,
		ChromeDownloadID: st.ChromeDownloadID,
		CreatedAt:        st.CreatedAt,
		UpdatedAt:        st.UpdatedAt,
	}, nil
}

func fromRow(row downloadStateRow) (DownloadState, error) {
	var meta Metadata
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &meta); err != nil {
			return DownloadState{}, err
		}
	}
	var prog Progress
	if row.ProgressJSON != "" {
		if err := json.Unmarshal([]byte(row.ProgressJSON), &prog); err != nil {
			return DownloadState{}, err
		}
	}
	return DownloadState{
		ID:               row.ID,
		URL:              row.URL,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		Metadata:         meta,
		Progress:         prog,
		LocalPath:        row.LocalPath,
		ChromeDownloadID: row.ChromeDownloadID,
	}, nil
}
