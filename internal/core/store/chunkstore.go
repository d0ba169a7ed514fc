package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChunkStore is a durable (downloadID, idx)
// keyed byte store with ordered range retrieval.
type ChunkStore struct {
	db *gorm.DB
}

// NewChunkStore returns a ChunkStore over db, migrating its table if needed.
func NewChunkStore(db *gorm.DB) (*ChunkStore, error) {
	if err := db.AutoMigrate(&chunkRecord{}); err != nil {
		return nil, err
	}
	return &ChunkStore{db: db}, nil
}

// Put stores bytes for (downloadID, idx), overwriting any existing record
// for that key. Upsert keeps this atomic per key without a read-check-write
// round trip.
func (s *ChunkStore) Put(ctx context.Context, downloadID string, idx int, bytes []byte) error {
	rec := chunkRecord{DownloadID: downloadID, Idx: idx, Bytes: bytes}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "download_id"}, {Name: "idx"}},
		UpdateAll: true,
	}).Create(&rec).Error
}

// GetRange returns the stored bytes for fragments in [startIdx,
// startIdx+length) belonging to downloadID, as a single ordered scan rather
// than length point reads.
func (s *ChunkStore) GetRange(ctx context.Context, downloadID string, startIdx, length int) (map[int][]byte, error) {
	var rows []chunkRecord
	err := s.db.WithContext(ctx).
		Where("download_id = ? AND idx >= ? AND idx < ?", downloadID, startIdx, startIdx+length).
		Order("idx ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int][]byte, len(rows))
	for _, r := range rows {
		out[r.Idx] = r.Bytes
	}
	return out, nil
}

// Count returns the number of chunks stored for downloadID.
func (s *ChunkStore) Count(ctx context.Context, downloadID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&chunkRecord{}).
		Where("download_id = ?", downloadID).Count(&n).Error
	return n, err
}

// DeleteAll removes every chunk for downloadID in one statement.
func (s *ChunkStore) DeleteAll(ctx context.Context, downloadID string) error {
	return s.db.WithContext(ctx).
		Where("download_id = ?", downloadID).
		Delete(&chunkRecord{}).Error
}

// ListDownloadIds returns the distinct partition keys currently stored.
func (s *ChunkStore) ListDownloadIds(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&chunkRecord{}).
		Distinct("download_id").Pluck("download_id", &ids).Error
	return ids, err
}
