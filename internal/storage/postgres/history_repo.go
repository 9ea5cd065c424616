package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/vaultlaunch/internal/storage"
)

// HistoryRepository reads and appends launch records.
// Append-only: no Update or Delete methods exist on this type.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a HistoryRepository.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Record inserts a single launch record, assigning an ID when unset.
func (r *HistoryRepository) Record(ctx context.Context, rec *storage.LaunchRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	model := toLaunchModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording launch: %w", err)
	}
	return nil
}

// List returns launch records, newest first. Limit defaults to 50.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]storage.LaunchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []LaunchModel
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing launches: %w", err)
	}
	records := make([]storage.LaunchRecord, len(models))
	for i := range models {
		records[i] = toLaunchDomain(&models[i])
	}
	return records, nil
}
