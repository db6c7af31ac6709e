package postgres

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"gorm.io/gorm"
)

const sampleInsertBatch = 100

type qualitySampleRepository struct {
	db *gorm.DB
}

func NewQualitySampleRepository(db *gorm.DB) *qualitySampleRepository {
	return &qualitySampleRepository{db: db}
}

func (r *qualitySampleRepository) InsertQualitySamples(ctx context.Context, samples []domain.QualitySample) error {
	if len(samples) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).CreateInBatches(samples, sampleInsertBatch).Error
	return dbError("insert quality samples", "quality sample", "", err)
}

func (r *qualitySampleRepository) ListQualitySamples(ctx context.Context, since time.Time, limit int) ([]domain.QualitySample, error) {
	var samples []domain.QualitySample
	q := r.db.WithContext(ctx).Where("timestamp >= ?", since).Order("timestamp ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&samples).Error; err != nil {
		return nil, dbError("list quality samples", "quality sample", "", err)
	}
	return samples, nil
}
