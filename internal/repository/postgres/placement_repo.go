package postgres

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type placementRepository struct {
	db *gorm.DB
}

func NewPlacementRepository(db *gorm.DB) *placementRepository {
	return &placementRepository{db: db}
}

func (r *placementRepository) Get(ctx context.Context, playerID uuid.UUID) (*domain.PlacementRecord, error) {
	var rec domain.PlacementRecord
	if err := r.db.WithContext(ctx).First(&rec, "player_id = ?", playerID).Error; err != nil {
		return nil, dbError("load placement", "placement", playerID.String(), err)
	}
	return &rec, nil
}

func (r *placementRepository) Consume(ctx context.Context, record *domain.PlacementRecord) error {
	if record.ConsumedAt == nil {
		now := time.Now()
		record.ConsumedAt = &now
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record)
	if res.Error != nil {
		return dbError("consume placement", "placement", record.PlayerID.String(), res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewConflictError("placement "+record.PlayerID.String(), domain.ErrPlacementConsumed)
	}
	return nil
}
