package postgres

import (
	"context"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"gorm.io/gorm"
)

type tierRepository struct {
	db *gorm.DB
}

func NewTierRepository(db *gorm.DB) *tierRepository {
	return &tierRepository{db: db}
}

func (r *tierRepository) List(ctx context.Context) ([]domain.TierDefinition, error) {
	var tiers []domain.TierDefinition
	if err := r.db.WithContext(ctx).Order("ordinal ASC").Find(&tiers).Error; err != nil {
		return nil, dbError("list tiers", "tier", "", err)
	}
	return tiers, nil
}

// ReplaceAll swaps the whole ladder in one transaction
func (r *tierRepository) ReplaceAll(ctx context.Context, tiers []domain.TierDefinition) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&domain.TierDefinition{}).Error; err != nil {
			return err
		}
		if len(tiers) == 0 {
			return nil
		}
		return tx.Create(&tiers).Error
	})
	return dbError("replace tiers", "tier", "", err)
}
