package postgres

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"gorm.io/gorm"
)

type matchRepository struct {
	db *gorm.DB
}

func NewMatchRepository(db *gorm.DB) *matchRepository {
	return &matchRepository{db: db}
}

func (r *matchRepository) CreateMatch(ctx context.Context, match *domain.Match) error {
	return dbError("create match", "match", match.ID, r.db.WithContext(ctx).Create(match).Error)
}

func (r *matchRepository) GetMatch(ctx context.Context, id string) (*domain.Match, error) {
	var match domain.Match
	if err := r.db.WithContext(ctx).First(&match, "id = ?", id).Error; err != nil {
		return nil, dbError("load match", "match", id, err)
	}
	return &match, nil
}

func (r *matchRepository) MarkResultApplied(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&domain.Match{}).
		Where("id = ? AND result_applied_at IS NULL", id).
		Update("result_applied_at", at)
	if res.Error != nil {
		return dbError("mark match result", "match", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetMatch(ctx, id); err != nil {
			return err
		}
		return domain.NewConflictError("match "+id, domain.ErrResultAlreadyFinal)
	}
	return nil
}
