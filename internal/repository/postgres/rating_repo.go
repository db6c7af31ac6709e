package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ratingRepository struct {
	db *gorm.DB
}

func NewRatingRepository(db *gorm.DB) *ratingRepository {
	return &ratingRepository{db: db}
}

func (r *ratingRepository) Get(ctx context.Context, playerID uuid.UUID) (*domain.PlayerRating, error) {
	var rating domain.PlayerRating
	err := r.db.WithContext(ctx).First(&rating, "player_id = ?", playerID).Error
	if err != nil {
		return nil, dbError("load rating", "rating", playerID.String(), err)
	}
	return &rating, nil
}

func (r *ratingRepository) GetMany(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]domain.PlayerRating, error) {
	out := make(map[uuid.UUID]domain.PlayerRating, len(playerIDs))
	if len(playerIDs) == 0 {
		return out, nil
	}
	var ratings []domain.PlayerRating
	if err := r.db.WithContext(ctx).Where("player_id IN ?", playerIDs).Find(&ratings).Error; err != nil {
		return nil, dbError("load ratings", "rating", "", err)
	}
	for _, rating := range ratings {
		out[rating.PlayerID] = rating
	}
	return out, nil
}

func (r *ratingRepository) Create(ctx context.Context, rating *domain.PlayerRating) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rating)
	if res.Error != nil {
		return dbError("create rating", "rating", rating.PlayerID.String(), res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.NewConflictError("rating "+rating.PlayerID.String(), fmt.Errorf("rating already exists"))
	}
	return nil
}

func (r *ratingRepository) UpdateVersioned(ctx context.Context, rating *domain.PlayerRating, expected int64) error {
	now := time.Now()
	res := r.db.WithContext(ctx).
		Model(&domain.PlayerRating{}).
		Where("player_id = ? AND version = ?", rating.PlayerID, expected).
		Updates(map[string]any{
			"rating_mean":        rating.RatingMean,
			"rating_uncertainty": rating.RatingUncertainty,
			"games_played":       rating.GamesPlayed,
			"tier":               rating.Tier,
			"division":           rating.Division,
			"provisional":        rating.Provisional,
			"last_match_at":      rating.LastMatchAt,
			"last_match_id":      rating.LastMatchID,
			"version":            expected + 1,
			"updated_at":         now,
		})
	if res.Error != nil {
		return dbError("update rating", "rating", rating.PlayerID.String(), res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, rating.PlayerID); err != nil {
			return err
		}
		return domain.NewConflictError("rating "+rating.PlayerID.String(), domain.ErrVersionConflict)
	}
	rating.Version = expected + 1
	rating.UpdatedAt = now
	return nil
}
