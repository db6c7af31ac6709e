package postgres

import (
	"context"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type smurfReviewRepository struct {
	db *gorm.DB
}

func NewSmurfReviewRepository(db *gorm.DB) *smurfReviewRepository {
	return &smurfReviewRepository{db: db}
}

func (r *smurfReviewRepository) Get(ctx context.Context, playerID uuid.UUID) (*domain.SmurfReview, error) {
	var review domain.SmurfReview
	if err := r.db.WithContext(ctx).First(&review, "player_id = ?", playerID).Error; err != nil {
		return nil, dbError("load smurf review", "smurf review", playerID.String(), err)
	}
	return &review, nil
}

func (r *smurfReviewRepository) GetMany(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]domain.SmurfReview, error) {
	out := make(map[uuid.UUID]domain.SmurfReview)
	if len(playerIDs) == 0 {
		return out, nil
	}
	var reviews []domain.SmurfReview
	if err := r.db.WithContext(ctx).Where("player_id IN ?", playerIDs).Find(&reviews).Error; err != nil {
		return nil, dbError("load smurf reviews", "smurf review", "", err)
	}
	for _, review := range reviews {
		out[review.PlayerID] = review
	}
	return out, nil
}

func (r *smurfReviewRepository) Upsert(ctx context.Context, review *domain.SmurfReview) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "player_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"verdict", "notes", "reviewer_id", "updated_at"}),
		}).
		Create(review).Error
	return dbError("upsert smurf review", "smurf review", review.PlayerID.String(), err)
}
