package repository

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

// RatingRepository stores player ratings with optimistic versioning
type RatingRepository interface {
	Get(ctx context.Context, playerID uuid.UUID) (*domain.PlayerRating, error)
	GetMany(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]domain.PlayerRating, error)
	// Create inserts a new rating; an existing row is a ConflictError
	Create(ctx context.Context, rating *domain.PlayerRating) error
	// UpdateVersioned writes rating only if the stored version still equals
	// expected. On success rating.Version is advanced. A mismatch wraps
	// domain.ErrVersionConflict.
	UpdateVersioned(ctx context.Context, rating *domain.PlayerRating, expected int64) error
}

type TierRepository interface {
	List(ctx context.Context) ([]domain.TierDefinition, error)
	ReplaceAll(ctx context.Context, tiers []domain.TierDefinition) error
}

type SmurfReviewRepository interface {
	Get(ctx context.Context, playerID uuid.UUID) (*domain.SmurfReview, error)
	GetMany(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]domain.SmurfReview, error)
	Upsert(ctx context.Context, review *domain.SmurfReview) error
}

type PlacementRepository interface {
	Get(ctx context.Context, playerID uuid.UUID) (*domain.PlacementRecord, error)
	// Consume stores a placement record once per player. A second record
	// for the same player is a ConflictError wrapping ErrPlacementConsumed.
	Consume(ctx context.Context, record *domain.PlacementRecord) error
}

type MatchRepository interface {
	CreateMatch(ctx context.Context, match *domain.Match) error
	GetMatch(ctx context.Context, id string) (*domain.Match, error)
	// MarkResultApplied sets ResultAppliedAt once. A repeat is a ConflictError
	// wrapping ErrResultAlreadyFinal.
	MarkResultApplied(ctx context.Context, id string, at time.Time) error
}

type QualitySampleRepository interface {
	InsertQualitySamples(ctx context.Context, samples []domain.QualitySample) error
	ListQualitySamples(ctx context.Context, since time.Time, limit int) ([]domain.QualitySample, error)
}

type Repositories struct {
	Ratings        RatingRepository
	Tiers          TierRepository
	SmurfReviews   SmurfReviewRepository
	Placements     PlacementRepository
	Matches        MatchRepository
	QualitySamples QualitySampleRepository
}
