package service

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PlayerEvictor pulls a player out of matchmaking
type PlayerEvictor interface {
	EvictPlayer(ctx context.Context, playerID uuid.UUID, reason string) error
}

// SmurfReviewInput is a verdict delivered by the external review system
type SmurfReviewInput struct {
	PlayerID   uuid.UUID
	Verdict    domain.Verdict
	Notes      string
	ReviewerID string
}

// ReviewService gates queue entry on the latest smurf review verdict
type ReviewService struct {
	reviews repository.SmurfReviewRepository
	evictor PlayerEvictor
	log     zerolog.Logger
	now     func() time.Time
}

func NewReviewService(reviews repository.SmurfReviewRepository, log zerolog.Logger) *ReviewService {
	return &ReviewService{
		reviews: reviews,
		log:     log.With().Str("component", "review_service").Logger(),
		now:     time.Now,
	}
}

// SetEvictor registers who removes suspended players from the queue
func (s *ReviewService) SetEvictor(e PlayerEvictor) {
	s.evictor = e
}

// CheckEligible rejects the first player whose verdict blocks matchmaking.
// Players without a review are eligible.
func (s *ReviewService) CheckEligible(ctx context.Context, playerIDs []uuid.UUID) error {
	reviews, err := s.reviews.GetMany(ctx, playerIDs)
	if err != nil {
		return err
	}
	for _, id := range playerIDs {
		if review, ok := reviews[id]; ok && review.Verdict.BlocksMatchmaking() {
			return &domain.EligibilityError{PlayerID: id, Reason: "smurf review verdict " + string(review.Verdict)}
		}
	}
	return nil
}

func (s *ReviewService) Get(ctx context.Context, playerID uuid.UUID) (*domain.SmurfReview, error) {
	return s.reviews.Get(ctx, playerID)
}

// ApplySmurfReview stores a verdict. A blocking verdict also takes the player
// out of any search in progress.
func (s *ReviewService) ApplySmurfReview(ctx context.Context, in SmurfReviewInput) (*domain.SmurfReview, error) {
	if !in.Verdict.IsValid() {
		return nil, domain.NewValidationError("verdict", domain.ErrInvalidVerdict)
	}
	if in.PlayerID == uuid.Nil {
		return nil, domain.NewValidationError("playerId", domain.ErrInvalidVerdict)
	}

	review := &domain.SmurfReview{
		PlayerID:   in.PlayerID,
		Verdict:    in.Verdict,
		Notes:      in.Notes,
		ReviewerID: in.ReviewerID,
		UpdatedAt:  s.now(),
	}
	if err := s.reviews.Upsert(ctx, review); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("player_id", in.PlayerID.String()).
		Str("verdict", string(in.Verdict)).
		Str("reviewer_id", in.ReviewerID).
		Msg("smurf review recorded")

	if in.Verdict.BlocksMatchmaking() && s.evictor != nil {
		if err := s.evictor.EvictPlayer(ctx, in.PlayerID, ReasonSuspended); err != nil {
			s.log.Warn().Err(err).Str("player_id", in.PlayerID.String()).Msg("failed to evict suspended player")
		}
	}
	return review, nil
}
