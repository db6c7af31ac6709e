package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/google/uuid"
)

// NewRepositories returns process-local repositories for tests and local runs
func NewRepositories() *repository.Repositories {
	return &repository.Repositories{
		Ratings:        NewRatingRepository(),
		Tiers:          NewTierRepository(),
		SmurfReviews:   NewSmurfReviewRepository(),
		Placements:     NewPlacementRepository(),
		Matches:        NewMatchRepository(),
		QualitySamples: NewQualitySampleRepository(),
	}
}

type ratingRepository struct {
	mu      sync.RWMutex
	ratings map[uuid.UUID]domain.PlayerRating
}

func NewRatingRepository() *ratingRepository {
	return &ratingRepository{ratings: make(map[uuid.UUID]domain.PlayerRating)}
}

func (r *ratingRepository) Get(_ context.Context, playerID uuid.UUID) (*domain.PlayerRating, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rating, ok := r.ratings[playerID]
	if !ok {
		return nil, domain.NewNotFoundError("rating", playerID)
	}
	return &rating, nil
}

func (r *ratingRepository) GetMany(_ context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]domain.PlayerRating, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]domain.PlayerRating, len(playerIDs))
	for _, id := range playerIDs {
		if rating, ok := r.ratings[id]; ok {
			out[id] = rating
		}
	}
	return out, nil
}

func (r *ratingRepository) Create(_ context.Context, rating *domain.PlayerRating) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ratings[rating.PlayerID]; exists {
		return domain.NewConflictError("rating "+rating.PlayerID.String(), fmt.Errorf("rating already exists"))
	}
	now := time.Now()
	rating.CreatedAt, rating.UpdatedAt = now, now
	r.ratings[rating.PlayerID] = *rating
	return nil
}

func (r *ratingRepository) UpdateVersioned(_ context.Context, rating *domain.PlayerRating, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.ratings[rating.PlayerID]
	if !ok {
		return domain.NewNotFoundError("rating", rating.PlayerID)
	}
	if current.Version != expected {
		return domain.NewConflictError("rating "+rating.PlayerID.String(), domain.ErrVersionConflict)
	}
	rating.Version = expected + 1
	rating.CreatedAt = current.CreatedAt
	rating.UpdatedAt = time.Now()
	r.ratings[rating.PlayerID] = *rating
	return nil
}

type tierRepository struct {
	mu    sync.RWMutex
	tiers []domain.TierDefinition
}

func NewTierRepository() *tierRepository {
	return &tierRepository{}
}

func (r *tierRepository) List(_ context.Context) ([]domain.TierDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TierDefinition(nil), r.tiers...), nil
}

func (r *tierRepository) ReplaceAll(_ context.Context, tiers []domain.TierDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = append([]domain.TierDefinition(nil), tiers...)
	sort.Slice(r.tiers, func(i, j int) bool { return r.tiers[i].Ordinal < r.tiers[j].Ordinal })
	return nil
}

type smurfReviewRepository struct {
	mu      sync.RWMutex
	reviews map[uuid.UUID]domain.SmurfReview
}

func NewSmurfReviewRepository() *smurfReviewRepository {
	return &smurfReviewRepository{reviews: make(map[uuid.UUID]domain.SmurfReview)}
}

func (r *smurfReviewRepository) Get(_ context.Context, playerID uuid.UUID) (*domain.SmurfReview, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	review, ok := r.reviews[playerID]
	if !ok {
		return nil, domain.NewNotFoundError("smurf review", playerID)
	}
	return &review, nil
}

func (r *smurfReviewRepository) GetMany(_ context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]domain.SmurfReview, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]domain.SmurfReview)
	for _, id := range playerIDs {
		if review, ok := r.reviews[id]; ok {
			out[id] = review
		}
	}
	return out, nil
}

func (r *smurfReviewRepository) Upsert(_ context.Context, review *domain.SmurfReview) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	review.UpdatedAt = time.Now()
	r.reviews[review.PlayerID] = *review
	return nil
}

type placementRepository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]domain.PlacementRecord
}

func NewPlacementRepository() *placementRepository {
	return &placementRepository{records: make(map[uuid.UUID]domain.PlacementRecord)}
}

func (r *placementRepository) Get(_ context.Context, playerID uuid.UUID) (*domain.PlacementRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[playerID]
	if !ok {
		return nil, domain.NewNotFoundError("placement", playerID)
	}
	return &rec, nil
}

func (r *placementRepository) Consume(_ context.Context, record *domain.PlacementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.PlayerID]; exists {
		return domain.NewConflictError("placement "+record.PlayerID.String(), domain.ErrPlacementConsumed)
	}
	now := time.Now()
	record.CreatedAt = now
	if record.ConsumedAt == nil {
		record.ConsumedAt = &now
	}
	r.records[record.PlayerID] = *record
	return nil
}

type matchRepository struct {
	mu      sync.RWMutex
	matches map[string]domain.Match
}

func NewMatchRepository() *matchRepository {
	return &matchRepository{matches: make(map[string]domain.Match)}
}

func (r *matchRepository) CreateMatch(_ context.Context, match *domain.Match) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.matches[match.ID]; exists {
		return domain.NewConflictError("match "+match.ID, fmt.Errorf("match already exists"))
	}
	r.matches[match.ID] = *match
	return nil
}

func (r *matchRepository) GetMatch(_ context.Context, id string) (*domain.Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[id]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "match", ID: id}
	}
	return &m, nil
}

func (r *matchRepository) MarkResultApplied(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return &domain.NotFoundError{Resource: "match", ID: id}
	}
	if m.ResultAppliedAt != nil {
		return domain.NewConflictError("match "+id, domain.ErrResultAlreadyFinal)
	}
	m.ResultAppliedAt = &at
	r.matches[id] = m
	return nil
}

type qualitySampleRepository struct {
	mu      sync.RWMutex
	samples []domain.QualitySample
}

func NewQualitySampleRepository() *qualitySampleRepository {
	return &qualitySampleRepository{}
}

func (r *qualitySampleRepository) InsertQualitySamples(_ context.Context, samples []domain.QualitySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, samples...)
	return nil
}

func (r *qualitySampleRepository) ListQualitySamples(_ context.Context, since time.Time, limit int) ([]domain.QualitySample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.QualitySample
	for _, s := range r.samples {
		if !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
