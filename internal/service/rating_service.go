package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/rating"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MatchResultInput reports the outcome of a started match
type MatchResultInput struct {
	MatchID string
	Results []domain.TeamResult
}

// RatingService owns every write to player ratings: placement seeding and
// match results. Writes are compare-and-swap on the rating version.
type RatingService struct {
	ratings    repository.RatingRepository
	tiers      repository.TierRepository
	placements repository.PlacementRepository
	matches    repository.MatchRepository
	model      *rating.Model
	placement  rating.PlacementPolicy
	maxRetries uint64
	log        zerolog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	ladder *rating.Ladder
}

func NewRatingService(repos *repository.Repositories, model *rating.Model, placement rating.PlacementPolicy, maxRetries uint64, log zerolog.Logger) *RatingService {
	ladder, _ := rating.NewLadder(rating.DefaultTiers())
	return &RatingService{
		ratings:    repos.Ratings,
		tiers:      repos.Tiers,
		placements: repos.Placements,
		matches:    repos.Matches,
		model:      model,
		placement:  placement,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "rating_service").Logger(),
		now:        time.Now,
		ladder:     ladder,
	}
}

// LoadLadder reads the tier table, seeding the default ladder when it is empty
func (s *RatingService) LoadLadder(ctx context.Context) error {
	defs, err := s.tiers.List(ctx)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		defs = rating.DefaultTiers()
		if err := s.tiers.ReplaceAll(ctx, defs); err != nil {
			return err
		}
		s.log.Info().Int("tiers", len(defs)).Msg("seeded default tier ladder")
	}

	ladder, err := rating.NewLadder(defs)
	if err != nil {
		return err
	}
	s.setLadder(ladder)
	return nil
}

func (s *RatingService) setLadder(l *rating.Ladder) {
	s.mu.Lock()
	s.ladder = l
	s.mu.Unlock()
}

// Ladder returns the tier ladder currently in force
func (s *RatingService) Ladder() *rating.Ladder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ladder
}

func (s *RatingService) Tiers() []domain.TierDefinition {
	return s.Ladder().Tiers()
}

// ReplaceTiers validates and installs a new tier ladder. Existing ratings keep
// their tier until their next update.
func (s *RatingService) ReplaceTiers(ctx context.Context, defs []domain.TierDefinition) ([]domain.TierDefinition, error) {
	ladder, err := rating.NewLadder(defs)
	if err != nil {
		return nil, err
	}
	now := s.now()
	tiers := ladder.Tiers()
	for i := range tiers {
		tiers[i].UpdatedAt = now
	}
	if err := s.tiers.ReplaceAll(ctx, tiers); err != nil {
		return nil, err
	}
	s.setLadder(ladder)
	s.log.Info().Int("tiers", len(tiers)).Msg("tier ladder replaced")
	return ladder.Tiers(), nil
}

func (s *RatingService) Get(ctx context.Context, playerID uuid.UUID) (*domain.PlayerRating, error) {
	return s.ratings.Get(ctx, playerID)
}

// EnsureRatings returns a rating for every player, creating provisional
// ratings for players seen for the first time
func (s *RatingService) EnsureRatings(ctx context.Context, playerIDs []uuid.UUID) (map[uuid.UUID]domain.PlayerRating, error) {
	found, err := s.ratings.GetMany(ctx, playerIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range playerIDs {
		if _, ok := found[id]; ok {
			continue
		}
		r := s.model.NewRating(id)
		if err := s.ratings.Create(ctx, &r); err != nil {
			if !domain.IsConflict(err) {
				return nil, err
			}
			// Created concurrently by another search
			existing, err := s.ratings.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			r = *existing
		}
		found[id] = r
	}
	return found, nil
}

// ApplyMatchResult updates the rating of every player of a started match.
// A match's result is applied at most once per player: each rating records the
// last match applied to it, so a report that failed part way can be resent and
// only the players still missing are rated. The match is marked applied once
// every player has been rated.
func (s *RatingService) ApplyMatchResult(ctx context.Context, in MatchResultInput) ([]domain.PlayerRating, error) {
	playerIDs, err := validateResults(in)
	if err != nil {
		return nil, err
	}

	match, err := s.matches.GetMatch(ctx, in.MatchID)
	if err != nil {
		return nil, err
	}
	if match.ResultAppliedAt != nil {
		return nil, domain.NewConflictError("match "+in.MatchID, domain.ErrResultAlreadyFinal)
	}
	formed, err := checkRoster(match, playerIDs)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.ratings.GetMany(ctx, playerIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range playerIDs {
		r, ok := snapshot[id]
		if !ok {
			return nil, domain.NewNotFoundError("rating", id)
		}
		// Rated by an earlier attempt; measure against the rating it was
		// matched at.
		if r.LastMatchID == in.MatchID {
			r.RatingMean = formed[id]
			snapshot[id] = r
		}
	}

	// Every player is measured against the same pre-match snapshot.
	now := s.now()
	opponents := rating.Opponents(in.Results, snapshot)
	ladder := s.Ladder()

	updated := make([]domain.PlayerRating, 0, len(playerIDs))
	for _, id := range playerIDs {
		opp := opponents[id]
		r, err := s.update(ctx, id, func(cur domain.PlayerRating) (domain.PlayerRating, error) {
			if cur.LastMatchID == in.MatchID {
				return cur, errUnchanged
			}
			next := s.model.Apply(cur, opp, now)
			next.LastMatchID = in.MatchID
			if !next.Provisional {
				next.Tier, next.Division = ladder.Evaluate(cur.Tier, next.RatingMean)
			}
			return next, nil
		})
		if err != nil {
			s.log.Error().Err(err).
				Str("match_id", in.MatchID).
				Str("player_id", id.String()).
				Msg("failed to apply match result")
			return updated, err
		}
		updated = append(updated, *r)
	}

	if err := s.matches.MarkResultApplied(ctx, in.MatchID, now); err != nil {
		return updated, err
	}
	s.log.Info().Str("match_id", in.MatchID).Int("players", len(updated)).Msg("match result applied")
	return updated, nil
}

// ApplyPlacement seeds a player's rating from their placement matches. The
// record is stored after the rating write so a failed write can be retried.
func (s *RatingService) ApplyPlacement(ctx context.Context, rec domain.PlacementRecord) (*domain.PlayerRating, error) {
	evaluator := rating.NewPlacementEvaluator(s.placement, s.Ladder())
	if err := evaluator.Validate(rec); err != nil {
		return nil, err
	}
	if _, err := s.placements.Get(ctx, rec.PlayerID); err == nil {
		return nil, domain.NewConflictError("placement "+rec.PlayerID.String(), domain.ErrPlacementConsumed)
	} else if !domain.IsNotFound(err) {
		return nil, err
	}
	if _, err := s.EnsureRatings(ctx, []uuid.UUID{rec.PlayerID}); err != nil {
		return nil, err
	}

	r, err := s.update(ctx, rec.PlayerID, func(cur domain.PlayerRating) (domain.PlayerRating, error) {
		if !cur.Provisional {
			return cur, domain.NewConflictError("placement "+rec.PlayerID.String(), domain.ErrPlacementConsumed)
		}
		return evaluator.Seed(cur, rec)
	})
	if err != nil {
		return nil, err
	}

	consumed := rec
	consumed.ConsumedAt = nil
	if err := s.placements.Consume(ctx, &consumed); err != nil {
		// The rating is no longer provisional, which already blocks a second seed.
		s.log.Error().Err(err).Str("player_id", rec.PlayerID.String()).Msg("failed to store placement record")
	}

	s.log.Info().
		Str("player_id", rec.PlayerID.String()).
		Float64("rating", r.RatingMean).
		Str("tier", r.Tier).
		Int("division", r.Division).
		Msg("placement applied")
	return r, nil
}

// errUnchanged tells update the current rating needs no write
var errUnchanged = errors.New("rating unchanged")

// update reloads and rewrites one rating until the version check passes or
// the retry budget runs out
func (s *RatingService) update(ctx context.Context, playerID uuid.UUID, fn func(domain.PlayerRating) (domain.PlayerRating, error)) (*domain.PlayerRating, error) {
	var out domain.PlayerRating
	op := func() error {
		cur, err := s.ratings.Get(ctx, playerID)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, err := fn(*cur)
		if errors.Is(err, errUnchanged) {
			out = *cur
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.ratings.UpdateVersioned(ctx, &next, cur.Version); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = next
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 5 * time.Millisecond
	exp.MaxInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return &out, nil
}

// validateResults checks the shape of a result report and returns its players
func validateResults(in MatchResultInput) ([]uuid.UUID, error) {
	if in.MatchID == "" {
		return nil, domain.NewValidationError("matchId", errors.New("match id is required"))
	}
	if len(in.Results) < 2 {
		return nil, domain.NewValidationError("results", fmt.Errorf("%w: at least two teams are required", domain.ErrInvalidOutcome))
	}

	counts := make(map[domain.Outcome]int)
	seen := make(map[uuid.UUID]bool)
	var players []uuid.UUID
	for _, team := range in.Results {
		if !team.Outcome.IsValid() {
			return nil, domain.NewValidationError("results", fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, team.Outcome))
		}
		if len(team.PlayerIDs) == 0 {
			return nil, domain.NewValidationError("results", fmt.Errorf("%w: team %d has no players", domain.ErrInvalidOutcome, team.TeamIndex))
		}
		counts[team.Outcome]++
		for _, id := range team.PlayerIDs {
			if seen[id] {
				return nil, domain.NewValidationError("results", fmt.Errorf("%w: player %s reported twice", domain.ErrInvalidOutcome, id))
			}
			seen[id] = true
			players = append(players, id)
		}
	}

	draws := counts[domain.OutcomeDraw]
	switch {
	case draws == len(in.Results):
	case draws == 0 && counts[domain.OutcomeWin] > 0 && counts[domain.OutcomeLoss] > 0:
	default:
		return nil, domain.NewValidationError("results", fmt.Errorf("%w: outcomes must be all draws or contain a win and a loss", domain.ErrInvalidOutcome))
	}
	return players, nil
}

// checkRoster requires the reported players to be exactly the match's players
// and returns the rating each player was matched at
func checkRoster(match *domain.Match, players []uuid.UUID) (map[uuid.UUID]float64, error) {
	var teams []domain.Team
	if err := json.Unmarshal(match.Teams, &teams); err != nil {
		return nil, &domain.InfrastructureError{Operation: "decode match teams", Err: err}
	}
	roster := make(map[uuid.UUID]float64)
	for _, team := range teams {
		for _, slot := range team.Slots {
			roster[slot.PlayerID] = slot.Rating
		}
	}
	if len(roster) != len(players) {
		return nil, domain.NewValidationError("results", fmt.Errorf("%w: %d players reported for a match of %d", domain.ErrInvalidOutcome, len(players), len(roster)))
	}
	for _, id := range players {
		if _, ok := roster[id]; !ok {
			return nil, domain.NewValidationError("results", fmt.Errorf("%w: player %s did not play match %s", domain.ErrInvalidOutcome, id, match.ID))
		}
	}
	return roster, nil
}
