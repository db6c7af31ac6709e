package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/rating"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/dom/ranked-matchmaking/internal/repository/memory"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPlacement = rating.PlacementPolicy{Games: 10, BandMin: 800, BandMax: 2000, Uncertainty: 300}

// racingRatings loses the version check a fixed number of times
type racingRatings struct {
	repository.RatingRepository
	conflicts atomic.Int32
}

func (r *racingRatings) UpdateVersioned(ctx context.Context, rating *domain.PlayerRating, expected int64) error {
	if r.conflicts.Add(-1) >= 0 {
		return domain.NewConflictError("rating "+rating.PlayerID.String(), domain.ErrVersionConflict)
	}
	return r.RatingRepository.UpdateVersioned(ctx, rating, expected)
}

// failingRatings rejects writes for one player, or every player when
// playerID is nil, until its failure count runs out
type failingRatings struct {
	repository.RatingRepository
	playerID uuid.UUID
	err      error
	failures atomic.Int32
}

func (r *failingRatings) UpdateVersioned(ctx context.Context, rating *domain.PlayerRating, expected int64) error {
	if (r.playerID == uuid.Nil || r.playerID == rating.PlayerID) && r.failures.Add(-1) >= 0 {
		return r.err
	}
	return r.RatingRepository.UpdateVersioned(ctx, rating, expected)
}

func newRatingService(t *testing.T, repos *repository.Repositories) *service.RatingService {
	t.Helper()
	svc := service.NewRatingService(repos, rating.NewModel(rating.DefaultPolicy()), testPlacement, 3, zerolog.Nop())
	require.NoError(t, svc.LoadLadder(context.Background()))
	return svc
}

// startedMatch persists a 1v1 match between two placed players
func startedMatch(t *testing.T, repos *repository.Repositories, svc *service.RatingService) (string, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b} {
		_, err := svc.ApplyPlacement(ctx, domain.PlacementRecord{PlayerID: id, TotalGames: 10, Wins: 5, Losses: 5})
		require.NoError(t, err)
	}

	teams, err := json.Marshal([]domain.Team{
		{Index: 0, Slots: []domain.TeamSlot{{PlayerID: a, Rating: 1400}}},
		{Index: 1, Slots: []domain.TeamSlot{{PlayerID: b, Rating: 1400}}},
	})
	require.NoError(t, err)
	id := "m-" + uuid.NewString()[:8]
	require.NoError(t, repos.Matches.CreateMatch(ctx, &domain.Match{
		ID: id, QueueType: domain.QueueRankedSolo, Region: "na", Teams: teams,
		SessionServerID: "gs-test", LockReason: domain.LockReady, StartedAt: time.Now(),
	}))
	return id, a, b
}

func TestRatingService_LoadLadderSeedsDefaults(t *testing.T) {
	repos := memory.NewRepositories()
	svc := newRatingService(t, repos)

	stored, err := repos.Tiers.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, len(rating.DefaultTiers()))
	assert.Equal(t, len(stored), len(svc.Tiers()))
}

func TestRatingService_ReplaceTiers(t *testing.T) {
	repos := memory.NewRepositories()
	svc := newRatingService(t, repos)
	ctx := context.Background()

	_, err := svc.ReplaceTiers(ctx, []domain.TierDefinition{
		{Name: "Iron", Ordinal: 0, MinRating: 0, Divisions: 9, PromotionThreshold: 25, DemotionThreshold: -25},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTierLadder)
	assert.Len(t, svc.Tiers(), len(rating.DefaultTiers()), "a rejected ladder leaves the current one in place")

	tiers, err := svc.ReplaceTiers(ctx, []domain.TierDefinition{
		{Name: "Gold", Ordinal: 1, MinRating: 1500, Divisions: 2, PromotionThreshold: 1525, DemotionThreshold: 1475},
		{Name: "Iron", Ordinal: 0, MinRating: 0, Divisions: 1, PromotionThreshold: 25, DemotionThreshold: -25},
	})
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, "Iron", tiers[0].Name)

	r, err := svc.ApplyPlacement(ctx, domain.PlacementRecord{PlayerID: uuid.New(), TotalGames: 10, Wins: 10})
	require.NoError(t, err)
	assert.Equal(t, "Gold", r.Tier)
}

func TestRatingService_ApplyPlacement(t *testing.T) {
	svc := newRatingService(t, memory.NewRepositories())
	ctx := context.Background()
	playerID := uuid.New()

	_, err := svc.ApplyPlacement(ctx, domain.PlacementRecord{PlayerID: playerID, TotalGames: 4, Wins: 4})
	assert.True(t, domain.IsValidation(err))

	r, err := svc.ApplyPlacement(ctx, domain.PlacementRecord{PlayerID: playerID, TotalGames: 10, Wins: 7, Losses: 3})
	require.NoError(t, err)
	assert.False(t, r.Provisional)
	assert.InDelta(t, 800+1200*0.7, r.RatingMean, 1e-9)
	assert.Equal(t, 10, r.GamesPlayed)
	assert.NotEmpty(t, r.Tier)

	_, err = svc.ApplyPlacement(ctx, domain.PlacementRecord{PlayerID: playerID, TotalGames: 10, Wins: 10})
	assert.True(t, domain.IsConflict(err))
	assert.ErrorIs(t, err, domain.ErrPlacementConsumed)
}

func TestRatingService_ApplyMatchResultOnce(t *testing.T) {
	repos := memory.NewRepositories()
	svc := newRatingService(t, repos)
	ctx := context.Background()
	matchID, a, b := startedMatch(t, repos, svc)

	in := service.MatchResultInput{
		MatchID: matchID,
		Results: []domain.TeamResult{
			{TeamIndex: 0, PlayerIDs: []uuid.UUID{a}, Outcome: domain.OutcomeDraw},
			{TeamIndex: 1, PlayerIDs: []uuid.UUID{b}, Outcome: domain.OutcomeDraw},
		},
	}
	updated, err := svc.ApplyMatchResult(ctx, in)
	require.NoError(t, err)
	require.Len(t, updated, 2)
	for _, r := range updated {
		assert.InDelta(t, 1400, r.RatingMean, 1e-9, "equal players drawing keep their rating")
		assert.Equal(t, 11, r.GamesPlayed)
		assert.Less(t, r.RatingUncertainty, testPlacement.Uncertainty)
		assert.Equal(t, int64(2), r.Version)
	}

	_, err = svc.ApplyMatchResult(ctx, in)
	assert.ErrorIs(t, err, domain.ErrResultAlreadyFinal)
}

func TestRatingService_ApplyMatchResultResumesAfterPartialFailure(t *testing.T) {
	repos := memory.NewRepositories()
	failing := &failingRatings{RatingRepository: repos.Ratings}
	repos.Ratings = failing
	svc := newRatingService(t, repos)
	ctx := context.Background()
	matchID, a, b := startedMatch(t, repos, svc)

	in := service.MatchResultInput{
		MatchID: matchID,
		Results: []domain.TeamResult{
			{TeamIndex: 0, PlayerIDs: []uuid.UUID{a}, Outcome: domain.OutcomeWin},
			{TeamIndex: 1, PlayerIDs: []uuid.UUID{b}, Outcome: domain.OutcomeLoss},
		},
	}

	// b keeps losing the version check until the retry budget runs out
	failing.playerID = b
	failing.err = domain.NewConflictError("rating "+b.String(), domain.ErrVersionConflict)
	failing.failures.Store(100)
	_, err := svc.ApplyMatchResult(ctx, in)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	match, err := repos.Matches.GetMatch(ctx, matchID)
	require.NoError(t, err)
	assert.Nil(t, match.ResultAppliedAt, "a partly applied result leaves the match open")

	winner, err := svc.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, matchID, winner.LastMatchID)
	assert.Greater(t, winner.RatingMean, 1400.0)

	failing.failures.Store(0)
	updated, err := svc.ApplyMatchResult(ctx, in)
	require.NoError(t, err)
	require.Len(t, updated, 2)

	again, err := svc.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, winner.Version, again.Version, "the winner is not rated twice")
	assert.Equal(t, 11, again.GamesPlayed)

	loser, err := svc.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, matchID, loser.LastMatchID)
	assert.Equal(t, 11, loser.GamesPlayed)
	assert.InDelta(t, again.RatingMean-1400, 1400-loser.RatingMean, 1e-9, "the loser is measured against the winner's pre-match rating")

	_, err = svc.ApplyMatchResult(ctx, in)
	assert.ErrorIs(t, err, domain.ErrResultAlreadyFinal)
}

func TestRatingService_ApplyPlacementRetriesAfterFailedWrite(t *testing.T) {
	repos := memory.NewRepositories()
	failing := &failingRatings{
		RatingRepository: repos.Ratings,
		err:              &domain.InfrastructureError{Operation: "update rating", Err: errors.New("connection reset")},
	}
	repos.Ratings = failing
	svc := newRatingService(t, repos)
	ctx := context.Background()
	playerID := uuid.New()
	rec := domain.PlacementRecord{PlayerID: playerID, TotalGames: 10, Wins: 6, Losses: 4}

	failing.failures.Store(1)
	_, err := svc.ApplyPlacement(ctx, rec)
	require.Error(t, err)
	assert.True(t, domain.IsInfrastructure(err))

	r, err := svc.Get(ctx, playerID)
	require.NoError(t, err)
	assert.True(t, r.Provisional)
	_, err = repos.Placements.Get(ctx, playerID)
	assert.True(t, domain.IsNotFound(err), "a failed write does not consume the placement")

	r, err = svc.ApplyPlacement(ctx, rec)
	require.NoError(t, err)
	assert.False(t, r.Provisional)

	stored, err := repos.Placements.Get(ctx, playerID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ConsumedAt)
}

func TestRatingService_ApplyMatchResultValidation(t *testing.T) {
	repos := memory.NewRepositories()
	svc := newRatingService(t, repos)
	matchID, a, b := startedMatch(t, repos, svc)

	team := func(outcome domain.Outcome, ids ...uuid.UUID) domain.TeamResult {
		return domain.TeamResult{PlayerIDs: ids, Outcome: outcome}
	}

	tests := []struct {
		name  string
		input service.MatchResultInput
		check func(error) bool
	}{
		{
			name:  "missing match id",
			input: service.MatchResultInput{Results: []domain.TeamResult{team(domain.OutcomeWin, a), team(domain.OutcomeLoss, b)}},
			check: domain.IsValidation,
		},
		{
			name:  "single team",
			input: service.MatchResultInput{MatchID: matchID, Results: []domain.TeamResult{team(domain.OutcomeWin, a, b)}},
			check: domain.IsValidation,
		},
		{
			name:  "two winners",
			input: service.MatchResultInput{MatchID: matchID, Results: []domain.TeamResult{team(domain.OutcomeWin, a), team(domain.OutcomeWin, b)}},
			check: domain.IsValidation,
		},
		{
			name:  "draw mixed with a win",
			input: service.MatchResultInput{MatchID: matchID, Results: []domain.TeamResult{team(domain.OutcomeWin, a), team(domain.OutcomeDraw, b)}},
			check: domain.IsValidation,
		},
		{
			name:  "unknown outcome",
			input: service.MatchResultInput{MatchID: matchID, Results: []domain.TeamResult{team("FORFEIT", a), team(domain.OutcomeLoss, b)}},
			check: domain.IsValidation,
		},
		{
			name:  "player reported twice",
			input: service.MatchResultInput{MatchID: matchID, Results: []domain.TeamResult{team(domain.OutcomeWin, a), team(domain.OutcomeLoss, a)}},
			check: domain.IsValidation,
		},
		{
			name:  "player not in match",
			input: service.MatchResultInput{MatchID: matchID, Results: []domain.TeamResult{team(domain.OutcomeWin, a), team(domain.OutcomeLoss, uuid.New())}},
			check: domain.IsValidation,
		},
		{
			name:  "unknown match",
			input: service.MatchResultInput{MatchID: "nope", Results: []domain.TeamResult{team(domain.OutcomeWin, a), team(domain.OutcomeLoss, b)}},
			check: domain.IsNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ApplyMatchResult(context.Background(), tt.input)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	// None of the rejected reports consumed the match.
	_, err := svc.ApplyMatchResult(context.Background(), service.MatchResultInput{
		MatchID: matchID,
		Results: []domain.TeamResult{team(domain.OutcomeWin, a), team(domain.OutcomeLoss, b)},
	})
	assert.NoError(t, err)
}

func TestRatingService_RetriesVersionConflicts(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int32
		wantErr   bool
	}{
		{name: "recovers after losing races", conflicts: 2},
		{name: "gives up after the retry budget", conflicts: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repos := memory.NewRepositories()
			racing := &racingRatings{RatingRepository: repos.Ratings}
			repos.Ratings = racing
			svc := newRatingService(t, repos)
			ctx := context.Background()

			playerID := uuid.New()
			_, err := svc.EnsureRatings(ctx, []uuid.UUID{playerID})
			require.NoError(t, err)

			racing.conflicts.Store(tt.conflicts)
			_, err = svc.ApplyPlacement(ctx, domain.PlacementRecord{PlayerID: playerID, TotalGames: 10, Wins: 5, Losses: 5})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, domain.IsConflict(err))
				assert.ErrorIs(t, err, domain.ErrVersionConflict)
				return
			}
			require.NoError(t, err)
			r, err := svc.Get(ctx, playerID)
			require.NoError(t, err)
			assert.False(t, r.Provisional)
		})
	}
}

func TestRatingService_EnsureRatingsIsIdempotent(t *testing.T) {
	svc := newRatingService(t, memory.NewRepositories())
	ctx := context.Background()
	playerID := uuid.New()

	first, err := svc.EnsureRatings(ctx, []uuid.UUID{playerID})
	require.NoError(t, err)
	second, err := svc.EnsureRatings(ctx, []uuid.UUID{playerID})
	require.NoError(t, err)
	assert.Equal(t, first[playerID].RatingMean, second[playerID].RatingMean)
	assert.True(t, second[playerID].Provisional)
}
