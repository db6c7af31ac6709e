package rating_test

import (
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/rating"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settled(mean, uncertainty float64) domain.PlayerRating {
	return domain.PlayerRating{
		PlayerID:          uuid.New(),
		RatingMean:        mean,
		RatingUncertainty: uncertainty,
		GamesPlayed:       20,
	}
}

func TestExpectedScore(t *testing.T) {
	assert.InDelta(t, 0.5, rating.ExpectedScore(1500, 1500), 1e-9)
	assert.InDelta(t, 1/(1+10.0), rating.ExpectedScore(1500, 1900), 1e-9)
	assert.InDelta(t, 1.0, rating.ExpectedScore(1500, 1300)+rating.ExpectedScore(1300, 1500), 1e-9)
}

func TestKFactor_ScalesWithUncertainty(t *testing.T) {
	m := rating.NewModel(rating.DefaultPolicy())

	assert.Equal(t, 64.0, m.KFactor(350))
	assert.Equal(t, 64.0, m.KFactor(1000), "ratio is capped at 1")
	assert.InDelta(t, 32.0, m.KFactor(175), 1e-9)
	assert.Equal(t, 16.0, m.KFactor(10), "ratio is floored at KMinRatio")
}

func TestApply_WinAndLoss(t *testing.T) {
	m := rating.NewModel(rating.DefaultPolicy())
	now := time.Now()

	winner := m.Apply(settled(1500, 200), []rating.Opponent{{Rating: 1500, Score: 1}}, now)
	loser := m.Apply(settled(1500, 200), []rating.Opponent{{Rating: 1500, Score: 0}}, now)
	draw := m.Apply(settled(1500, 200), []rating.Opponent{{Rating: 1500, Score: 0.5}}, now)

	assert.Greater(t, winner.RatingMean, 1500.0)
	assert.Less(t, loser.RatingMean, 1500.0)
	assert.InDelta(t, 1500.0, draw.RatingMean, 1e-9)
	assert.InDelta(t, winner.RatingMean-1500, 1500-loser.RatingMean, 1e-9)
	assert.Equal(t, 21, winner.GamesPlayed)
	require.NotNil(t, winner.LastMatchAt)
}

func TestApply_UncertainPlayersMoveFaster(t *testing.T) {
	m := rating.NewModel(rating.DefaultPolicy())
	opp := []rating.Opponent{{Rating: 1500, Score: 1}}
	now := time.Now()

	fresh := m.Apply(settled(1500, 340), opp, now)
	veteran := m.Apply(settled(1500, 80), opp, now)

	assert.Greater(t, fresh.RatingMean-1500, veteran.RatingMean-1500)
}

func TestApply_UncertaintyConvergesToFloor(t *testing.T) {
	policy := rating.DefaultPolicy()
	m := rating.NewModel(policy)
	r := settled(1500, policy.InitialUncertainty)
	now := time.Now()

	prev := r.RatingUncertainty
	for i := 0; i < 200; i++ {
		r = m.Apply(r, []rating.Opponent{{Rating: 1500, Score: float64(i % 2)}}, now)
		assert.LessOrEqual(t, r.RatingUncertainty, prev)
		assert.GreaterOrEqual(t, r.RatingUncertainty, policy.UncertaintyFloor)
		prev = r.RatingUncertainty
	}
	assert.Equal(t, policy.UncertaintyFloor, r.RatingUncertainty)
}

func TestApply_ProvisionalOnlyCountsGames(t *testing.T) {
	m := rating.NewModel(rating.DefaultPolicy())
	r := m.NewRating(uuid.New())

	after := m.Apply(r, []rating.Opponent{{Rating: 2000, Score: 1}}, time.Now())

	assert.Equal(t, r.RatingMean, after.RatingMean)
	assert.Equal(t, r.RatingUncertainty, after.RatingUncertainty)
	assert.Equal(t, 1, after.GamesPlayed)
}

func TestDecay(t *testing.T) {
	policy := rating.DefaultPolicy()
	m := rating.NewModel(policy)
	now := time.Now()

	tests := []struct {
		name     string
		inactive time.Duration
		start    float64
		want     float64
	}{
		{"within period", 10 * 24 * time.Hour, 100, 100},
		{"one period", 31 * 24 * time.Hour, 100, 105.9481},
		{"capped at initial", 3650 * 24 * time.Hour, 300, policy.InitialUncertainty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := now.Add(-tt.inactive)
			r := settled(1500, tt.start)
			r.LastMatchAt = &last

			got := m.Decay(r, now)
			assert.InDelta(t, tt.want, got.RatingUncertainty, 1e-3)
			assert.GreaterOrEqual(t, got.RatingUncertainty, tt.start)
		})
	}
}

func TestOpponents_TwoTeams(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	ratings := map[uuid.UUID]domain.PlayerRating{
		a: {RatingMean: 1400}, b: {RatingMean: 1600},
		c: {RatingMean: 1500}, d: {RatingMean: 1700},
	}
	results := []domain.TeamResult{
		{TeamIndex: 0, PlayerIDs: []uuid.UUID{a, b}, Outcome: domain.OutcomeWin},
		{TeamIndex: 1, PlayerIDs: []uuid.UUID{c, d}, Outcome: domain.OutcomeLoss},
	}

	opps := rating.Opponents(results, ratings)

	require.Len(t, opps[a], 1)
	assert.Equal(t, rating.Opponent{Rating: 1600, Score: 1}, opps[a][0])
	assert.Equal(t, rating.Opponent{Rating: 1500, Score: 0}, opps[d][0])
}

func TestLadder_RejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]domain.TierDefinition)
	}{
		{"promotion below floor", func(d []domain.TierDefinition) { d[2].PromotionThreshold = d[2].MinRating }},
		{"demotion above floor", func(d []domain.TierDefinition) { d[2].DemotionThreshold = d[2].MinRating + 1 }},
		{"too many divisions", func(d []domain.TierDefinition) { d[1].Divisions = 6 }},
		{"unordered floors", func(d []domain.TierDefinition) { d[3].MinRating = d[2].MinRating }},
		{"duplicate name", func(d []domain.TierDefinition) { d[4].Name = d[3].Name }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defs := rating.DefaultTiers()
			tt.mutate(defs)
			_, err := rating.NewLadder(defs)
			assert.True(t, domain.IsValidation(err))
		})
	}

	_, err := rating.NewLadder(nil)
	assert.True(t, domain.IsValidation(err))
}

func TestLadder_Hysteresis(t *testing.T) {
	ladder, err := rating.NewLadder(rating.DefaultTiers())
	require.NoError(t, err)

	tests := []struct {
		name     string
		previous string
		mean     float64
		want     string
	}{
		{"placement uses floors", "", 1610, "Gold"},
		{"silver stays below gold promotion line", "Silver", 1610, "Silver"},
		{"silver promotes at promotion line", "Silver", 1625, "Gold"},
		{"gold holds just below floor", "Gold", 1590, "Gold"},
		{"gold demotes below demotion line", "Gold", 1574, "Silver"},
		{"multi-tier promotion", "Iron", 2100, "Platinum"},
		{"multi-tier demotion", "Platinum", 1000, "Bronze"},
		{"lowest tier never demotes", "Iron", -50, "Iron"},
		{"unknown previous tier is placed", "Wood", 2450, "Emerald"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ladder.Evaluate(tt.previous, tt.mean)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLadder_EvaluateIsIdempotent(t *testing.T) {
	ladder, err := rating.NewLadder(rating.DefaultTiers())
	require.NoError(t, err)

	for _, prev := range []string{"", "Iron", "Silver", "Gold", "Diamond", "Challenger"} {
		for mean := -100.0; mean <= 4000; mean += 7 {
			tier, div := ladder.Evaluate(prev, mean)
			for i := 0; i < 3; i++ {
				again, againDiv := ladder.Evaluate(tier, mean)
				require.Equal(t, tier, again, "prev=%s mean=%v", prev, mean)
				require.Equal(t, div, againDiv)
			}
		}
	}
}

func TestLadder_Divisions(t *testing.T) {
	ladder, err := rating.NewLadder(rating.DefaultTiers())
	require.NoError(t, err)

	tests := []struct {
		mean     float64
		tier     string
		division int
	}{
		{1200, "Silver", 1},
		{1299, "Silver", 1},
		{1300, "Silver", 2},
		{1599, "Silver", 4},
		{3300, "Master", 1},
		{5000, "Challenger", 1},
	}

	for _, tt := range tests {
		tier, div := ladder.Place(tt.mean)
		assert.Equal(t, tt.tier, tier, "mean %v", tt.mean)
		assert.Equal(t, tt.division, div, "mean %v", tt.mean)
	}
}

func TestPlacement(t *testing.T) {
	ladder, err := rating.NewLadder(rating.DefaultTiers())
	require.NoError(t, err)
	policy := rating.PlacementPolicy{Games: 10, BandMin: 800, BandMax: 2000, Uncertainty: 300}
	eval := rating.NewPlacementEvaluator(policy, ladder)
	model := rating.NewModel(rating.DefaultPolicy())

	t.Run("seven wins seeds above the band median", func(t *testing.T) {
		r := model.NewRating(uuid.New())
		seeded, err := eval.Seed(r, domain.PlacementRecord{TotalGames: 10, Wins: 7, Losses: 3})
		require.NoError(t, err)

		median := (policy.BandMin + policy.BandMax) / 2
		assert.Greater(t, seeded.RatingMean, median)
		assert.InDelta(t, 1640.0, seeded.RatingMean, 1e-9)
		assert.Equal(t, 300.0, seeded.RatingUncertainty)
		assert.False(t, seeded.Provisional)
		assert.Equal(t, "Gold", seeded.Tier)
	})

	t.Run("mapping is monotone in wins", func(t *testing.T) {
		prev := -1.0
		for wins := 0; wins <= 10; wins++ {
			mean := eval.Mean(domain.PlacementRecord{TotalGames: 10, Wins: wins, Losses: 10 - wins})
			assert.Greater(t, mean, prev)
			prev = mean
		}
	})

	t.Run("draws count as half", func(t *testing.T) {
		mean := eval.Mean(domain.PlacementRecord{TotalGames: 10, Wins: 5, Draws: 2, Losses: 3})
		assert.InDelta(t, 800+1200*0.6, mean, 1e-9)
	})

	t.Run("invalid records", func(t *testing.T) {
		bad := []domain.PlacementRecord{
			{TotalGames: 10, Wins: 7, Losses: 2},
			{TotalGames: 5, Wins: 3, Losses: 2},
			{TotalGames: 10, Wins: 11, Losses: -1},
		}
		for _, rec := range bad {
			_, err := eval.Seed(model.NewRating(uuid.New()), rec)
			assert.True(t, domain.IsValidation(err))
		}
	})
}
