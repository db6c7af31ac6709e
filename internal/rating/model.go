package rating

import (
	"math"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

// Policy holds the tunables of the rating update
type Policy struct {
	InitialMean        float64
	InitialUncertainty float64
	UncertaintyFloor   float64
	// ShrinkFactor multiplies uncertainty after every rated game
	ShrinkFactor float64
	KBase        float64
	// KMinRatio bounds how slowly a settled player may move, as a fraction of KBase
	KMinRatio        float64
	InactivityPeriod time.Duration
	DecayPerPeriod   float64
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		InitialMean:        1200,
		InitialUncertainty: 350,
		UncertaintyFloor:   60,
		ShrinkFactor:       0.94,
		KBase:              64,
		KMinRatio:          0.25,
		InactivityPeriod:   30 * 24 * time.Hour,
		DecayPerPeriod:     35,
	}
}

// Opponent is one side a player was measured against
type Opponent struct {
	Rating float64
	Score  float64
}

// Model applies Elo-style updates with a K-factor scaled by uncertainty
type Model struct {
	policy Policy
}

func NewModel(policy Policy) *Model {
	return &Model{policy: policy}
}

// Policy returns the model's configuration
func (m *Model) Policy() Policy {
	return m.policy
}

// NewRating returns the provisional rating of a player with no history
func (m *Model) NewRating(playerID uuid.UUID) domain.PlayerRating {
	return domain.PlayerRating{
		PlayerID:          playerID,
		RatingMean:        m.policy.InitialMean,
		RatingUncertainty: m.policy.InitialUncertainty,
		Provisional:       true,
	}
}

// ExpectedScore is the probability that a player rated self beats one rated opp
func ExpectedScore(self, opp float64) float64 {
	return 1 / (1 + math.Pow(10, (opp-self)/400))
}

// KFactor grows with uncertainty so unsettled players converge faster
func (m *Model) KFactor(uncertainty float64) float64 {
	ratio := uncertainty / m.policy.InitialUncertainty
	ratio = math.Max(m.policy.KMinRatio, math.Min(1, ratio))
	return m.policy.KBase * ratio
}

// Decay widens uncertainty for every full inactivity period since the last match.
// It is the only rule that increases uncertainty and never exceeds the initial value.
func (m *Model) Decay(r domain.PlayerRating, now time.Time) domain.PlayerRating {
	if r.LastMatchAt == nil || m.policy.InactivityPeriod <= 0 || !now.After(*r.LastMatchAt) {
		return r
	}
	periods := math.Floor(float64(now.Sub(*r.LastMatchAt)) / float64(m.policy.InactivityPeriod))
	if periods < 1 {
		return r
	}
	c := m.policy.DecayPerPeriod
	u := math.Sqrt(r.RatingUncertainty*r.RatingUncertainty + c*c*periods)
	r.RatingUncertainty = math.Min(m.policy.InitialUncertainty, math.Max(u, r.RatingUncertainty))
	return r
}

// Apply updates a rating after one game played against the given opponents.
// Provisional players only accumulate games; their mean is seeded by placement.
func (m *Model) Apply(r domain.PlayerRating, opponents []Opponent, now time.Time) domain.PlayerRating {
	r = m.Decay(r, now)

	if !r.Provisional && len(opponents) > 0 {
		k := m.KFactor(r.RatingUncertainty)
		var delta float64
		for _, o := range opponents {
			delta += k * (o.Score - ExpectedScore(r.RatingMean, o.Rating))
		}
		r.RatingMean += delta / float64(len(opponents))
		r.RatingUncertainty = math.Max(m.policy.UncertaintyFloor, r.RatingUncertainty*m.policy.ShrinkFactor)
	}

	r.GamesPlayed++
	played := now
	r.LastMatchAt = &played
	return r
}

// Opponents pairs every player with the mean rating of each opposing team.
// A win over a loss scores 1, equal outcomes score 0.5.
func Opponents(results []domain.TeamResult, ratings map[uuid.UUID]domain.PlayerRating) map[uuid.UUID][]Opponent {
	means := make([]float64, len(results))
	for i, team := range results {
		var sum float64
		for _, id := range team.PlayerIDs {
			sum += ratings[id].RatingMean
		}
		if len(team.PlayerIDs) > 0 {
			means[i] = sum / float64(len(team.PlayerIDs))
		}
	}

	out := make(map[uuid.UUID][]Opponent)
	for i, team := range results {
		for j, other := range results {
			if i == j {
				continue
			}
			score := pairScore(team.Outcome, other.Outcome)
			for _, id := range team.PlayerIDs {
				out[id] = append(out[id], Opponent{Rating: means[j], Score: score})
			}
		}
	}
	return out
}

func pairScore(self, other domain.Outcome) float64 {
	return (self.Score() - other.Score() + 1) / 2
}
