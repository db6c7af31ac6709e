package rating

import (
	"fmt"
	"math"

	"github.com/dom/ranked-matchmaking/internal/domain"
)

// PlacementPolicy describes how placement results seed a rating
type PlacementPolicy struct {
	Games       int
	BandMin     float64
	BandMax     float64
	Uncertainty float64
}

// PlacementEvaluator turns placement match results into an initial rating
type PlacementEvaluator struct {
	policy PlacementPolicy
	ladder *Ladder
}

func NewPlacementEvaluator(policy PlacementPolicy, ladder *Ladder) *PlacementEvaluator {
	return &PlacementEvaluator{policy: policy, ladder: ladder}
}

// Validate checks a record is complete and internally consistent
func (e *PlacementEvaluator) Validate(rec domain.PlacementRecord) error {
	if rec.Wins < 0 || rec.Losses < 0 || rec.Draws < 0 {
		return domain.NewValidationError("placement", fmt.Errorf("%w: negative counters", domain.ErrInvalidPlacement))
	}
	if rec.Wins+rec.Losses+rec.Draws != rec.TotalGames {
		return domain.NewValidationError("placement", fmt.Errorf("%w: counters do not sum to total", domain.ErrInvalidPlacement))
	}
	if rec.TotalGames < e.policy.Games {
		return domain.NewValidationError("placement", fmt.Errorf("%w: %d of %d placement games played", domain.ErrInvalidPlacement, rec.TotalGames, e.policy.Games))
	}
	return nil
}

// Mean maps the win rate onto the placement band; draws count as half a win
func (e *PlacementEvaluator) Mean(rec domain.PlacementRecord) float64 {
	if rec.TotalGames == 0 {
		return e.policy.BandMin
	}
	winRate := (float64(rec.Wins) + 0.5*float64(rec.Draws)) / float64(rec.TotalGames)
	return e.policy.BandMin + (e.policy.BandMax-e.policy.BandMin)*winRate
}

// Seed applies a placement record to a provisional rating
func (e *PlacementEvaluator) Seed(current domain.PlayerRating, rec domain.PlacementRecord) (domain.PlayerRating, error) {
	if err := e.Validate(rec); err != nil {
		return current, err
	}

	seeded := current
	seeded.RatingMean = e.Mean(rec)
	seeded.RatingUncertainty = math.Min(current.RatingUncertainty, e.policy.Uncertainty)
	if seeded.RatingUncertainty <= 0 {
		seeded.RatingUncertainty = e.policy.Uncertainty
	}
	if seeded.GamesPlayed < rec.TotalGames {
		seeded.GamesPlayed = rec.TotalGames
	}
	seeded.Provisional = false
	seeded.Tier, seeded.Division = e.ladder.Place(seeded.RatingMean)
	return seeded, nil
}
