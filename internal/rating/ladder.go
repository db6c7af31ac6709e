package rating

import (
	"fmt"
	"math"
	"sort"

	"github.com/dom/ranked-matchmaking/internal/domain"
)

// hysteresisMargin is the default distance of promotion and demotion lines from a tier floor
const hysteresisMargin = 25

// DefaultTiers returns the ladder seeded when no tiers are configured
func DefaultTiers() []domain.TierDefinition {
	floors := []struct {
		name      string
		min       float64
		divisions int
	}{
		{"Iron", 0, 4},
		{"Bronze", 800, 4},
		{"Silver", 1200, 4},
		{"Gold", 1600, 4},
		{"Platinum", 2000, 4},
		{"Emerald", 2400, 4},
		{"Diamond", 2800, 4},
		{"Master", 3200, 1},
		{"Grandmaster", 3400, 1},
		{"Challenger", 3600, 1},
	}

	tiers := make([]domain.TierDefinition, len(floors))
	for i, f := range floors {
		tiers[i] = domain.TierDefinition{
			Name:               f.name,
			Ordinal:            i,
			MinRating:          f.min,
			Divisions:          f.divisions,
			PromotionThreshold: f.min + hysteresisMargin,
			DemotionThreshold:  f.min - hysteresisMargin,
		}
	}
	return tiers
}

// Ladder maps ratings to tiers and divisions
type Ladder struct {
	tiers []domain.TierDefinition
	index map[string]int
}

// NewLadder validates and orders tier definitions
func NewLadder(defs []domain.TierDefinition) (*Ladder, error) {
	if len(defs) == 0 {
		return nil, domain.NewValidationError("tiers", domain.ErrInvalidTierLadder)
	}

	tiers := append([]domain.TierDefinition(nil), defs...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Ordinal < tiers[j].Ordinal })

	index := make(map[string]int, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return nil, domain.NewValidationError("tiers", fmt.Errorf("%w: tier %d has no name", domain.ErrInvalidTierLadder, i))
		}
		if _, dup := index[t.Name]; dup {
			return nil, domain.NewValidationError("tiers", fmt.Errorf("%w: duplicate tier %q", domain.ErrInvalidTierLadder, t.Name))
		}
		if t.Divisions < 1 || t.Divisions > 5 {
			return nil, domain.NewValidationError("tiers", fmt.Errorf("%w: %s divisions must be 1-5", domain.ErrInvalidTierLadder, t.Name))
		}
		if t.PromotionThreshold <= t.MinRating || t.DemotionThreshold >= t.MinRating {
			return nil, domain.NewValidationError("tiers", fmt.Errorf("%w: %s thresholds must straddle its floor", domain.ErrInvalidTierLadder, t.Name))
		}
		if i > 0 && t.MinRating <= tiers[i-1].MinRating {
			return nil, domain.NewValidationError("tiers", fmt.Errorf("%w: %s floor must be above %s", domain.ErrInvalidTierLadder, t.Name, tiers[i-1].Name))
		}
		index[t.Name] = i
	}

	return &Ladder{tiers: tiers, index: index}, nil
}

// Tiers returns the ordered definitions
func (l *Ladder) Tiers() []domain.TierDefinition {
	return append([]domain.TierDefinition(nil), l.tiers...)
}

// Place assigns a tier from the rating alone, ignoring any previous tier
func (l *Ladder) Place(mean float64) (string, int) {
	idx := 0
	for i, t := range l.tiers {
		if mean >= t.MinRating {
			idx = i
		}
	}
	return l.tiers[idx].Name, l.division(idx, mean)
}

// Evaluate returns the tier and division for mean given the player's previous tier.
// A player advances only at or above the next tier's promotion line and falls back
// only below the current tier's demotion line.
func (l *Ladder) Evaluate(previous string, mean float64) (string, int) {
	idx, ok := l.index[previous]
	if !ok {
		return l.Place(mean)
	}

	promoted := false
	for idx+1 < len(l.tiers) && mean >= l.tiers[idx+1].PromotionThreshold {
		idx++
		promoted = true
	}
	if !promoted {
		for idx > 0 && mean < l.tiers[idx].DemotionThreshold {
			idx--
		}
	}
	return l.tiers[idx].Name, l.division(idx, mean)
}

// division splits the tier band evenly; division 1 is the lowest
func (l *Ladder) division(idx int, mean float64) int {
	t := l.tiers[idx]
	if t.Divisions == 1 {
		return 1
	}

	var width float64
	switch {
	case idx+1 < len(l.tiers):
		width = l.tiers[idx+1].MinRating - t.MinRating
	case idx > 0:
		width = t.MinRating - l.tiers[idx-1].MinRating
	default:
		return 1
	}

	step := width / float64(t.Divisions)
	d := int(math.Floor((mean-t.MinRating)/step)) + 1
	if d < 1 {
		return 1
	}
	if d > t.Divisions {
		return t.Divisions
	}
	return d
}
