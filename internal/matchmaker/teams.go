package matchmaker

import (
	"math"

	"github.com/dom/ranked-matchmaking/internal/domain"
)

// teamPlan is one way of splitting a ticket group into teams
type teamPlan struct {
	teams    []domain.Team
	variance float64
}

// generateTeamSplits returns every assignment of tickets to teams that fills each
// team with exactly teamSize players. Parties are never split. Assignments that
// only differ by renaming teams are generated once.
func generateTeamSplits(sizes []int, teamCount, teamSize int) [][]int {
	var results [][]int
	fill := make([]int, teamCount)
	current := make([]int, len(sizes))

	var generate func(pos int)
	generate = func(pos int) {
		if pos == len(sizes) {
			result := make([]int, len(current))
			copy(result, current)
			results = append(results, result)
			return
		}

		for team := 0; team < teamCount; team++ {
			if fill[team]+sizes[pos] > teamSize {
				continue
			}
			current[pos] = team
			fill[team] += sizes[pos]
			generate(pos + 1)
			fill[team] -= sizes[pos]

			// An empty team is interchangeable with every later empty team
			if fill[team] == 0 {
				break
			}
		}
	}

	if sum(sizes) != teamCount*teamSize {
		return nil
	}
	generate(0)
	return results
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

// bestTeamPlan picks the role-feasible split with the lowest variance of team mean ratings
func bestTeamPlan(tickets []*domain.Ticket, teamCount, teamSize int, comp domain.Composition) (*teamPlan, bool) {
	sizes := make([]int, len(tickets))
	for i, t := range tickets {
		sizes[i] = t.Size()
	}
	if sum(sizes) != teamCount*teamSize {
		return nil, false
	}

	var best *teamPlan
	for _, split := range generateTeamSplits(sizes, teamCount, teamSize) {
		teams := make([]domain.Team, teamCount)
		for i := range teams {
			teams[i].Index = i
		}
		members := make([][]player, teamCount)
		for i, team := range split {
			t := tickets[i]
			for _, m := range t.Members {
				members[team] = append(members[team], player{
					id:       m.PlayerID,
					ticketID: t.ID,
					roles:    m.Roles,
					rating:   m.RatingMean + t.SpreadPenalty,
				})
			}
		}

		feasible := true
		means := make([]float64, teamCount)
		for i := range teams {
			slots, ok := assignRoles(members[i], comp)
			if !ok {
				feasible = false
				break
			}
			teams[i].Slots = slots
			var total float64
			for _, s := range slots {
				total += s.Rating
			}
			means[i] = total / float64(len(slots))
			teams[i].MeanRating = means[i]
		}
		if !feasible {
			continue
		}

		v := variance(means)
		if best == nil || v < best.variance {
			best = &teamPlan{teams: teams, variance: v}
		}
	}
	return best, best != nil
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var v float64
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return v / float64(len(xs))
}

// ratingSpread is the gap between the highest and lowest rated player
func ratingSpread(tickets []*domain.Ticket) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, t := range tickets {
		for _, m := range t.Members {
			lo = math.Min(lo, m.RatingMean)
			hi = math.Max(hi, m.RatingMean)
		}
	}
	if math.IsInf(lo, 0) {
		return 0
	}
	return hi - lo
}
