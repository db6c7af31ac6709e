package matchmaker

import (
	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

type player struct {
	id       uuid.UUID
	ticketID uuid.UUID
	roles    []domain.Role
	rating   float64
}

// assignRoles matches players to the composition's slots. It returns false when
// no complete assignment exists. Without a composition every player is fill.
func assignRoles(players []player, comp domain.Composition) ([]domain.TeamSlot, bool) {
	if len(comp) == 0 {
		slots := make([]domain.TeamSlot, len(players))
		for i, p := range players {
			slots[i] = domain.TeamSlot{PlayerID: p.id, TicketID: p.ticketID, Rating: p.rating}
		}
		return slots, true
	}

	roles := comp.Slots()
	if len(roles) != len(players) {
		return nil, false
	}

	// slotOwner[s] is the player index holding slot s, or -1
	slotOwner := make([]int, len(roles))
	for i := range slotOwner {
		slotOwner[i] = -1
	}

	var augment func(p int, seen []bool) bool
	augment = func(p int, seen []bool) bool {
		for s, role := range roles {
			if seen[s] || !domain.Accepts(players[p].roles, role) {
				continue
			}
			seen[s] = true
			if slotOwner[s] == -1 || augment(slotOwner[s], seen) {
				slotOwner[s] = p
				return true
			}
		}
		return false
	}

	for p := range players {
		if !augment(p, make([]bool, len(roles))) {
			return nil, false
		}
	}

	slots := make([]domain.TeamSlot, len(roles))
	for s, p := range slotOwner {
		slots[s] = domain.TeamSlot{
			PlayerID: players[p].id,
			TicketID: players[p].ticketID,
			Role:     roles[s],
			Rating:   players[p].rating,
		}
	}
	return slots, true
}

// rolesFeasible is a quick group-level check that enough players can fill every slot across all teams
func rolesFeasible(tickets []*domain.Ticket, comp domain.Composition, teamCount int) bool {
	if len(comp) == 0 {
		return true
	}
	var players []player
	for _, t := range tickets {
		for _, m := range t.Members {
			players = append(players, player{id: m.PlayerID, roles: m.Roles})
		}
	}
	scaled := make(domain.Composition, len(comp))
	for role, n := range comp {
		scaled[role] = n * teamCount
	}
	_, ok := assignRoles(players, scaled)
	return ok
}
