package queue

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

// Compensation is the priority boost granted to tickets that lost a match
// through no fault of their own
type Compensation struct {
	Amount   int
	Duration time.Duration
}

// Boost builds the boost source for a requeue at now
func (c Compensation) Boost(now time.Time) domain.BoostSource {
	return domain.BoostSource{
		Source: domain.BoostSourceReadyCheckCompensation,
		Amount: c.Amount,
		Expiry: now.Add(c.Duration),
	}
}

// Requeue returns a ticket to WAITING from the given status. The ticket keeps
// its id and submission time so it does not lose its place; a non-nil boost is
// appended to its boost sources.
func Requeue(ctx context.Context, store TicketStore, id uuid.UUID, from domain.TicketStatus, boost *domain.BoostSource) (*domain.Ticket, error) {
	return store.Transition(ctx, id, from, domain.TicketWaiting, func(t *domain.Ticket) {
		t.CandidateID = ""
		if boost != nil && boost.Amount > 0 {
			t.BoostSources = append(t.BoostSources, *boost)
		}
	})
}
