package queue

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

// MaxPartySize is the hard upper bound on party size
const MaxPartySize = 8

// EligibilityGate reports whether players may enter matchmaking
type EligibilityGate interface {
	CheckEligible(ctx context.Context, playerIDs []uuid.UUID) error
}

// PartyPolicy configures party validation and aggregation
type PartyPolicy struct {
	MaxPartySize       int
	TeamSize           int
	PenaltyPerVariance float64
	MaxSpreadPenalty   float64
}

// PartyRequest is an unvalidated group asking to queue. Member ratings are
// expected to be filled in from the rating store.
type PartyRequest struct {
	PartyID  uuid.UUID
	LeaderID uuid.UUID
	Members  []domain.TicketMember
}

// Aggregate is the queueable summary of a party
type Aggregate struct {
	RatingMean        float64
	RatingUncertainty float64
	SpreadPenalty     float64
	LatencyMs         int
}

// PartyAggregator validates parties and summarizes them into one ticket
type PartyAggregator struct {
	policy PartyPolicy
	gate   EligibilityGate
	store  TicketStore
}

func NewPartyAggregator(policy PartyPolicy, gate EligibilityGate, store TicketStore) *PartyAggregator {
	return &PartyAggregator{policy: policy, gate: gate, store: store}
}

func (a *PartyAggregator) maxSize() int {
	limit := a.policy.MaxPartySize
	if limit <= 0 || limit > MaxPartySize {
		limit = MaxPartySize
	}
	if a.policy.TeamSize > 0 && a.policy.TeamSize < limit {
		limit = a.policy.TeamSize
	}
	return limit
}

// Validate checks the party shape, eligibility and that nobody is already queued
func (a *PartyAggregator) Validate(ctx context.Context, req PartyRequest) (domain.PartyContext, error) {
	if len(req.Members) == 0 {
		return domain.PartyContext{}, domain.NewValidationError("members", domain.ErrPartyEmpty)
	}
	if len(req.Members) > a.maxSize() {
		return domain.PartyContext{}, domain.NewValidationError("members", fmt.Errorf("%w: %d > %d", domain.ErrPartyTooLarge, len(req.Members), a.maxSize()))
	}

	seen := make(map[uuid.UUID]bool, len(req.Members))
	leaders := 0
	for _, m := range req.Members {
		if seen[m.PlayerID] {
			return domain.PartyContext{}, domain.NewValidationError("members", fmt.Errorf("%w: %s", domain.ErrDuplicateMember, m.PlayerID))
		}
		seen[m.PlayerID] = true
		if m.PlayerID == req.LeaderID {
			leaders++
		}
		if m.LatencyMs < 0 {
			return domain.PartyContext{}, domain.NewValidationError("latencyMs", domain.ErrInvalidLatency)
		}
		for _, r := range m.Roles {
			if !r.IsValid() {
				return domain.PartyContext{}, domain.NewValidationError("preferredRoles", fmt.Errorf("%w: %q", domain.ErrInvalidRole, r))
			}
		}
	}
	if leaders != 1 {
		return domain.PartyContext{}, domain.NewValidationError("leaderId", domain.ErrLeaderNotMember)
	}

	ids := make([]uuid.UUID, len(req.Members))
	for i, m := range req.Members {
		ids[i] = m.PlayerID
	}
	if a.gate != nil {
		if err := a.gate.CheckEligible(ctx, ids); err != nil {
			return domain.PartyContext{}, err
		}
	}
	for _, id := range ids {
		if _, err := a.store.GetByPlayer(ctx, id); err == nil {
			return domain.PartyContext{}, domain.NewConflictError("player "+id.String(), domain.ErrAlreadyQueued)
		}
	}

	partyID := req.PartyID
	if partyID == uuid.Nil {
		partyID = uuid.New()
	}
	members := make([]domain.TicketMember, len(req.Members))
	copy(members, req.Members)
	return domain.PartyContext{PartyID: partyID, LeaderID: req.LeaderID, Members: members}, nil
}

// Summarize computes the aggregate rating. Mixed-skill parties are pushed up by
// a penalty proportional to their rating variance.
func (a *PartyAggregator) Summarize(party domain.PartyContext) Aggregate {
	n := float64(len(party.Members))
	var sum, sumSq, uSq float64
	latency := 0
	for _, m := range party.Members {
		sum += m.RatingMean
		sumSq += m.RatingMean * m.RatingMean
		uSq += m.RatingUncertainty * m.RatingUncertainty
		if m.LatencyMs > latency {
			latency = m.LatencyMs
		}
	}

	mean := sum / n
	variance := math.Max(0, sumSq/n-mean*mean)
	penalty := math.Min(a.policy.PenaltyPerVariance*variance, a.policy.MaxSpreadPenalty)

	return Aggregate{
		RatingMean:        mean + penalty,
		RatingUncertainty: math.Sqrt(uSq / n),
		SpreadPenalty:     penalty,
		LatencyMs:         latency,
	}
}

// BuildTicket validates the party and returns a WAITING ticket for it
func (a *PartyAggregator) BuildTicket(ctx context.Context, req PartyRequest, shard domain.Shard, basePriority int, now time.Time) (*domain.Ticket, error) {
	party, err := a.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	agg := a.Summarize(party)

	return &domain.Ticket{
		ID:                uuid.New(),
		Shard:             shard,
		PartyID:           party.PartyID,
		LeaderID:          party.LeaderID,
		Members:           party.Members,
		RatingMean:        agg.RatingMean,
		RatingUncertainty: agg.RatingUncertainty,
		SpreadPenalty:     agg.SpreadPenalty,
		LatencyMs:         agg.LatencyMs,
		SubmittedAt:       now,
		BasePriority:      basePriority,
		Status:            domain.TicketWaiting,
	}, nil
}

// Remnant splits the kept members off a party ticket into a new WAITING ticket.
// The submission time, priority and boosts carry over so the remaining members
// keep their place; the aggregate is recomputed for the smaller party.
func (a *PartyAggregator) Remnant(t *domain.Ticket, keep []domain.TicketMember) *domain.Ticket {
	leader := keep[0].PlayerID
	for _, m := range keep {
		if m.PlayerID == t.LeaderID {
			leader = t.LeaderID
		}
	}
	members := make([]domain.TicketMember, len(keep))
	copy(members, keep)
	agg := a.Summarize(domain.PartyContext{PartyID: t.PartyID, LeaderID: leader, Members: members})

	r := t.Clone()
	r.ID = uuid.New()
	r.LeaderID = leader
	r.Members = members
	r.RatingMean = agg.RatingMean
	r.RatingUncertainty = agg.RatingUncertainty
	r.SpreadPenalty = agg.SpreadPenalty
	r.LatencyMs = agg.LatencyMs
	r.Status = domain.TicketWaiting
	r.CandidateID = ""
	return r
}
