package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// QueueType identifies a ranked queue
type QueueType string

const (
	QueueRankedSolo QueueType = "ranked_solo"
	QueueRankedFlex QueueType = "ranked_flex"
)

// IsValid checks if a queue type is valid
func (q QueueType) IsValid() bool {
	switch q {
	case QueueRankedSolo, QueueRankedFlex:
		return true
	}
	return false
}

// Shard is the partition tickets are matched within
type Shard struct {
	QueueType QueueType `json:"queueType"`
	Region    string    `json:"region"`
}

func (s Shard) String() string {
	return string(s.QueueType) + "/" + s.Region
}

// TicketStatus represents the lifecycle state of a queue ticket
type TicketStatus string

const (
	TicketWaiting   TicketStatus = "WAITING"
	TicketCandidate TicketStatus = "CANDIDATE"
	TicketLocked    TicketStatus = "LOCKED"
	TicketCancelled TicketStatus = "CANCELLED"
)

// IsValid checks if a ticket status is valid
func (s TicketStatus) IsValid() bool {
	switch s {
	case TicketWaiting, TicketCandidate, TicketLocked, TicketCancelled:
		return true
	}
	return false
}

// RangeReason explains why a ticket's search range has its current width
type RangeReason string

const (
	RangeAuto    RangeReason = "AUTO"
	RangeTimeout RangeReason = "TIMEOUT"
	RangeEvent   RangeReason = "EVENT"
	RangeAdmin   RangeReason = "ADMIN"
)

// IsValid checks if a range reason is valid
func (r RangeReason) IsValid() bool {
	switch r {
	case RangeAuto, RangeTimeout, RangeEvent, RangeAdmin:
		return true
	}
	return false
}

// BoostSourceReadyCheckCompensation is attached to tickets requeued after
// another player failed a ready check or a session failed to start.
const BoostSourceReadyCheckCompensation = "ready-check-compensation"

// BoostSource is a temporary priority increase
type BoostSource struct {
	Source string    `json:"source"`
	Amount int       `json:"amount"`
	Expiry time.Time `json:"expiry"`
}

// Active reports whether the boost still applies at now
func (b BoostSource) Active(now time.Time) bool {
	return b.Expiry.After(now)
}

// RangeEscalation is an externally forced widening of a ticket's range.
// Steps are added to the time-based expansion steps.
type RangeEscalation struct {
	Reason RangeReason `json:"reason"`
	Steps  int         `json:"steps"`
	At     time.Time   `json:"at"`
}

// RangeState is the tolerance window a ticket accepts at a point in time.
// It is always derived, never stored.
type RangeState struct {
	Rating    float64     `json:"rating"`
	LatencyMs int         `json:"latencyMs"`
	Steps     int         `json:"steps"`
	Reason    RangeReason `json:"reason"`
}

// TicketMember is one player inside a ticket
type TicketMember struct {
	PlayerID          uuid.UUID `json:"playerId"`
	RatingMean        float64   `json:"ratingMean"`
	RatingUncertainty float64   `json:"ratingUncertainty"`
	Roles             []Role    `json:"preferredRoles,omitempty"`
	LatencyMs         int       `json:"latencyMs"`
}

// PartyContext is a validated group of players entering the queue together
type PartyContext struct {
	PartyID  uuid.UUID      `json:"partyId"`
	LeaderID uuid.UUID      `json:"leaderId"`
	Members  []TicketMember `json:"members"`
}

// Size returns the number of players in the party
func (p PartyContext) Size() int {
	return len(p.Members)
}

// Ticket is an active matchmaking search for one player or party
type Ticket struct {
	ID                uuid.UUID        `json:"ticketId"`
	Shard             Shard            `json:"shard"`
	PartyID           uuid.UUID        `json:"partyId"`
	LeaderID          uuid.UUID        `json:"leaderId"`
	Members           []TicketMember   `json:"members"`
	RatingMean        float64          `json:"ratingMean"`
	RatingUncertainty float64          `json:"ratingUncertainty"`
	SpreadPenalty     float64          `json:"spreadPenalty"`
	LatencyMs         int              `json:"latencyMs"`
	SubmittedAt       time.Time        `json:"submittedAt"`
	BasePriority      int              `json:"basePriority"`
	BoostSources      []BoostSource    `json:"boostSources"`
	Status            TicketStatus     `json:"status"`
	CandidateID       string           `json:"candidateId,omitempty"`
	Escalation        *RangeEscalation `json:"escalation,omitempty"`
	AlertedAt         *time.Time       `json:"alertedAt,omitempty"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// Size returns the number of players on the ticket
func (t *Ticket) Size() int {
	return len(t.Members)
}

// PlayerIDs returns the ids of every member
func (t *Ticket) PlayerIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(t.Members))
	for i, m := range t.Members {
		ids[i] = m.PlayerID
	}
	return ids
}

// HasPlayer reports whether the player is on the ticket
func (t *Ticket) HasPlayer(playerID uuid.UUID) bool {
	for _, m := range t.Members {
		if m.PlayerID == playerID {
			return true
		}
	}
	return false
}

// EffectivePriority is the base priority plus every boost active at now
func (t *Ticket) EffectivePriority(now time.Time) int {
	p := t.BasePriority
	for _, b := range t.BoostSources {
		if b.Active(now) {
			p += b.Amount
		}
	}
	return p
}

// BoostedUntil returns the latest expiry among active boosts, or nil
func (t *Ticket) BoostedUntil(now time.Time) *time.Time {
	var until *time.Time
	for _, b := range t.BoostSources {
		if !b.Active(now) {
			continue
		}
		if until == nil || b.Expiry.After(*until) {
			exp := b.Expiry
			until = &exp
		}
	}
	return until
}

// ActiveBoosts returns the boosts that apply at now
func (t *Ticket) ActiveBoosts(now time.Time) []BoostSource {
	var active []BoostSource
	for _, b := range t.BoostSources {
		if b.Active(now) {
			active = append(active, b)
		}
	}
	return active
}

// Wait returns how long the ticket has been searching
func (t *Ticket) Wait(now time.Time) time.Duration {
	if now.Before(t.SubmittedAt) {
		return 0
	}
	return now.Sub(t.SubmittedAt)
}

// Clone returns a deep copy of the ticket
func (t *Ticket) Clone() *Ticket {
	c := *t
	c.Members = make([]TicketMember, len(t.Members))
	for i, m := range t.Members {
		c.Members[i] = m
		c.Members[i].Roles = append([]Role(nil), m.Roles...)
	}
	c.BoostSources = append([]BoostSource(nil), t.BoostSources...)
	if t.Escalation != nil {
		esc := *t.Escalation
		c.Escalation = &esc
	}
	if t.AlertedAt != nil {
		at := *t.AlertedAt
		c.AlertedAt = &at
	}
	return &c
}

// SortForTick orders tickets by effective priority desc, wait desc and id asc.
// The id tie-break makes the order reproducible for identical inputs.
func SortForTick(tickets []*Ticket, now time.Time) {
	sort.SliceStable(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		pa, pb := a.EffectivePriority(now), b.EffectivePriority(now)
		if pa != pb {
			return pa > pb
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// QueueSnapshot is the client-facing view of a ticket
type QueueSnapshot struct {
	TicketID             uuid.UUID     `json:"ticketId"`
	Status               TicketStatus  `json:"status"`
	Shard                Shard         `json:"shard"`
	Priority             int           `json:"priority"`
	BoostedUntil         *time.Time    `json:"boostedUntil"`
	BoostSources         []BoostSource `json:"boostSources"`
	CurrentRange         RangeState    `json:"currentRange"`
	WaitSeconds          float64       `json:"waitSeconds"`
	EstimatedWaitSeconds *float64      `json:"estimatedWaitSeconds,omitempty"`
}
