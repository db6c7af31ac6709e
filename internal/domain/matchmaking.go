package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TeamSlot is a player's team and role assignment within a candidate
type TeamSlot struct {
	PlayerID uuid.UUID `json:"playerId"`
	TicketID uuid.UUID `json:"ticketId"`
	Role     Role      `json:"role,omitempty"`
	Rating   float64   `json:"rating"`
}

// Team is one side of a candidate match
type Team struct {
	Index      int        `json:"index"`
	MeanRating float64    `json:"meanRating"`
	Slots      []TeamSlot `json:"slots"`
}

// PlayerIDs returns the players assigned to the team
func (t Team) PlayerIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(t.Slots))
	for i, s := range t.Slots {
		ids[i] = s.PlayerID
	}
	return ids
}

// MatchCandidate is a proposed grouping of tickets awaiting a ready check
type MatchCandidate struct {
	ID           string    `json:"candidateId"`
	Shard        Shard     `json:"shard"`
	Tickets      []Ticket  `json:"tickets"`
	Teams        []Team    `json:"teams"`
	RatingSpread float64   `json:"ratingSpread"`
	TeamVariance float64   `json:"teamVariance"`
	FormedAt     time.Time `json:"formedAt"`
	WaitSeconds  float64   `json:"waitSeconds"`
}

// PlayerIDs returns every player of the candidate
func (c *MatchCandidate) PlayerIDs() []uuid.UUID {
	var ids []uuid.UUID
	for i := range c.Tickets {
		ids = append(ids, c.Tickets[i].PlayerIDs()...)
	}
	return ids
}

// TicketIDs returns the ids of every ticket in the candidate
func (c *MatchCandidate) TicketIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(c.Tickets))
	for i := range c.Tickets {
		ids[i] = c.Tickets[i].ID
	}
	return ids
}

// TicketFor returns the candidate's ticket containing the player
func (c *MatchCandidate) TicketFor(playerID uuid.UUID) (*Ticket, bool) {
	for i := range c.Tickets {
		if c.Tickets[i].HasPlayer(playerID) {
			return &c.Tickets[i], true
		}
	}
	return nil, false
}

// Match is a started session, persisted so results can be applied later
type Match struct {
	ID              string         `json:"id" gorm:"type:varchar(32);primary_key"`
	QueueType       QueueType      `json:"queueType" gorm:"type:varchar(20);not null"`
	Region          string         `json:"region" gorm:"type:varchar(20);not null"`
	Teams           datatypes.JSON `json:"teams" gorm:"type:jsonb;not null"`
	SessionServerID string         `json:"sessionServerId" gorm:"type:varchar(100);not null"`
	VoiceLobbyID    *string        `json:"voiceLobbyId" gorm:"type:varchar(100)"`
	LockReason      LockReason     `json:"lockReason" gorm:"type:varchar(20);not null"`
	StartedAt       time.Time      `json:"startedAt" gorm:"not null"`
	ResultAppliedAt *time.Time     `json:"resultAppliedAt"`
}

// TableName returns the table name for GORM
func (Match) TableName() string {
	return "matches"
}
