package domain

import (
	"time"

	"github.com/google/uuid"
)

// PlayerRating is a player's skill estimate and the rank derived from it.
// Version is bumped on every write and guards concurrent updates.
type PlayerRating struct {
	PlayerID          uuid.UUID  `json:"playerId" gorm:"type:uuid;primary_key"`
	RatingMean        float64    `json:"ratingMean" gorm:"not null"`
	RatingUncertainty float64    `json:"ratingUncertainty" gorm:"not null"`
	GamesPlayed       int        `json:"gamesPlayed" gorm:"not null;default:0"`
	Tier              string     `json:"tier" gorm:"type:varchar(30)"`
	Division          int        `json:"division" gorm:"not null;default:0"`
	Provisional       bool       `json:"provisional" gorm:"not null"`
	LastMatchAt       *time.Time `json:"lastMatchAt"`
	LastMatchID       string     `json:"lastMatchId,omitempty" gorm:"type:varchar(32)"`
	Version           int64      `json:"version" gorm:"not null;default:0"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// TableName returns the table name for GORM
func (PlayerRating) TableName() string {
	return "player_ratings"
}

// TierDefinition is one rung of the rank ladder. The promotion and demotion
// thresholds straddle MinRating so a rating sitting on the boundary never flips.
type TierDefinition struct {
	Name               string    `json:"name" gorm:"type:varchar(30);primary_key"`
	Ordinal            int       `json:"ordinal" gorm:"not null;uniqueIndex"`
	MinRating          float64   `json:"minRating" gorm:"not null"`
	Divisions          int       `json:"divisions" gorm:"not null;default:1"`
	PromotionThreshold float64   `json:"promotionThreshold" gorm:"not null"`
	DemotionThreshold  float64   `json:"demotionThreshold" gorm:"not null"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// TableName returns the table name for GORM
func (TierDefinition) TableName() string {
	return "tier_definitions"
}

// PlacementRecord summarizes a player's placement matches
type PlacementRecord struct {
	PlayerID   uuid.UUID  `json:"playerId" gorm:"type:uuid;primary_key"`
	TotalGames int        `json:"totalGames" gorm:"not null"`
	Wins       int        `json:"wins" gorm:"not null"`
	Losses     int        `json:"losses" gorm:"not null"`
	Draws      int        `json:"draws" gorm:"not null"`
	ConsumedAt *time.Time `json:"consumedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// TableName returns the table name for GORM
func (PlacementRecord) TableName() string {
	return "placement_records"
}

// Outcome is a team's result in a finished match
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
	OutcomeDraw Outcome = "DRAW"
)

// IsValid checks if an outcome is valid
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeWin, OutcomeLoss, OutcomeDraw:
		return true
	}
	return false
}

// Score returns the actual score used by rating updates
func (o Outcome) Score() float64 {
	switch o {
	case OutcomeWin:
		return 1
	case OutcomeDraw:
		return 0.5
	default:
		return 0
	}
}

// TeamResult is the outcome reported for one team of a match
type TeamResult struct {
	TeamIndex int         `json:"teamIndex"`
	PlayerIDs []uuid.UUID `json:"playerIds"`
	Outcome   Outcome     `json:"outcome"`
}
