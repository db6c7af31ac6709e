package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Verdict is the outcome of an external smurf review
type Verdict string

const (
	VerdictClean          Verdict = "CLEAN"
	VerdictWarn           Verdict = "WARN"
	VerdictBanRecommended Verdict = "BAN_RECOMMENDED"
)

// IsValid checks if a verdict is valid
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictClean, VerdictWarn, VerdictBanRecommended:
		return true
	}
	return false
}

// BlocksMatchmaking reports whether the verdict suspends queue eligibility
func (v Verdict) BlocksMatchmaking() bool {
	return v == VerdictBanRecommended
}

// SmurfReview is the latest verdict for a player
type SmurfReview struct {
	PlayerID   uuid.UUID `json:"playerId" gorm:"type:uuid;primary_key"`
	Verdict    Verdict   `json:"verdict" gorm:"type:varchar(20);not null"`
	Notes      string    `json:"notes" gorm:"type:text"`
	ReviewerID string    `json:"reviewerId" gorm:"type:varchar(100)"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TableName returns the table name for GORM
func (SmurfReview) TableName() string {
	return "smurf_reviews"
}

// QualityOutcome distinguishes started matches from dissolved candidates
type QualityOutcome string

const (
	QualityMatched   QualityOutcome = "MATCHED"
	QualityAbandoned QualityOutcome = "ABANDONED"
)

// QualitySample is an append-only observation of a resolved candidate
type QualitySample struct {
	ID           uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Timestamp    time.Time      `json:"timestamp" gorm:"not null;index"`
	CandidateID  string         `json:"candidateId" gorm:"type:varchar(32);not null"`
	QueueType    QueueType      `json:"queueType" gorm:"type:varchar(20);not null"`
	Region       string         `json:"region" gorm:"type:varchar(20);not null"`
	Outcome      QualityOutcome `json:"outcome" gorm:"type:varchar(20);not null"`
	Score        float64        `json:"score" gorm:"not null"`
	WaitSeconds  float64        `json:"waitSeconds" gorm:"not null"`
	RatingSpread float64        `json:"ratingSpread" gorm:"not null"`
	PlayerIDs    datatypes.JSON `json:"playerIds" gorm:"type:jsonb"`
}

// TableName returns the table name for GORM
func (QualitySample) TableName() string {
	return "quality_samples"
}
