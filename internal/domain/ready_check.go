package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReadyStatus is a player's answer to a ready check
type ReadyStatus string

const (
	ReadyPending  ReadyStatus = "PENDING"
	ReadyAccepted ReadyStatus = "ACCEPTED"
	ReadyDeclined ReadyStatus = "DECLINED"
	ReadyTimeout  ReadyStatus = "TIMEOUT"
)

// IsValid checks if a ready status is valid
func (s ReadyStatus) IsValid() bool {
	switch s {
	case ReadyPending, ReadyAccepted, ReadyDeclined, ReadyTimeout:
		return true
	}
	return false
}

// IsResponse reports whether a player may submit the status
func (s ReadyStatus) IsResponse() bool {
	return s == ReadyAccepted || s == ReadyDeclined
}

// ReadyOutcome is the resolution of a ready check
type ReadyOutcome string

const (
	ReadySuccess ReadyOutcome = "SUCCESS"
	ReadyFailure ReadyOutcome = "FAILURE"
)

// ReadyCheckSession is a point-in-time view of a ready check
type ReadyCheckSession struct {
	CandidateID string                    `json:"candidateId"`
	Statuses    map[uuid.UUID]ReadyStatus `json:"statuses"`
	Deadline    time.Time                 `json:"deadline"`
	Outcome     *ReadyOutcome             `json:"outcome,omitempty"`
}

// ReadyCheckResolution is delivered exactly once per session
type ReadyCheckResolution struct {
	Candidate  MatchCandidate            `json:"candidate"`
	Outcome    ReadyOutcome              `json:"outcome"`
	Statuses   map[uuid.UUID]ReadyStatus `json:"statuses"`
	ResolvedAt time.Time                 `json:"resolvedAt"`
}

// Failed returns the players who declined or timed out
func (r *ReadyCheckResolution) Failed() []uuid.UUID {
	var failed []uuid.UUID
	for _, id := range r.Candidate.PlayerIDs() {
		if r.FailedCheck(id) {
			failed = append(failed, id)
		}
	}
	return failed
}

// FailedCheck reports whether the player declined or timed out. Players still
// PENDING when another member declined did not fail.
func (r *ReadyCheckResolution) FailedCheck(playerID uuid.UUID) bool {
	s := r.Statuses[playerID]
	return s == ReadyDeclined || s == ReadyTimeout
}

// LockReason records why a session lock was taken or ended
type LockReason string

const (
	LockReady      LockReason = "READY"
	LockTimeout    LockReason = "TIMEOUT"
	LockForceStart LockReason = "FORCE_START"
)

// IsValid checks if a lock reason is valid
func (r LockReason) IsValid() bool {
	switch r {
	case LockReady, LockTimeout, LockForceStart:
		return true
	}
	return false
}

// SessionLock holds a candidate's players while the session server starts
type SessionLock struct {
	CandidateID           string     `json:"candidateId"`
	SessionServerID       string     `json:"sessionServerId"`
	VoiceLobbyID          *string    `json:"voiceLobbyId,omitempty"`
	Reason                LockReason `json:"lockReason"`
	AntiCheatSyncRequired bool       `json:"antiCheatSyncRequired"`
	LockedAt              time.Time  `json:"lockedAt"`
	ReleasedAt            *time.Time `json:"releasedAt,omitempty"`
}
