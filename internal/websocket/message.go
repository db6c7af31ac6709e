package websocket

import (
	"encoding/json"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

type MessageType string

const (
	// Client to Server
	MessageTypeReadyCheckResponse MessageType = "READY_CHECK_RESPONSE"
	MessageTypeSyncQueue          MessageType = "SYNC_QUEUE"

	// Server to Client
	MessageTypeQueueState         MessageType = "QUEUE_STATE"
	MessageTypeReadyCheckStarted  MessageType = "READY_CHECK_STARTED"
	MessageTypeReadyCheckUpdated  MessageType = "READY_CHECK_UPDATED"
	MessageTypeReadyCheckResolved MessageType = "READY_CHECK_RESOLVED"
	MessageTypeRequeued           MessageType = "REQUEUED"
	MessageTypeTicketCancelled    MessageType = "TICKET_CANCELLED"
	MessageTypeMatchFound         MessageType = "MATCH_FOUND"
	MessageTypeMatchAborted       MessageType = "MATCH_ABORTED"
	MessageTypeError              MessageType = "ERROR"
)

type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Client to Server payloads

type ReadyCheckResponsePayload struct {
	CandidateID string             `json:"candidateId"`
	Status      domain.ReadyStatus `json:"status"`
}

// Server to Client payloads

type ReadyCheckStartedPayload struct {
	CandidateID string        `json:"candidateId"`
	Shard       domain.Shard  `json:"shard"`
	Deadline    time.Time     `json:"deadline"`
	Teams       []domain.Team `json:"teams"`
}

type ReadyCheckResolvedPayload struct {
	CandidateID string                           `json:"candidateId"`
	Outcome     domain.ReadyOutcome              `json:"outcome"`
	Statuses    map[uuid.UUID]domain.ReadyStatus `json:"statuses"`
}

type TicketPayload struct {
	TicketID     uuid.UUID           `json:"ticketId"`
	Status       domain.TicketStatus `json:"status"`
	Priority     int                 `json:"priority"`
	BoostedUntil *time.Time          `json:"boostedUntil"`
	Reason       string              `json:"reason"`
}

type MatchFoundPayload struct {
	CandidateID           string        `json:"candidateId"`
	SessionServerID       string        `json:"sessionServerId"`
	VoiceLobbyID          *string       `json:"voiceLobbyId,omitempty"`
	AntiCheatSyncRequired bool          `json:"antiCheatSyncRequired"`
	Teams                 []domain.Team `json:"teams"`
}

type MatchAbortedPayload struct {
	CandidateID string `json:"candidateId"`
	Reason      string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
