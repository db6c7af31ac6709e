package handlers

import (
	"net/http"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type QueueHandler struct {
	queue *service.QueueService
	log   zerolog.Logger
}

func NewQueueHandler(queue *service.QueueService, log zerolog.Logger) *QueueHandler {
	return &QueueHandler{queue: queue, log: log.With().Str("handler", "queue").Logger()}
}

type SearchMemberRequest struct {
	PlayerID       uuid.UUID     `json:"playerId"`
	PreferredRoles []domain.Role `json:"preferredRoles"`
	LatencyMs      int           `json:"latencyMs"`
}

type SearchRequest struct {
	QueueType domain.QueueType      `json:"queueType"`
	Region    string                `json:"region"`
	PartyID   uuid.UUID             `json:"partyId"`
	Members   []SearchMemberRequest `json:"members"`
}

type ReadyCheckResponseRequest struct {
	Status domain.ReadyStatus `json:"status"`
}

func (h *QueueHandler) Search(w http.ResponseWriter, r *http.Request) {
	playerID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}

	in := service.SearchInput{
		CallerID:  playerID,
		QueueType: req.QueueType,
		Region:    req.Region,
		PartyID:   req.PartyID,
		Members:   make([]service.SearchMember, len(req.Members)),
	}
	for i, m := range req.Members {
		in.Members[i] = service.SearchMember{PlayerID: m.PlayerID, Roles: m.PreferredRoles, LatencyMs: m.LatencyMs}
	}

	snap, err := h.queue.Search(r.Context(), in)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	playerID, ok := callerID(w, r)
	if !ok {
		return
	}
	ticketID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	snap, err := h.queue.Snapshot(r.Context(), playerID, ticketID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *QueueHandler) Me(w http.ResponseWriter, r *http.Request) {
	playerID, ok := callerID(w, r)
	if !ok {
		return
	}
	snap, err := h.queue.Me(r.Context(), playerID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	playerID, ok := callerID(w, r)
	if !ok {
		return
	}
	ticketID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.queue.Cancel(r.Context(), playerID, ticketID); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *QueueHandler) RespondReadyCheck(w http.ResponseWriter, r *http.Request) {
	playerID, ok := callerID(w, r)
	if !ok {
		return
	}
	var req ReadyCheckResponseRequest
	if !decode(w, r, &req) {
		return
	}
	session, err := h.queue.RespondReadyCheck(r.Context(), chi.URLParam(r, "candidateId"), playerID, req.Status)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
