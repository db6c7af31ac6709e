package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/handoff"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	AdminIDHeader = "X-Admin-ID"

	defaultSampleLimit = 100
	maxSampleLimit     = 1000
)

// AdminHandler serves operator actions on the queue, sessions and tier ladder
type AdminHandler struct {
	queue   *service.QueueService
	handoff *handoff.Handoff
	ratings *service.RatingService
	samples repository.QualitySampleRepository
	log     zerolog.Logger
}

func NewAdminHandler(queue *service.QueueService, hand *handoff.Handoff, ratings *service.RatingService, samples repository.QualitySampleRepository, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		queue:   queue,
		handoff: hand,
		ratings: ratings,
		samples: samples,
		log:     log.With().Str("handler", "admin").Logger(),
	}
}

type RangeOverrideRequest struct {
	TicketID *uuid.UUID         `json:"ticketId"`
	Shard    *domain.Shard      `json:"shard"`
	Reason   domain.RangeReason `json:"reason"`
}

type RangeOverrideResponse struct {
	Tickets []domain.QueueSnapshot `json:"tickets"`
}

type TiersRequest struct {
	Tiers []domain.TierDefinition `json:"tiers"`
}

type TiersResponse struct {
	Tiers []domain.TierDefinition `json:"tiers"`
}

type QualitySamplesResponse struct {
	Samples []domain.QualitySample `json:"samples"`
}

func (h *AdminHandler) RangeOverride(w http.ResponseWriter, r *http.Request) {
	var req RangeOverrideRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = domain.RangeAdmin
	}
	tickets, err := h.queue.RangeOverride(r.Context(), service.RangeOverrideInput{
		TicketID: req.TicketID,
		Shard:    req.Shard,
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, RangeOverrideResponse{Tickets: tickets})
}

func (h *AdminHandler) ForceStart(w http.ResponseWriter, r *http.Request) {
	adminID := r.Header.Get(AdminIDHeader)
	if adminID == "" {
		adminID = "unknown"
	}
	match, err := h.handoff.ForceStart(r.Context(), chi.URLParam(r, "candidateId"), adminID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (h *AdminHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TiersResponse{Tiers: h.ratings.Tiers()})
}

func (h *AdminHandler) ReplaceTiers(w http.ResponseWriter, r *http.Request) {
	var req TiersRequest
	if !decode(w, r, &req) {
		return
	}
	tiers, err := h.ratings.ReplaceTiers(r.Context(), req.Tiers)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, TiersResponse{Tiers: tiers})
}

// QualitySamples exports recorded samples, oldest first, from ?since (RFC3339)
func (h *AdminHandler) QualitySamples(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	limit := defaultSampleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = min(n, maxSampleLimit)
	}

	samples, err := h.samples.ListQualitySamples(r.Context(), since, limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if samples == nil {
		samples = []domain.QualitySample{}
	}
	writeJSON(w, http.StatusOK, QualitySamplesResponse{Samples: samples})
}
