package handlers

import (
	"net/http"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/handoff"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InternalHandler receives events from the collaborating services: anti-cheat,
// smurf review, placement tracking and the game result reporter.
type InternalHandler struct {
	handoff *handoff.Handoff
	reviews *service.ReviewService
	ratings *service.RatingService
	log     zerolog.Logger
}

func NewInternalHandler(hand *handoff.Handoff, reviews *service.ReviewService, ratings *service.RatingService, log zerolog.Logger) *InternalHandler {
	return &InternalHandler{
		handoff: hand,
		reviews: reviews,
		ratings: ratings,
		log:     log.With().Str("handler", "internal").Logger(),
	}
}

type AntiCheatAckRequest struct {
	SessionServerID string `json:"sessionServerId"`
}

type SmurfReviewRequest struct {
	PlayerID   uuid.UUID      `json:"playerId"`
	Verdict    domain.Verdict `json:"verdict"`
	Notes      string         `json:"notes"`
	ReviewerID string         `json:"reviewerId"`
}

type PlacementRequest struct {
	PlayerID   uuid.UUID `json:"playerId"`
	TotalGames int       `json:"totalGames"`
	Wins       int       `json:"wins"`
	Losses     int       `json:"losses"`
	Draws      int       `json:"draws"`
}

type MatchResultRequest struct {
	CandidateID string              `json:"candidateId"`
	Teams       []domain.TeamResult `json:"teams"`
}

type MatchResultResponse struct {
	Ratings []domain.PlayerRating `json:"ratings"`
}

func (h *InternalHandler) AckAntiCheat(w http.ResponseWriter, r *http.Request) {
	var req AntiCheatAckRequest
	if !decode(w, r, &req) {
		return
	}
	match, err := h.handoff.AckAntiCheat(r.Context(), chi.URLParam(r, "candidateId"), req.SessionServerID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (h *InternalHandler) SmurfReview(w http.ResponseWriter, r *http.Request) {
	var req SmurfReviewRequest
	if !decode(w, r, &req) {
		return
	}
	review, err := h.reviews.ApplySmurfReview(r.Context(), service.SmurfReviewInput{
		PlayerID:   req.PlayerID,
		Verdict:    req.Verdict,
		Notes:      req.Notes,
		ReviewerID: req.ReviewerID,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (h *InternalHandler) Placement(w http.ResponseWriter, r *http.Request) {
	var req PlacementRequest
	if !decode(w, r, &req) {
		return
	}
	rating, err := h.ratings.ApplyPlacement(r.Context(), domain.PlacementRecord{
		PlayerID:   req.PlayerID,
		TotalGames: req.TotalGames,
		Wins:       req.Wins,
		Losses:     req.Losses,
		Draws:      req.Draws,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (h *InternalHandler) MatchResult(w http.ResponseWriter, r *http.Request) {
	var req MatchResultRequest
	if !decode(w, r, &req) {
		return
	}
	ratings, err := h.ratings.ApplyMatchResult(r.Context(), service.MatchResultInput{
		MatchID: req.CandidateID,
		Results: req.Teams,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, MatchResultResponse{Ratings: ratings})
}
