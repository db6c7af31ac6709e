package handlers

import (
	"net/http"

	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/rs/zerolog"
)

type RatingHandler struct {
	ratings *service.RatingService
	log     zerolog.Logger
}

func NewRatingHandler(ratings *service.RatingService, log zerolog.Logger) *RatingHandler {
	return &RatingHandler{ratings: ratings, log: log.With().Str("handler", "rating").Logger()}
}

func (h *RatingHandler) Get(w http.ResponseWriter, r *http.Request) {
	playerID, ok := uuidParam(w, r, "playerId")
	if !ok {
		return
	}
	rating, err := h.ratings.Get(r.Context(), playerID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}
