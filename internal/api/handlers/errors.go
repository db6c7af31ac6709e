package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dom/ranked-matchmaking/internal/api/middleware"
	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeError maps the error taxonomy onto HTTP statuses
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case domain.IsValidation(err):
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case domain.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case domain.IsEligibility(err):
		writeErrorCode(w, http.StatusForbidden, "NOT_ELIGIBLE", err.Error())
	case domain.IsConflict(err):
		writeErrorCode(w, http.StatusConflict, "CONFLICT", err.Error())
	case domain.IsCapacity(err):
		writeErrorCode(w, http.StatusServiceUnavailable, "CAPACITY_EXHAUSTED", err.Error())
	case domain.IsTimeout(err):
		writeErrorCode(w, http.StatusRequestTimeout, "TIMEOUT", err.Error())
	case domain.IsInfrastructure(err):
		log.Error().Err(err).Msg("collaborator failure")
		writeErrorCode(w, http.StatusBadGateway, "UPSTREAM_ERROR", "Upstream service failed")
	default:
		log.Error().Err(err).Msg("request failed")
		writeErrorCode(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return false
	}
	return true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.GetPlayerID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}
