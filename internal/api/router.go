package api

import (
	"net/http"

	"github.com/dom/ranked-matchmaking/internal/api/handlers"
	"github.com/dom/ranked-matchmaking/internal/api/middleware"
	"github.com/dom/ranked-matchmaking/internal/config"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/dom/ranked-matchmaking/internal/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func NewRouter(services *service.Services, hub *websocket.Hub, cfg *config.Config, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", services.Metrics.Handler())

	queueHandler := handlers.NewQueueHandler(services.Queue, log)
	ratingHandler := handlers.NewRatingHandler(services.Ratings, log)
	adminHandler := handlers.NewAdminHandler(services.Queue, services.Handoff, services.Ratings, services.Repos.QualitySamples, log)
	internalHandler := handlers.NewInternalHandler(services.Handoff, services.Reviews, services.Ratings, log)
	wsHandler := handlers.NewWebSocketHandler(hub, services.Tokens, log)

	r.Route("/api/v1", func(r chi.Router) {
		// Player routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(services.Tokens, log))

			r.Route("/queue", func(r chi.Router) {
				r.Post("/search", queueHandler.Search)
				r.Get("/me", queueHandler.Me)
				r.Get("/tickets/{id}", queueHandler.Get)
				r.Delete("/tickets/{id}", queueHandler.Cancel)
			})

			r.Post("/ready-checks/{candidateId}/respond", queueHandler.RespondReadyCheck)
			r.Get("/ratings/{playerId}", ratingHandler.Get)
		})

		// Operator routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.ServiceKey(cfg.ServiceKeyHash, log))

			r.Post("/range-override", adminHandler.RangeOverride)
			r.Post("/sessions/{candidateId}/force-start", adminHandler.ForceStart)
			r.Get("/tiers", adminHandler.ListTiers)
			r.Put("/tiers", adminHandler.ReplaceTiers)
			r.Get("/quality-samples", adminHandler.QualitySamples)
		})

		// Collaborating services
		r.Route("/internal", func(r chi.Router) {
			r.Use(middleware.ServiceKey(cfg.ServiceKeyHash, log))

			r.Post("/sessions/{candidateId}/anti-cheat-ack", internalHandler.AckAntiCheat)
			r.Post("/smurf-reviews", internalHandler.SmurfReview)
			r.Post("/placements", internalHandler.Placement)
			r.Post("/match-results", internalHandler.MatchResult)
		})

		r.Get("/ws", wsHandler.Handle)
	})

	return r
}
