package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dom/ranked-matchmaking/internal/api"
	"github.com/dom/ranked-matchmaking/internal/config"
	"github.com/dom/ranked-matchmaking/internal/logger"
	"github.com/dom/ranked-matchmaking/internal/repository/postgres"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/dom/ranked-matchmaking/internal/websocket"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.New(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load(log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := postgres.NewConnection(cfg.DatabaseURL, cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	repos := postgres.NewRepositories(db)

	hub := websocket.NewHub(log)

	services, err := service.NewServices(repos, cfg, log, service.WithNotifier(hub))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build services")
	}
	hub.SetResponder(services.Queue)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := services.Ratings.LoadLadder(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load tier ladder")
	}

	srv := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      api.NewRouter(services, hub, cfg, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		return services.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		// Stop ready checks and pending sessions before dropping the sockets
		// that would report them.
		services.Close()
		hub.Stop()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
