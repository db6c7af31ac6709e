package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/allocator"
	"github.com/dom/ranked-matchmaking/internal/api"
	"github.com/dom/ranked-matchmaking/internal/config"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/dom/ranked-matchmaking/internal/repository/memory"
	repoPostgres "github.com/dom/ranked-matchmaking/internal/repository/postgres"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/dom/ranked-matchmaking/internal/websocket"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"
	gormPostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestServiceKey is the plain service key accepted by TestConfig
const TestServiceKey = "test-service-key"

// TestDB manages a testcontainers PostgreSQL instance
type TestDB struct {
	Container testcontainers.Container
	DB        *gorm.DB
	DSN       string
}

// NewTestDB creates a new PostgreSQL testcontainer and returns a migrated connection
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	ctx := context.Background()

	container, err := tcPostgres.Run(ctx,
		"postgres:15-alpine",
		tcPostgres.WithDatabase("test_ranked_matchmaking"),
		tcPostgres.WithUsername("test"),
		tcPostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	db, err := gorm.Open(gormPostgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(repoPostgres.Models()...); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	testDB := &TestDB{
		Container: container,
		DB:        db,
		DSN:       dsn,
	}

	t.Cleanup(func() {
		testDB.Cleanup()
	})

	return testDB
}

// Cleanup terminates the container
func (tdb *TestDB) Cleanup() {
	if tdb.Container != nil {
		tdb.Container.Terminate(context.Background())
	}
}

// Truncate clears all tables for test isolation
func (tdb *TestDB) Truncate(t *testing.T) {
	t.Helper()

	tables := []string{
		"quality_samples",
		"matches",
		"placement_records",
		"smurf_reviews",
		"tier_definitions",
		"player_ratings",
	}

	for _, table := range tables {
		if err := tdb.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)).Error; err != nil {
			t.Logf("warning: failed to truncate %s: %v", table, err)
		}
	}
}

// TestConfig returns a configuration suitable for testing: 1v1 without roles,
// short deadlines and a fast analytics flush.
func TestConfig() *config.Config {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestServiceKey), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	return &config.Config{
		Port:               "0",
		Environment:        "test",
		LogLevel:           "disabled",
		JWTSecret:          "test-jwt-secret-key-for-testing-only",
		JWTExpirationHours: 1,
		ServiceKeyHash:     string(hash),
		Regions:            []string{"na", "euw"},
		Matchmaking: config.MatchmakingConfig{
			TickInterval:         20 * time.Millisecond,
			TeamCount:            2,
			TeamSize:             1,
			MaxPartySize:         5,
			BaseRange:            100,
			RangeStep:            50,
			RangeInterval:        30 * time.Second,
			RangeCap:             300,
			LatencyBaseMs:        80,
			LatencyStepMs:        20,
			LatencyCapMs:         150,
			PenaltyPerVariance:   0.0005,
			MaxSpreadPenalty:     200,
			ScanLimit:            64,
			EvalBudget:           2000,
			StallCeiling:         3 * time.Minute,
			AlertCeiling:         5 * time.Minute,
			ReadyCheckTimeout:    200 * time.Millisecond,
			CompensationBoost:    100,
			CompensationDuration: 2 * time.Minute,
			DeclineCooldown:      5 * time.Minute,
		},
		Rating: config.RatingConfig{
			InitialMean:          1200,
			InitialUncertainty:   350,
			UncertaintyFloor:     60,
			ShrinkFactor:         0.94,
			KBase:                64,
			KMinRatio:            0.25,
			InactivityPeriod:     720 * time.Hour,
			DecayPerPeriod:       35,
			PlacementGames:       10,
			PlacementBandMin:     800,
			PlacementBandMax:     2000,
			PlacementUncertainty: 300,
			MaxRetries:           5,
		},
		Handoff: config.HandoffConfig{
			VoiceEnabled:   true,
			SyncTimeout:    500 * time.Millisecond,
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		Analytics: config.AnalyticsConfig{
			BufferSize:    64,
			BatchSize:     8,
			FlushInterval: 20 * time.Millisecond,
			SpreadNorm:    400,
			WaitNorm:      5 * time.Minute,
		},
	}
}

// TestServer holds all components for API integration testing. It runs on the
// in-memory repositories and an in-process allocator; the matchmaker loop is
// not started so tests drive ticks explicitly.
type TestServer struct {
	Server    *httptest.Server
	Repos     *repository.Repositories
	Services  *service.Services
	Hub       *websocket.Hub
	Allocator *allocator.Local
	Config    *config.Config
}

// NewTestServer creates a complete test server with all dependencies
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	cfg := TestConfig()
	log := zerolog.Nop()
	repos := memory.NewRepositories()
	alloc := allocator.NewLocal(0)

	hub := websocket.NewHub(log)
	go hub.Run()

	services, err := service.NewServices(repos, cfg, log,
		service.WithNotifier(hub),
		service.WithAllocator(alloc),
	)
	if err != nil {
		t.Fatalf("failed to build services: %v", err)
	}
	if err := services.Ratings.LoadLadder(context.Background()); err != nil {
		t.Fatalf("failed to load tier ladder: %v", err)
	}
	hub.SetResponder(services.Queue)

	server := httptest.NewServer(api.NewRouter(services, hub, cfg, log))

	ts := &TestServer{
		Server:    server,
		Repos:     repos,
		Services:  services,
		Hub:       hub,
		Allocator: alloc,
		Config:    cfg,
	}

	t.Cleanup(func() {
		server.Close()
		services.Close()
		hub.Stop()
	})

	return ts
}

// BaseURL returns the test server's base URL
func (ts *TestServer) BaseURL() string {
	return ts.Server.URL
}

// APIURL returns the full API URL for a given path
func (ts *TestServer) APIURL(path string) string {
	return fmt.Sprintf("%s/api/v1%s", ts.Server.URL, path)
}

// WebSocketURL returns the WebSocket URL with token
func (ts *TestServer) WebSocketURL(token string) string {
	wsURL := "ws" + ts.Server.URL[4:]
	return fmt.Sprintf("%s/api/v1/ws?token=%s", wsURL, token)
}
