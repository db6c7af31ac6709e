package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

// RatingBuilder creates test ratings with a builder pattern
type RatingBuilder struct {
	playerID    uuid.UUID
	mean        float64
	uncertainty float64
	games       int
	tier        string
	division    int
	provisional bool
	lastMatchAt *time.Time
}

// NewRatingBuilder creates a placed rating with default values
func NewRatingBuilder() *RatingBuilder {
	return &RatingBuilder{
		playerID:    uuid.New(),
		mean:        1400,
		uncertainty: 200,
		games:       20,
		tier:        "Gold",
		division:    1,
	}
}

func (b *RatingBuilder) WithPlayerID(id uuid.UUID) *RatingBuilder {
	b.playerID = id
	return b
}

func (b *RatingBuilder) WithMean(mean float64) *RatingBuilder {
	b.mean = mean
	return b
}

func (b *RatingBuilder) WithUncertainty(u float64) *RatingBuilder {
	b.uncertainty = u
	return b
}

func (b *RatingBuilder) WithTier(tier string, division int) *RatingBuilder {
	b.tier = tier
	b.division = division
	return b
}

// Provisional marks the rating as not yet placed
func (b *RatingBuilder) Provisional() *RatingBuilder {
	b.provisional = true
	b.games = 0
	b.tier = ""
	b.division = 0
	return b
}

func (b *RatingBuilder) WithLastMatchAt(at time.Time) *RatingBuilder {
	b.lastMatchAt = &at
	return b
}

func (b *RatingBuilder) Build() *domain.PlayerRating {
	return &domain.PlayerRating{
		PlayerID:          b.playerID,
		RatingMean:        b.mean,
		RatingUncertainty: b.uncertainty,
		GamesPlayed:       b.games,
		Tier:              b.tier,
		Division:          b.division,
		Provisional:       b.provisional,
		LastMatchAt:       b.lastMatchAt,
	}
}

// Player is a test identity with a signed token
type Player struct {
	ID    uuid.UUID
	Name  string
	Token string
}

// NewPlayer mints a token for a fresh player id
func NewPlayer(t *testing.T, ts *TestServer) *Player {
	t.Helper()

	id := uuid.New()
	name := fmt.Sprintf("player_%s", id.String()[:8])
	return &Player{ID: id, Name: name, Token: MintToken(t, ts, id, name)}
}

// MintToken signs a player token the way the account service would
func MintToken(t *testing.T, ts *TestServer, playerID uuid.UUID, name string) string {
	t.Helper()

	token, err := ts.Services.Tokens.IssueToken(playerID, name)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// PlacePlayer seeds a placed rating through the placement flow
func PlacePlayer(t *testing.T, ts *TestServer, playerID uuid.UUID, wins, losses int) *domain.PlayerRating {
	t.Helper()

	r, err := ts.Services.Ratings.ApplyPlacement(context.Background(), domain.PlacementRecord{
		PlayerID:   playerID,
		TotalGames: wins + losses,
		Wins:       wins,
		Losses:     losses,
	})
	if err != nil {
		t.Fatalf("failed to place player: %v", err)
	}
	return r
}

// CreateAuthenticatedRequest creates an HTTP request with a player token
func CreateAuthenticatedRequest(t *testing.T, method, url string, body interface{}, token string) *http.Request {
	t.Helper()

	req := newJSONRequest(t, method, url, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// CreateServiceRequest creates an HTTP request carrying the service key
func CreateServiceRequest(t *testing.T, method, url string, body interface{}, key string) *http.Request {
	t.Helper()

	req := newJSONRequest(t, method, url, body)
	if key != "" {
		req.Header.Set("X-Service-Key", key)
	}
	return req
}

func newJSONRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()

	bodyReader := bytes.NewBuffer(nil)
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// Do sends a request with the default client and closes the body on cleanup
func Do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
