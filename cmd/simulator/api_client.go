package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// APIClient handles HTTP communication with the backend
type APIClient struct {
	baseURL    string
	serviceKey string
	jwtSecret  []byte
	httpClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL, serviceKey, jwtSecret string) *APIClient {
	return &APIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/") + "/api/v1",
		serviceKey: serviceKey,
		jwtSecret:  []byte(jwtSecret),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SimPlayer is a fake player driven by the simulator
type SimPlayer struct {
	ID    uuid.UUID
	Name  string
	Token string
}

// NewPlayer signs a token the way the account service would
func (c *APIClient) NewPlayer(name string) (*SimPlayer, error) {
	id := uuid.New()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  id.String(),
		"name": name,
		"exp":  now.Add(6 * time.Hour).Unix(),
		"iat":  now.Unix(),
	})
	signed, err := token.SignedString(c.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &SimPlayer{ID: id, Name: name, Token: signed}, nil
}

// WebSocketURL returns the notification socket URL for a player
func (c *APIClient) WebSocketURL(p *SimPlayer) string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?token=" + p.Token
}

// Place seeds a rating through the placement endpoint
func (c *APIClient) Place(p *SimPlayer, wins, losses int) (*domain.PlayerRating, error) {
	body := map[string]interface{}{
		"playerId":   p.ID,
		"totalGames": wins + losses,
		"wins":       wins,
		"losses":     losses,
	}
	var rating domain.PlayerRating
	if err := c.do(http.MethodPost, "/internal/placements", body, "", &rating); err != nil {
		return nil, fmt.Errorf("placement failed: %w", err)
	}
	return &rating, nil
}

// Search queues a player alone
func (c *APIClient) Search(p *SimPlayer, queueType, region string, roles []string, latencyMs int) (*domain.QueueSnapshot, error) {
	body := map[string]interface{}{
		"queueType": queueType,
		"region":    region,
		"members": []map[string]interface{}{{
			"playerId":       p.ID,
			"preferredRoles": roles,
			"latencyMs":      latencyMs,
		}},
	}
	var snap domain.QueueSnapshot
	if err := c.do(http.MethodPost, "/queue/search", body, p.Token, &snap); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return &snap, nil
}

// Me returns the player's active ticket
func (c *APIClient) Me(p *SimPlayer) (*domain.QueueSnapshot, error) {
	var snap domain.QueueSnapshot
	if err := c.do(http.MethodGet, "/queue/me", nil, p.Token, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// AckAntiCheat confirms a locked session on behalf of the anti-cheat service
func (c *APIClient) AckAntiCheat(candidateID, sessionServerID string) (*domain.Match, error) {
	var match domain.Match
	body := map[string]string{"sessionServerId": sessionServerID}
	if err := c.do(http.MethodPost, "/internal/sessions/"+candidateID+"/anti-cheat-ack", body, "", &match); err != nil {
		return nil, fmt.Errorf("anti-cheat ack failed: %w", err)
	}
	return &match, nil
}

// ReportResult posts the outcome of a started match
func (c *APIClient) ReportResult(candidateID string, teams []domain.TeamResult) ([]domain.PlayerRating, error) {
	var out struct {
		Ratings []domain.PlayerRating `json:"ratings"`
	}
	body := map[string]interface{}{"candidateId": candidateID, "teams": teams}
	if err := c.do(http.MethodPost, "/internal/match-results", body, "", &out); err != nil {
		return nil, fmt.Errorf("result report failed: %w", err)
	}
	return out.Ratings, nil
}

// QualitySamples exports recent quality samples
func (c *APIClient) QualitySamples(since time.Time) ([]domain.QualitySample, error) {
	var out struct {
		Samples []domain.QualitySample `json:"samples"`
	}
	path := "/admin/quality-samples?limit=1000&since=" + since.UTC().Format(time.RFC3339)
	if err := c.do(http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Samples, nil
}

// APIError is a non-2xx response
type APIError struct {
	Status int
	Code   string `json:"error"`
	Msg    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.Status, e.Code, e.Msg)
}

// do sends a JSON request. A player token wins over the service key.
func (c *APIClient) do(method, path string, body interface{}, token string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if c.serviceKey != "" {
		req.Header.Set("X-Service-Key", c.serviceKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Msg = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
