package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// HTTPClient talks to a remote session allocation service
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the allocator at baseURL
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type allocateRequest struct {
	CandidateID string      `json:"candidateId"`
	QueueType   string      `json:"queueType"`
	Region      string      `json:"region"`
	PlayerIDs   []uuid.UUID `json:"playerIds"`
	Voice       bool        `json:"voice"`
}

func (c *HTTPClient) Allocate(ctx context.Context, candidate *domain.MatchCandidate, voice bool) (*Allocation, error) {
	body, err := json.Marshal(allocateRequest{
		CandidateID: candidate.ID,
		QueueType:   string(candidate.Shard.QueueType),
		Region:      candidate.Shard.Region,
		PlayerIDs:   candidate.PlayerIDs(),
		Voice:       voice,
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode allocation request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "failed to build allocation request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.InfrastructureError{Operation: "allocate session server", Err: eris.Wrap(err, "allocation request failed")}
	}
	defer resp.Body.Close()

	if err := statusError("allocate session server", resp); err != nil {
		return nil, err
	}

	var alloc Allocation
	if err := json.NewDecoder(resp.Body).Decode(&alloc); err != nil {
		return nil, &domain.InfrastructureError{Operation: "allocate session server", Err: eris.Wrap(err, "failed to decode response")}
	}
	if alloc.SessionServerID == "" {
		return nil, &domain.InfrastructureError{Operation: "allocate session server", Err: eris.New("response has no session server id")}
	}
	return &alloc, nil
}

func (c *HTTPClient) Release(ctx context.Context, sessionServerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/sessions/"+sessionServerID, nil)
	if err != nil {
		return eris.Wrap(err, "failed to build release request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.InfrastructureError{Operation: "release session server", Err: eris.Wrap(err, "release request failed")}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError("release session server", resp)
}

// statusError maps non-2xx responses. 4xx responses wrap ErrRejected.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, string(bodyBytes))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		cause = fmt.Errorf("%w (%v)", ErrRejected, cause)
	}
	return &domain.InfrastructureError{Operation: op, Err: cause}
}
