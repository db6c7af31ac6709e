package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dom/ranked-matchmaking/internal/domain"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrRejected means the allocator refused the request and retrying will not help
	ErrRejected = errors.New("allocation rejected")
	// ErrNoServers means no session server is free right now
	ErrNoServers = errors.New("no session servers available")
)

// Allocation is a reserved session server and optional voice lobby
type Allocation struct {
	SessionServerID string  `json:"sessionServerId"`
	VoiceLobbyID    *string `json:"voiceLobbyId,omitempty"`
}

// Allocator reserves game session servers for accepted candidates
type Allocator interface {
	Allocate(ctx context.Context, candidate *domain.MatchCandidate, voice bool) (*Allocation, error)
	Release(ctx context.Context, sessionServerID string) error
}

// Local hands out in-process server ids up to a fixed capacity.
// It backs local runs and tests.
type Local struct {
	mu       sync.Mutex
	capacity int
	inUse    map[string]string
	failures int
}

// NewLocal creates a local allocator. capacity <= 0 means unlimited.
func NewLocal(capacity int) *Local {
	return &Local{capacity: capacity, inUse: make(map[string]string)}
}

// FailNext makes the next n Allocate calls fail with an infrastructure error
func (l *Local) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

func (l *Local) Allocate(ctx context.Context, candidate *domain.MatchCandidate, voice bool) (*Allocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failures > 0 {
		l.failures--
		return nil, &domain.InfrastructureError{Operation: "allocate session server", Err: ErrNoServers}
	}
	if l.capacity > 0 && len(l.inUse) >= l.capacity {
		return nil, &domain.InfrastructureError{Operation: "allocate session server", Err: ErrNoServers}
	}

	id, err := gonanoid.New(12)
	if err != nil {
		return nil, &domain.InfrastructureError{Operation: "allocate session server", Err: err}
	}
	alloc := &Allocation{SessionServerID: "gs-" + id}
	if voice {
		lobby := fmt.Sprintf("voice-%s", candidate.ID)
		alloc.VoiceLobbyID = &lobby
	}
	l.inUse[alloc.SessionServerID] = candidate.ID
	return alloc, nil
}

func (l *Local) Release(_ context.Context, sessionServerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inUse, sessionServerID)
	return nil
}

// InUse returns the number of reserved servers
func (l *Local) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inUse)
}
