package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
)

// ErrUnexpectedStatus is returned when a transition finds the ticket in another state
var ErrUnexpectedStatus = errors.New("ticket status changed")

// TicketStore is the registry of active tickets. Implementations must be safe
// for concurrent use and must never hand out references to stored tickets.
type TicketStore interface {
	Insert(ctx context.Context, t *domain.Ticket) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Ticket, error)
	GetByPlayer(ctx context.Context, playerID uuid.UUID) (*domain.Ticket, error)
	Waiting(ctx context.Context, shard domain.Shard) ([]*domain.Ticket, error)
	ListByCandidate(ctx context.Context, candidateID string) ([]*domain.Ticket, error)
	Transition(ctx context.Context, id uuid.UUID, from, to domain.TicketStatus, mutate func(*domain.Ticket)) (*domain.Ticket, error)
	Update(ctx context.Context, id uuid.UUID, fn func(*domain.Ticket) error) (*domain.Ticket, error)
	Remove(ctx context.Context, id uuid.UUID) (*domain.Ticket, error)
	Shards(ctx context.Context) []domain.Shard
	Counts(ctx context.Context, shard domain.Shard) map[domain.TicketStatus]int
}

type bucket struct {
	mu      sync.RWMutex
	tickets map[uuid.UUID]*domain.Ticket
}

// ShardedStore keeps one locked bucket per shard plus a global player index.
// Lock order is indexMu before any bucket lock.
type ShardedStore struct {
	indexMu  sync.RWMutex
	byPlayer map[uuid.UUID]uuid.UUID
	shardOf  map[uuid.UUID]domain.Shard

	bucketsMu sync.RWMutex
	buckets   map[domain.Shard]*bucket

	now func() time.Time
}

func NewShardedStore() *ShardedStore {
	return &ShardedStore{
		byPlayer: make(map[uuid.UUID]uuid.UUID),
		shardOf:  make(map[uuid.UUID]domain.Shard),
		buckets:  make(map[domain.Shard]*bucket),
		now:      time.Now,
	}
}

func (s *ShardedStore) bucket(shard domain.Shard, create bool) *bucket {
	s.bucketsMu.RLock()
	b, ok := s.buckets[shard]
	s.bucketsMu.RUnlock()
	if ok || !create {
		return b
	}

	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()
	if b, ok = s.buckets[shard]; !ok {
		b = &bucket{tickets: make(map[uuid.UUID]*domain.Ticket)}
		s.buckets[shard] = b
	}
	return b
}

// Insert stores a new ticket. It fails with a ConflictError if any member already has one.
func (s *ShardedStore) Insert(_ context.Context, t *domain.Ticket) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if _, exists := s.shardOf[t.ID]; exists {
		return domain.NewConflictError("ticket", fmt.Errorf("ticket %s already exists", t.ID))
	}
	for _, id := range t.PlayerIDs() {
		if _, queued := s.byPlayer[id]; queued {
			return domain.NewConflictError("player "+id.String(), domain.ErrAlreadyQueued)
		}
	}

	b := s.bucket(t.Shard, true)
	b.mu.Lock()
	stored := t.Clone()
	stored.UpdatedAt = s.now()
	b.tickets[t.ID] = stored
	b.mu.Unlock()

	for _, id := range t.PlayerIDs() {
		s.byPlayer[id] = t.ID
	}
	s.shardOf[t.ID] = t.Shard
	return nil
}

func (s *ShardedStore) locate(id uuid.UUID) (*bucket, error) {
	s.indexMu.RLock()
	shard, ok := s.shardOf[id]
	s.indexMu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("ticket", id)
	}
	return s.bucket(shard, false), nil
}

func (s *ShardedStore) Get(_ context.Context, id uuid.UUID) (*domain.Ticket, error) {
	b, err := s.locate(id)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tickets[id]
	if !ok {
		return nil, domain.NewNotFoundError("ticket", id)
	}
	return t.Clone(), nil
}

func (s *ShardedStore) GetByPlayer(ctx context.Context, playerID uuid.UUID) (*domain.Ticket, error) {
	s.indexMu.RLock()
	ticketID, ok := s.byPlayer[playerID]
	s.indexMu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("ticket for player", playerID)
	}
	return s.Get(ctx, ticketID)
}

// Waiting returns copies of the shard's WAITING tickets
func (s *ShardedStore) Waiting(_ context.Context, shard domain.Shard) ([]*domain.Ticket, error) {
	b := s.bucket(shard, false)
	if b == nil {
		return nil, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*domain.Ticket, 0, len(b.tickets))
	for _, t := range b.tickets {
		if t.Status == domain.TicketWaiting {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *ShardedStore) ListByCandidate(_ context.Context, candidateID string) ([]*domain.Ticket, error) {
	s.bucketsMu.RLock()
	buckets := make([]*bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.bucketsMu.RUnlock()

	var out []*domain.Ticket
	for _, b := range buckets {
		b.mu.RLock()
		for _, t := range b.tickets {
			if t.CandidateID == candidateID {
				out = append(out, t.Clone())
			}
		}
		b.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// Transition moves a ticket from one status to another atomically and applies mutate under the same lock
func (s *ShardedStore) Transition(ctx context.Context, id uuid.UUID, from, to domain.TicketStatus, mutate func(*domain.Ticket)) (*domain.Ticket, error) {
	return s.Update(ctx, id, func(t *domain.Ticket) error {
		if t.Status != from {
			return domain.NewConflictError("ticket "+id.String(), fmt.Errorf("%w: expected %s, found %s", ErrUnexpectedStatus, from, t.Status))
		}
		t.Status = to
		if mutate != nil {
			mutate(t)
		}
		return nil
	})
}

// Update applies fn to a working copy and stores it only if fn succeeds
func (s *ShardedStore) Update(_ context.Context, id uuid.UUID, fn func(*domain.Ticket) error) (*domain.Ticket, error) {
	b, err := s.locate(id)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.tickets[id]
	if !ok {
		return nil, domain.NewNotFoundError("ticket", id)
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	// Membership and identity are fixed for a ticket's lifetime.
	working.ID = current.ID
	working.Shard = current.Shard
	working.Members = current.Clone().Members
	working.UpdatedAt = s.now()

	b.tickets[id] = working
	return working.Clone(), nil
}

// Remove deletes a ticket and frees its players to queue again
func (s *ShardedStore) Remove(_ context.Context, id uuid.UUID) (*domain.Ticket, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	shard, ok := s.shardOf[id]
	if !ok {
		return nil, domain.NewNotFoundError("ticket", id)
	}
	b := s.bucket(shard, false)

	b.mu.Lock()
	t := b.tickets[id]
	delete(b.tickets, id)
	b.mu.Unlock()

	delete(s.shardOf, id)
	if t == nil {
		return nil, domain.NewNotFoundError("ticket", id)
	}
	for _, pid := range t.PlayerIDs() {
		if s.byPlayer[pid] == id {
			delete(s.byPlayer, pid)
		}
	}
	return t, nil
}

// Shards returns every shard that has held a ticket, in a stable order
func (s *ShardedStore) Shards(_ context.Context) []domain.Shard {
	s.bucketsMu.RLock()
	defer s.bucketsMu.RUnlock()

	shards := make([]domain.Shard, 0, len(s.buckets))
	for shard := range s.buckets {
		shards = append(shards, shard)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].String() < shards[j].String() })
	return shards
}

func (s *ShardedStore) Counts(_ context.Context, shard domain.Shard) map[domain.TicketStatus]int {
	counts := make(map[domain.TicketStatus]int)
	b := s.bucket(shard, false)
	if b == nil {
		return counts
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.tickets {
		counts[t.Status]++
	}
	return counts
}
