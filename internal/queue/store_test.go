package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/queue"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var naSolo = domain.Shard{QueueType: domain.QueueRankedSolo, Region: "na"}

func soloTicket(shard domain.Shard, playerID uuid.UUID, rating float64) *domain.Ticket {
	return &domain.Ticket{
		ID:          uuid.New(),
		Shard:       shard,
		PartyID:     uuid.New(),
		LeaderID:    playerID,
		Members:     []domain.TicketMember{{PlayerID: playerID, RatingMean: rating, RatingUncertainty: 100}},
		RatingMean:  rating,
		SubmittedAt: time.Now(),
		Status:      domain.TicketWaiting,
	}
}

func TestShardedStore_InsertAndGet(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	player := uuid.New()
	ticket := soloTicket(naSolo, player, 1500)

	require.NoError(t, store.Insert(ctx, ticket))

	got, err := store.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)

	byPlayer, err := store.GetByPlayer(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, byPlayer.ID)

	_, err = store.Get(ctx, uuid.New())
	assert.True(t, domain.IsNotFound(err))
}

func TestShardedStore_ReturnsCopies(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	ticket := soloTicket(naSolo, uuid.New(), 1500)
	require.NoError(t, store.Insert(ctx, ticket))

	got, err := store.Get(ctx, ticket.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(ticket, got, cmpopts.IgnoreFields(domain.Ticket{}, "UpdatedAt"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("stored ticket mismatch (-want +got):\n%s", diff)
	}
	got.Status = domain.TicketCancelled
	got.Members[0].RatingMean = 0

	again, err := store.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketWaiting, again.Status)
	assert.Equal(t, 1500.0, again.Members[0].RatingMean)
}

func TestShardedStore_OneTicketPerPlayer(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	player := uuid.New()

	require.NoError(t, store.Insert(ctx, soloTicket(naSolo, player, 1500)))

	euw := domain.Shard{QueueType: domain.QueueRankedSolo, Region: "euw"}
	err := store.Insert(ctx, soloTicket(euw, player, 1500))
	assert.True(t, domain.IsConflict(err))
	assert.True(t, errors.Is(err, domain.ErrAlreadyQueued))
}

func TestShardedStore_ConcurrentInsertSamePlayer(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	player := uuid.New()

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Insert(ctx, soloTicket(naSolo, player, 1500)) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, 1, store.Counts(ctx, naSolo)[domain.TicketWaiting])
}

func TestShardedStore_Transition(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	ticket := soloTicket(naSolo, uuid.New(), 1500)
	require.NoError(t, store.Insert(ctx, ticket))

	got, err := store.Transition(ctx, ticket.ID, domain.TicketWaiting, domain.TicketCandidate, func(t *domain.Ticket) {
		t.CandidateID = "abc"
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCandidate, got.Status)
	assert.Equal(t, "abc", got.CandidateID)

	_, err = store.Transition(ctx, ticket.ID, domain.TicketWaiting, domain.TicketCandidate, nil)
	assert.True(t, domain.IsConflict(err))
	assert.True(t, errors.Is(err, queue.ErrUnexpectedStatus))

	waiting, err := store.Waiting(ctx, naSolo)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	byCandidate, err := store.ListByCandidate(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, byCandidate, 1)
	assert.Equal(t, ticket.ID, byCandidate[0].ID)
}

func TestShardedStore_ConcurrentTransitionSingleWinner(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	ticket := soloTicket(naSolo, uuid.New(), 1500)
	require.NoError(t, store.Insert(ctx, ticket))

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Transition(ctx, ticket.ID, domain.TicketWaiting, domain.TicketCandidate, nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestShardedStore_UpdateKeepsIdentity(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	ticket := soloTicket(naSolo, uuid.New(), 1500)
	require.NoError(t, store.Insert(ctx, ticket))

	got, err := store.Update(ctx, ticket.ID, func(t *domain.Ticket) error {
		t.ID = uuid.New()
		t.Members = nil
		t.BasePriority = 5
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, got.ID)
	assert.Len(t, got.Members, 1)
	assert.Equal(t, 5, got.BasePriority)

	failing := errors.New("boom")
	_, err = store.Update(ctx, ticket.ID, func(t *domain.Ticket) error {
		t.BasePriority = 99
		return failing
	})
	assert.ErrorIs(t, err, failing)

	unchanged, err := store.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, unchanged.BasePriority)
}

func TestShardedStore_RemoveFreesPlayers(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	player := uuid.New()
	ticket := soloTicket(naSolo, player, 1500)
	require.NoError(t, store.Insert(ctx, ticket))

	removed, err := store.Remove(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, removed.ID)

	_, err = store.GetByPlayer(ctx, player)
	assert.True(t, domain.IsNotFound(err))

	_, err = store.Remove(ctx, ticket.ID)
	assert.True(t, domain.IsNotFound(err))

	require.NoError(t, store.Insert(ctx, soloTicket(naSolo, player, 1500)))
}

func TestShardedStore_Shards(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	euw := domain.Shard{QueueType: domain.QueueRankedSolo, Region: "euw"}
	flex := domain.Shard{QueueType: domain.QueueRankedFlex, Region: "na"}

	require.NoError(t, store.Insert(ctx, soloTicket(naSolo, uuid.New(), 1500)))
	require.NoError(t, store.Insert(ctx, soloTicket(euw, uuid.New(), 1500)))
	require.NoError(t, store.Insert(ctx, soloTicket(flex, uuid.New(), 1500)))

	assert.Equal(t, []domain.Shard{flex, euw, naSolo}, store.Shards(ctx))
}

func TestRequeue_KeepsPlaceAndAddsBoost(t *testing.T) {
	store := queue.NewShardedStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	tk := soloTicket(naSolo, uuid.New(), 1500)
	tk.SubmittedAt = now.Add(-time.Minute)
	require.NoError(t, store.Insert(ctx, tk))
	_, err := store.Transition(ctx, tk.ID, domain.TicketWaiting, domain.TicketCandidate, func(t *domain.Ticket) {
		t.CandidateID = "abc"
	})
	require.NoError(t, err)

	boost := queue.Compensation{Amount: 100, Duration: 2 * time.Minute}.Boost(now)
	requeued, err := queue.Requeue(ctx, store, tk.ID, domain.TicketCandidate, &boost)
	require.NoError(t, err)

	assert.Equal(t, tk.ID, requeued.ID)
	assert.Equal(t, domain.TicketWaiting, requeued.Status)
	assert.Empty(t, requeued.CandidateID)
	assert.True(t, requeued.SubmittedAt.Equal(tk.SubmittedAt))
	assert.Equal(t, 100, requeued.EffectivePriority(now))
	require.NotNil(t, requeued.BoostedUntil(now))
	assert.Equal(t, now.Add(2*time.Minute), *requeued.BoostedUntil(now))

	_, err = queue.Requeue(ctx, store, tk.ID, domain.TicketCandidate, nil)
	assert.True(t, domain.IsConflict(err))
}
