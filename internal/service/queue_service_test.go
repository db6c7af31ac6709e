package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dom/ranked-matchmaking/internal/allocator"
	"github.com/dom/ranked-matchmaking/internal/config"
	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/dom/ranked-matchmaking/internal/repository/memory"
	"github.com/dom/ranked-matchmaking/internal/service"
	"github.com/dom/ranked-matchmaking/internal/testutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	service.NopNotifier

	mu        sync.Mutex
	started   []string
	resolved  []domain.ReadyCheckResolution
	requeued  []uuid.UUID
	cancelled map[uuid.UUID]string
	found     []domain.SessionLock
	aborted   []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{cancelled: make(map[uuid.UUID]string)}
}

func (n *recordingNotifier) ReadyCheckStarted(_ context.Context, c *domain.MatchCandidate, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, c.ID)
}

func (n *recordingNotifier) ReadyCheckResolved(_ context.Context, res domain.ReadyCheckResolution) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, res)
}

func (n *recordingNotifier) Requeued(_ context.Context, t *domain.Ticket, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requeued = append(n.requeued, t.ID)
}

func (n *recordingNotifier) TicketCancelled(_ context.Context, t *domain.Ticket, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled[t.ID] = reason
}

func (n *recordingNotifier) MatchFound(_ context.Context, _ *domain.MatchCandidate, lock domain.SessionLock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.found = append(n.found, lock)
}

func (n *recordingNotifier) MatchAborted(_ context.Context, c *domain.MatchCandidate, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aborted = append(n.aborted, c.ID)
}

func (n *recordingNotifier) cancelReason(id uuid.UUID) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelled[id]
}

type harness struct {
	cfg      *config.Config
	repos    *repository.Repositories
	svc      *service.Services
	notifier *recordingNotifier
	alloc    *allocator.Local
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testutil.TestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		cfg:      cfg,
		repos:    memory.NewRepositories(),
		notifier: newRecordingNotifier(),
		alloc:    allocator.NewLocal(0),
	}
	svc, err := service.NewServices(h.repos, cfg, zerolog.Nop(),
		service.WithNotifier(h.notifier),
		service.WithAllocator(h.alloc),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Ratings.LoadLadder(context.Background()))
	t.Cleanup(svc.Close)
	h.svc = svc
	return h
}

// place seeds every player at the same rating so they match each other
func (h *harness) place(t *testing.T, ids ...uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		_, err := h.svc.Ratings.ApplyPlacement(context.Background(), domain.PlacementRecord{
			PlayerID: id, TotalGames: 10, Wins: 5, Losses: 5,
		})
		require.NoError(t, err)
	}
}

func (h *harness) search(t *testing.T, playerID uuid.UUID) domain.QueueSnapshot {
	t.Helper()
	snap, err := h.svc.Queue.Search(context.Background(), service.SearchInput{
		CallerID:  playerID,
		QueueType: domain.QueueRankedSolo,
		Region:    "na",
		Members:   []service.SearchMember{{PlayerID: playerID, LatencyMs: 30}},
	})
	require.NoError(t, err)
	return snap
}

// formCandidate queues two players, ticks the matchmaker and returns the candidate id
func (h *harness) formCandidate(t *testing.T, a, b uuid.UUID) (string, domain.QueueSnapshot, domain.QueueSnapshot) {
	t.Helper()
	h.place(t, a, b)
	snapA := h.search(t, a)
	snapB := h.search(t, b)

	require.NoError(t, h.svc.Matchmaker.TickAll(context.Background()))
	ticket, err := h.svc.Store.Get(context.Background(), snapA.TicketID)
	require.NoError(t, err)
	require.Equal(t, domain.TicketCandidate, ticket.Status)
	require.NotEmpty(t, ticket.CandidateID)
	return ticket.CandidateID, snapA, snapB
}

func TestQueueService_Search(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	banned := uuid.New()
	_, err := h.svc.Reviews.ApplySmurfReview(ctx, service.SmurfReviewInput{PlayerID: banned, Verdict: domain.VerdictBanRecommended})
	require.NoError(t, err)

	queued := uuid.New()
	h.search(t, queued)

	tests := []struct {
		name  string
		input service.SearchInput
		check func(error) bool
	}{
		{
			name:  "invalid queue type",
			input: service.SearchInput{CallerID: uuid.New(), QueueType: "aram", Region: "na"},
			check: domain.IsValidation,
		},
		{
			name:  "unknown region",
			input: service.SearchInput{CallerID: uuid.New(), QueueType: domain.QueueRankedSolo, Region: "moon"},
			check: domain.IsValidation,
		},
		{
			name: "caller is not in the party",
			input: service.SearchInput{
				CallerID: uuid.New(), QueueType: domain.QueueRankedSolo, Region: "na",
				Members: []service.SearchMember{{PlayerID: uuid.New()}},
			},
			check: domain.IsValidation,
		},
		{
			name:  "banned player",
			input: service.SearchInput{CallerID: banned, QueueType: domain.QueueRankedSolo, Region: "na"},
			check: domain.IsEligibility,
		},
		{
			name:  "already queued",
			input: service.SearchInput{CallerID: queued, QueueType: domain.QueueRankedSolo, Region: "euw"},
			check: domain.IsConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Queue.Search(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestQueueService_SearchCreatesProvisionalRating(t *testing.T) {
	h := newHarness(t, nil)
	playerID := uuid.New()

	snap := h.search(t, playerID)
	assert.Equal(t, domain.TicketWaiting, snap.Status)
	assert.Equal(t, h.cfg.Matchmaking.BaseRange, snap.CurrentRange.Rating)
	assert.Equal(t, domain.RangeAuto, snap.CurrentRange.Reason)

	r, err := h.svc.Ratings.Get(context.Background(), playerID)
	require.NoError(t, err)
	assert.True(t, r.Provisional)
	assert.Equal(t, h.cfg.Rating.InitialMean, r.RatingMean)

	me, err := h.svc.Queue.Me(context.Background(), playerID)
	require.NoError(t, err)
	assert.Equal(t, snap.TicketID, me.TicketID)
}

func TestQueueService_CancelWaiting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	playerID := uuid.New()
	snap := h.search(t, playerID)

	err := h.svc.Queue.Cancel(ctx, uuid.New(), snap.TicketID)
	assert.True(t, domain.IsEligibility(err))

	require.NoError(t, h.svc.Queue.Cancel(ctx, playerID, snap.TicketID))
	assert.Equal(t, service.ReasonPlayerCancelled, h.notifier.cancelReason(snap.TicketID))

	_, err = h.svc.Queue.Me(ctx, playerID)
	assert.True(t, domain.IsNotFound(err))

	// Free to queue again.
	h.search(t, playerID)
}

func TestQueueService_ReadyCheckSuccessStartsSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	candidateID, snapA, _ := h.formCandidate(t, a, b)

	_, err := h.svc.Queue.RespondReadyCheck(ctx, candidateID, a, domain.ReadyAccepted)
	require.NoError(t, err)
	_, err = h.svc.Queue.RespondReadyCheck(ctx, candidateID, b, domain.ReadyAccepted)
	require.NoError(t, err)
	h.svc.Queue.Wait()

	lock, err := h.svc.Handoff.Lock(candidateID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockReady, lock.Reason)
	assert.True(t, lock.AntiCheatSyncRequired)

	// Locked tickets cannot be cancelled.
	err = h.svc.Queue.Cancel(ctx, a, snapA.TicketID)
	assert.ErrorIs(t, err, domain.ErrTicketLocked)

	match, err := h.svc.Handoff.AckAntiCheat(ctx, candidateID, lock.SessionServerID)
	require.NoError(t, err)
	assert.Equal(t, candidateID, match.ID)

	_, err = h.svc.Queue.Me(ctx, a)
	assert.True(t, domain.IsNotFound(err))
	_, err = h.repos.Matches.GetMatch(ctx, candidateID)
	require.NoError(t, err)

	updated, err := h.svc.Ratings.ApplyMatchResult(ctx, service.MatchResultInput{
		MatchID: candidateID,
		Results: []domain.TeamResult{
			{TeamIndex: 0, PlayerIDs: []uuid.UUID{a}, Outcome: domain.OutcomeWin},
			{TeamIndex: 1, PlayerIDs: []uuid.UUID{b}, Outcome: domain.OutcomeLoss},
		},
	})
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.Greater(t, updated[0].RatingMean, 1400.0)
	assert.Less(t, updated[1].RatingMean, 1400.0)
}

func TestQueueService_DeclineRequeuesOthersWithCompensation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	candidateID, snapA, snapB := h.formCandidate(t, a, b)

	_, err := h.svc.Queue.RespondReadyCheck(ctx, candidateID, a, domain.ReadyAccepted)
	require.NoError(t, err)
	_, err = h.svc.Queue.RespondReadyCheck(ctx, candidateID, b, domain.ReadyDeclined)
	require.NoError(t, err)

	me, err := h.svc.Queue.Me(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, snapA.TicketID, me.TicketID)
	assert.Equal(t, domain.TicketWaiting, me.Status)
	assert.Equal(t, h.cfg.Matchmaking.CompensationBoost, me.Priority)
	require.Len(t, me.BoostSources, 1)
	assert.Equal(t, domain.BoostSourceReadyCheckCompensation, me.BoostSources[0].Source)
	require.NotNil(t, me.BoostedUntil)

	_, err = h.svc.Queue.Me(ctx, b)
	assert.True(t, domain.IsNotFound(err))
	assert.Equal(t, service.ReasonDeclined, h.notifier.cancelReason(snapB.TicketID))

	_, cooling := h.svc.Accounts.Until(b)
	assert.True(t, cooling)
	_, err = h.svc.Queue.Search(ctx, service.SearchInput{CallerID: b, QueueType: domain.QueueRankedSolo, Region: "na"})
	assert.True(t, domain.IsEligibility(err))
}

func TestQueueService_CancelDuringReadyCheckDeclines(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	_, _, snapB := h.formCandidate(t, a, b)

	require.NoError(t, h.svc.Queue.Cancel(ctx, b, snapB.TicketID))

	me, err := h.svc.Queue.Me(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketWaiting, me.Status)
	_, err = h.svc.Queue.Me(ctx, b)
	assert.True(t, domain.IsNotFound(err))
}

func TestQueueService_CancelBeforeReadyCheckOpensIsRetryable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	playerID := uuid.New()
	snap := h.search(t, playerID)

	// Committed to a candidate whose ready check has not been opened yet.
	_, err := h.svc.Store.Transition(ctx, snap.TicketID, domain.TicketWaiting, domain.TicketCandidate, func(t *domain.Ticket) {
		t.CandidateID = "c-opening"
	})
	require.NoError(t, err)

	err = h.svc.Queue.Cancel(ctx, playerID, snap.TicketID)
	require.Error(t, err)
	assert.True(t, domain.IsConflict(err))
	assert.ErrorIs(t, err, domain.ErrReadyCheckOpening)

	ticket, err := h.svc.Store.Get(ctx, snap.TicketID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketCandidate, ticket.Status)
}

func TestQueueService_PartyDeclineRequeuesRestOfParty(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Matchmaking.TeamSize = 2 })
	ctx := context.Background()
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	h.place(t, a, b, c, d)

	duo, err := h.svc.Queue.Search(ctx, service.SearchInput{
		CallerID:  a,
		QueueType: domain.QueueRankedSolo,
		Region:    "na",
		Members: []service.SearchMember{
			{PlayerID: a, LatencyMs: 30},
			{PlayerID: b, LatencyMs: 30},
		},
	})
	require.NoError(t, err)
	snapC := h.search(t, c)
	snapD := h.search(t, d)

	require.NoError(t, h.svc.Matchmaker.TickAll(ctx))
	original, err := h.svc.Store.Get(ctx, duo.TicketID)
	require.NoError(t, err)
	require.Equal(t, domain.TicketCandidate, original.Status)
	candidateID := original.CandidateID

	_, err = h.svc.Queue.RespondReadyCheck(ctx, candidateID, a, domain.ReadyAccepted)
	require.NoError(t, err)
	_, err = h.svc.Queue.RespondReadyCheck(ctx, candidateID, c, domain.ReadyAccepted)
	require.NoError(t, err)
	// d has not answered yet when b declines
	_, err = h.svc.Queue.RespondReadyCheck(ctx, candidateID, b, domain.ReadyDeclined)
	require.NoError(t, err)

	assert.Equal(t, service.ReasonDeclined, h.notifier.cancelReason(duo.TicketID))
	_, err = h.svc.Queue.Me(ctx, b)
	assert.True(t, domain.IsNotFound(err))
	_, cooling := h.svc.Accounts.Until(b)
	assert.True(t, cooling)

	// a goes back alone, keeping the party's place in the queue
	me, err := h.svc.Queue.Me(ctx, a)
	require.NoError(t, err)
	assert.NotEqual(t, duo.TicketID, me.TicketID)
	assert.Equal(t, domain.TicketWaiting, me.Status)
	assert.Equal(t, h.cfg.Matchmaking.CompensationBoost, me.Priority)
	_, cooling = h.svc.Accounts.Until(a)
	assert.False(t, cooling)

	remnant, err := h.svc.Store.Get(ctx, me.TicketID)
	require.NoError(t, err)
	require.Len(t, remnant.Members, 1)
	assert.Equal(t, a, remnant.LeaderID)
	assert.Equal(t, original.PartyID, remnant.PartyID)
	assert.True(t, original.SubmittedAt.Equal(remnant.SubmittedAt))
	assert.InDelta(t, 1400, remnant.RatingMean, 1e-9)
	assert.Contains(t, h.notifier.requeued, me.TicketID)

	for _, tc := range []struct {
		player uuid.UUID
		ticket uuid.UUID
	}{
		{player: c, ticket: snapC.TicketID},
		{player: d, ticket: snapD.TicketID},
	} {
		me, err := h.svc.Queue.Me(ctx, tc.player)
		require.NoError(t, err)
		assert.Equal(t, tc.ticket, me.TicketID)
		assert.Equal(t, domain.TicketWaiting, me.Status)
		assert.Equal(t, h.cfg.Matchmaking.CompensationBoost, me.Priority)
	}
}

func TestQueueService_ReadyCheckTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Matchmaking.ReadyCheckTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	candidateID, _, _ := h.formCandidate(t, a, b)

	_, err := h.svc.Queue.RespondReadyCheck(ctx, candidateID, a, domain.ReadyAccepted)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := h.svc.Queue.Me(ctx, b)
		return domain.IsNotFound(err)
	}, time.Second, 10*time.Millisecond)

	me, err := h.svc.Queue.Me(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketWaiting, me.Status)
	assert.Equal(t, h.cfg.Matchmaking.CompensationBoost, me.Priority)
}

func TestQueueService_AllocationExhaustedRequeues(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	candidateID, _, _ := h.formCandidate(t, a, b)
	h.alloc.FailNext(100)

	_, err := h.svc.Queue.RespondReadyCheck(ctx, candidateID, a, domain.ReadyAccepted)
	require.NoError(t, err)
	_, err = h.svc.Queue.RespondReadyCheck(ctx, candidateID, b, domain.ReadyAccepted)
	require.NoError(t, err)
	h.svc.Queue.Wait()

	for _, id := range []uuid.UUID{a, b} {
		me, err := h.svc.Queue.Me(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TicketWaiting, me.Status)
		assert.Equal(t, h.cfg.Matchmaking.CompensationBoost, me.Priority)
	}
	h.notifier.mu.Lock()
	assert.Equal(t, []string{candidateID}, h.notifier.aborted)
	h.notifier.mu.Unlock()
}

func TestQueueService_RangeOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	snap := h.search(t, uuid.New())
	h.search(t, uuid.New())

	_, err := h.svc.Queue.RangeOverride(ctx, service.RangeOverrideInput{TicketID: &snap.TicketID, Reason: domain.RangeAuto})
	assert.True(t, domain.IsValidation(err))

	_, err = h.svc.Queue.RangeOverride(ctx, service.RangeOverrideInput{Reason: domain.RangeAdmin})
	assert.True(t, domain.IsValidation(err))

	missing := uuid.New()
	_, err = h.svc.Queue.RangeOverride(ctx, service.RangeOverrideInput{TicketID: &missing, Reason: domain.RangeAdmin})
	assert.True(t, domain.IsNotFound(err))

	shard := domain.Shard{QueueType: domain.QueueRankedSolo, Region: "na"}
	snaps, err := h.svc.Queue.RangeOverride(ctx, service.RangeOverrideInput{Shard: &shard, Reason: domain.RangeAdmin})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		assert.Equal(t, domain.RangeAdmin, s.CurrentRange.Reason)
		assert.Equal(t, h.cfg.Matchmaking.RangeCap, s.CurrentRange.Rating)
		assert.Equal(t, h.cfg.Matchmaking.LatencyCapMs, s.CurrentRange.LatencyMs)
	}
}

func TestReviewService_BanEvictsWaitingPlayer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	playerID := uuid.New()
	snap := h.search(t, playerID)

	_, err := h.svc.Reviews.ApplySmurfReview(ctx, service.SmurfReviewInput{PlayerID: playerID, Verdict: "MAYBE"})
	assert.True(t, domain.IsValidation(err))

	_, err = h.svc.Reviews.ApplySmurfReview(ctx, service.SmurfReviewInput{PlayerID: playerID, Verdict: domain.VerdictWarn})
	require.NoError(t, err)
	_, err = h.svc.Queue.Me(ctx, playerID)
	require.NoError(t, err, "a warning does not evict")

	review, err := h.svc.Reviews.ApplySmurfReview(ctx, service.SmurfReviewInput{
		PlayerID: playerID, Verdict: domain.VerdictBanRecommended, ReviewerID: "trust-and-safety",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictBanRecommended, review.Verdict)

	_, err = h.svc.Queue.Me(ctx, playerID)
	assert.True(t, domain.IsNotFound(err))
	assert.Equal(t, service.ReasonSuspended, h.notifier.cancelReason(snap.TicketID))
	assert.True(t, domain.IsEligibility(h.svc.Reviews.CheckEligible(ctx, []uuid.UUID{uuid.New(), playerID})))
}

func TestCooldownRegistry(t *testing.T) {
	reg := service.NewCooldownRegistry(zerolog.Nop())
	ctx := context.Background()
	playerID := uuid.New()

	require.NoError(t, reg.CheckEligible(ctx, []uuid.UUID{playerID}))

	require.NoError(t, reg.ApplyCooldown(ctx, playerID, time.Now().Add(time.Hour), "ready check DECLINED"))
	// A shorter cooldown never replaces a longer one.
	require.NoError(t, reg.ApplyCooldown(ctx, playerID, time.Now().Add(-time.Minute), "stale"))

	err := reg.CheckEligible(ctx, []uuid.UUID{playerID})
	assert.True(t, domain.IsEligibility(err))

	other := uuid.New()
	require.NoError(t, reg.ApplyCooldown(ctx, other, time.Now().Add(-time.Second), "expired"))
	_, active := reg.Until(other)
	assert.False(t, active)
}
