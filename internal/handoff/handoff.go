package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dom/ranked-matchmaking/internal/allocator"
	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/queue"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config controls allocation retries and the anti-cheat sync gate
type Config struct {
	VoiceEnabled   bool
	SyncTimeout    time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Compensation   queue.Compensation
}

// MatchStore persists started matches
type MatchStore interface {
	CreateMatch(ctx context.Context, m *domain.Match) error
}

// QualityRecorder receives one observation per resolved candidate
type QualityRecorder interface {
	RecordCandidate(c *domain.MatchCandidate, outcome domain.QualityOutcome, at time.Time)
}

// Notifier tells players about the fate of their match
type Notifier interface {
	MatchFound(ctx context.Context, c *domain.MatchCandidate, lock domain.SessionLock)
	MatchAborted(ctx context.Context, c *domain.MatchCandidate, reason string)
}

// Observer is told how every handoff ended
type Observer interface {
	ObserveHandoff(outcome string)
}

// Handoff outcomes reported to the Observer
const (
	OutcomeStarted      = "started"
	OutcomeForceStarted = "force_started"
	OutcomeNoCapacity   = "no_capacity"
	OutcomeSyncTimeout  = "sync_timeout"
	OutcomeConflict     = "conflict"
)

type lockState struct {
	candidate domain.MatchCandidate
	lock      domain.SessionLock
	timer     *time.Timer
}

// Handoff moves accepted candidates onto session servers
type Handoff struct {
	cfg      Config
	store    queue.TicketStore
	alloc    allocator.Allocator
	matches  MatchStore
	quality  QualityRecorder
	notifier Notifier
	observer Observer
	log      zerolog.Logger
	now      func() time.Time

	// OnSyncTimeout, when set, is called with the TimeoutError of every expired lock
	OnSyncTimeout func(candidate *domain.MatchCandidate, err error)

	mu    sync.Mutex
	locks map[string]*lockState
}

type Option func(*Handoff)

func WithNotifier(n Notifier) Option { return func(h *Handoff) { h.notifier = n } }

func WithQualityRecorder(q QualityRecorder) Option { return func(h *Handoff) { h.quality = q } }

func WithObserver(o Observer) Option { return func(h *Handoff) { h.observer = o } }

func WithClock(now func() time.Time) Option { return func(h *Handoff) { h.now = now } }

func New(cfg Config, store queue.TicketStore, alloc allocator.Allocator, matches MatchStore, log zerolog.Logger, opts ...Option) *Handoff {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	h := &Handoff{
		cfg:     cfg,
		store:   store,
		alloc:   alloc,
		matches: matches,
		log:     log.With().Str("component", "handoff").Logger(),
		now:     time.Now,
		locks:   make(map[string]*lockState),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handoff) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = h.cfg.InitialBackoff
	exp.MaxInterval = h.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, h.cfg.MaxRetries), ctx)
}

// allocate retries transient allocator failures with bounded exponential backoff
func (h *Handoff) allocate(ctx context.Context, c *domain.MatchCandidate) (*allocator.Allocation, error) {
	var alloc *allocator.Allocation
	attempt := 0
	op := func() error {
		attempt++
		a, err := h.alloc.Allocate(ctx, c, h.cfg.VoiceEnabled)
		if err != nil {
			if errors.Is(err, allocator.ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		alloc = a
		return nil
	}
	notify := func(err error, wait time.Duration) {
		h.log.Warn().Err(err).Str("candidate_id", c.ID).Int("attempt", attempt).Dur("retry_in", wait).Msg("session allocation failed")
	}
	if err := backoff.RetryNotify(op, h.policy(ctx), notify); err != nil {
		if !domain.IsInfrastructure(err) {
			err = &domain.InfrastructureError{Operation: "allocate session server", Err: err}
		}
		return nil, err
	}
	return alloc, nil
}

// Start takes an accepted candidate to a locked session. On allocation failure
// every ticket is requeued with compensation and a CapacityError is returned.
func (h *Handoff) Start(ctx context.Context, c *domain.MatchCandidate) (*domain.SessionLock, error) {
	log := h.log.With().Str("candidate_id", c.ID).Logger()

	alloc, err := h.allocate(ctx, c)
	if err != nil {
		h.requeueAll(ctx, c, domain.TicketCandidate)
		h.abandon(c)
		h.observe(OutcomeNoCapacity)
		h.abort(ctx, c, "no session server available")
		log.Error().Err(err).Msg("session allocation exhausted retries")
		return nil, &domain.CapacityError{Reason: "session allocation failed", Err: err}
	}

	locked := make([]*domain.Ticket, 0, len(c.Tickets))
	for i := range c.Tickets {
		t, err := h.store.Transition(ctx, c.Tickets[i].ID, domain.TicketCandidate, domain.TicketLocked, nil)
		if err != nil {
			log.Warn().Err(err).Str("ticket_id", c.Tickets[i].ID.String()).Msg("ticket left candidate before lock")
			for _, lt := range locked {
				h.requeue(ctx, lt.ID, domain.TicketLocked)
			}
			for j := i + 1; j < len(c.Tickets); j++ {
				h.requeue(ctx, c.Tickets[j].ID, domain.TicketCandidate)
			}
			if relErr := h.alloc.Release(ctx, alloc.SessionServerID); relErr != nil {
				log.Warn().Err(relErr).Msg("failed to release session server")
			}
			h.abandon(c)
			h.observe(OutcomeConflict)
			h.abort(ctx, c, "a player left before the session started")
			return nil, err
		}
		locked = append(locked, t)
	}

	lock := domain.SessionLock{
		CandidateID:           c.ID,
		SessionServerID:       alloc.SessionServerID,
		VoiceLobbyID:          alloc.VoiceLobbyID,
		Reason:                domain.LockReady,
		AntiCheatSyncRequired: true,
		LockedAt:              h.now(),
	}
	st := &lockState{candidate: *c, lock: lock}

	h.mu.Lock()
	h.locks[c.ID] = st
	st.timer = time.AfterFunc(h.cfg.SyncTimeout, func() { h.expire(c.ID) })
	h.mu.Unlock()

	log.Info().Str("session_server_id", lock.SessionServerID).Msg("session locked, awaiting anti-cheat sync")
	if h.notifier != nil {
		h.notifier.MatchFound(ctx, c, lock)
	}
	return &lock, nil
}

// claim removes a lock so exactly one of ack, force start or expiry finishes it
func (h *Handoff) claim(candidateID string) (*lockState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.locks[candidateID]
	if !ok {
		return nil, false
	}
	delete(h.locks, candidateID)
	if st.timer != nil {
		st.timer.Stop()
	}
	return st, true
}

// restore puts back a claimed lock whose finish failed
func (h *Handoff) restore(st *lockState) {
	remaining := st.lock.LockedAt.Add(h.cfg.SyncTimeout).Sub(h.now())
	if remaining < 0 {
		remaining = 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locks[st.candidate.ID] = st
	st.timer = time.AfterFunc(remaining, func() { h.expire(st.candidate.ID) })
}

// AckAntiCheat releases the lock after the anti-cheat service confirms the session
func (h *Handoff) AckAntiCheat(ctx context.Context, candidateID, sessionServerID string) (*domain.Match, error) {
	h.mu.Lock()
	st, ok := h.locks[candidateID]
	h.mu.Unlock()
	if !ok {
		return nil, &domain.NotFoundError{Resource: "session lock", ID: candidateID}
	}
	if sessionServerID != "" && st.lock.SessionServerID != sessionServerID {
		return nil, domain.NewValidationError("sessionServerId", errors.New("does not match the locked session"))
	}

	st, ok = h.claim(candidateID)
	if !ok {
		return nil, domain.NewConflictError("session lock "+candidateID, domain.ErrAlreadyResolved)
	}
	match, err := h.finish(ctx, st, domain.LockReady)
	if err != nil {
		return nil, err
	}
	h.observe(OutcomeStarted)
	return match, nil
}

// ForceStart starts a locked session without waiting for anti-cheat sync
func (h *Handoff) ForceStart(ctx context.Context, candidateID string, adminID string) (*domain.Match, error) {
	st, ok := h.claim(candidateID)
	if !ok {
		return nil, &domain.NotFoundError{Resource: "session lock", ID: candidateID}
	}
	match, err := h.finish(ctx, st, domain.LockForceStart)
	if err != nil {
		return nil, err
	}
	h.log.Warn().Str("candidate_id", candidateID).Str("admin_id", adminID).Msg("session force started")
	h.observe(OutcomeForceStarted)
	return match, nil
}

func (h *Handoff) finish(ctx context.Context, st *lockState, reason domain.LockReason) (*domain.Match, error) {
	c := &st.candidate
	now := h.now()

	teams, err := json.Marshal(c.Teams)
	if err != nil {
		h.restore(st)
		return nil, eris.Wrap(err, "failed to encode match teams")
	}
	match := &domain.Match{
		ID:              c.ID,
		QueueType:       c.Shard.QueueType,
		Region:          c.Shard.Region,
		Teams:           teams,
		SessionServerID: st.lock.SessionServerID,
		VoiceLobbyID:    st.lock.VoiceLobbyID,
		LockReason:      reason,
		StartedAt:       now,
	}
	if err := h.matches.CreateMatch(ctx, match); err != nil {
		h.restore(st)
		return nil, err
	}

	for _, id := range c.TicketIDs() {
		if _, err := h.store.Remove(ctx, id); err != nil {
			h.log.Warn().Err(err).Str("ticket_id", id.String()).Msg("failed to remove started ticket")
		}
	}
	if h.quality != nil {
		h.quality.RecordCandidate(c, domain.QualityMatched, now)
	}

	h.log.Info().
		Str("candidate_id", c.ID).
		Str("session_server_id", match.SessionServerID).
		Str("lock_reason", string(reason)).
		Int("players", len(c.PlayerIDs())).
		Msg("match started")
	return match, nil
}

// expire handles a lock whose anti-cheat sync never arrived
func (h *Handoff) expire(candidateID string) {
	st, ok := h.claim(candidateID)
	if !ok {
		return
	}
	ctx := context.Background()
	c := &st.candidate
	deadline := st.lock.LockedAt.Add(h.cfg.SyncTimeout)
	st.lock.Reason = domain.LockTimeout

	if err := h.alloc.Release(ctx, st.lock.SessionServerID); err != nil {
		h.log.Warn().Err(err).Str("candidate_id", candidateID).Msg("failed to release session server")
	}
	h.requeueAll(ctx, c, domain.TicketLocked)
	h.abandon(c)
	h.observe(OutcomeSyncTimeout)
	h.abort(ctx, c, "session failed to start in time")

	err := &domain.TimeoutError{Operation: "anti-cheat sync", Deadline: deadline}
	h.log.Warn().Err(err).Str("candidate_id", candidateID).Msg("session lock expired")
	if h.OnSyncTimeout != nil {
		h.OnSyncTimeout(c, err)
	}
}

func (h *Handoff) requeueAll(ctx context.Context, c *domain.MatchCandidate, from domain.TicketStatus) {
	for _, id := range c.TicketIDs() {
		h.requeue(ctx, id, from)
	}
}

func (h *Handoff) requeue(ctx context.Context, id uuid.UUID, from domain.TicketStatus) {
	boost := h.cfg.Compensation.Boost(h.now())
	if _, err := queue.Requeue(ctx, h.store, id, from, &boost); err != nil {
		h.log.Warn().Err(err).Str("ticket_id", id.String()).Msg("failed to requeue ticket")
	}
}

func (h *Handoff) abort(ctx context.Context, c *domain.MatchCandidate, reason string) {
	if h.notifier != nil {
		h.notifier.MatchAborted(ctx, c, reason)
	}
}

func (h *Handoff) abandon(c *domain.MatchCandidate) {
	if h.quality != nil {
		h.quality.RecordCandidate(c, domain.QualityAbandoned, h.now())
	}
}

func (h *Handoff) observe(outcome string) {
	if h.observer != nil {
		h.observer.ObserveHandoff(outcome)
	}
}

// Lock returns the current lock of a candidate
func (h *Handoff) Lock(candidateID string) (domain.SessionLock, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.locks[candidateID]
	if !ok {
		return domain.SessionLock{}, &domain.NotFoundError{Resource: "session lock", ID: candidateID}
	}
	return st.lock, nil
}

// Active returns the number of sessions awaiting anti-cheat sync
func (h *Handoff) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.locks)
}

// Close stops all sync timers
func (h *Handoff) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.locks {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}
