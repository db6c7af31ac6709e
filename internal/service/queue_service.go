package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/handoff"
	"github.com/dom/ranked-matchmaking/internal/queue"
	"github.com/dom/ranked-matchmaking/internal/readycheck"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueConfig is the policy of the queue flow outside the matcher itself
type QueueConfig struct {
	Regions         []string
	BasePriority    int
	Compensation    queue.Compensation
	DeclineCooldown time.Duration
}

// ReadyCheckObserver is told the outcome of every ready check
type ReadyCheckObserver interface {
	ObserveReadyCheck(outcome domain.ReadyOutcome)
}

// QueueDeps are the collaborators of the queue flow
type QueueDeps struct {
	Store       queue.TicketStore
	Scheduler   *queue.Scheduler
	Parties     *queue.PartyAggregator
	Ratings     *RatingService
	ReadyChecks *readycheck.Coordinator
	Handoff     *handoff.Handoff
	Estimator   *queue.WaitEstimator
	Quality     handoff.QualityRecorder
	Observer    ReadyCheckObserver
	Accounts    AccountStatus
	Notifier    Notifier
}

// SearchMember is one player of a search request
type SearchMember struct {
	PlayerID  uuid.UUID
	Roles     []domain.Role
	LatencyMs int
}

// SearchInput asks to queue a party. The caller must be the party leader; an
// empty member list queues the caller alone.
type SearchInput struct {
	CallerID  uuid.UUID
	QueueType domain.QueueType
	Region    string
	PartyID   uuid.UUID
	Members   []SearchMember
}

// RangeOverrideInput widens the range of one ticket or of every waiting ticket of a shard
type RangeOverrideInput struct {
	TicketID *uuid.UUID
	Shard    *domain.Shard
	Reason   domain.RangeReason
}

// QueueService drives a ticket from search to session: it admits tickets,
// reacts to candidates formed by the matchmaker, and settles ready checks.
type QueueService struct {
	cfg         QueueConfig
	store       queue.TicketStore
	scheduler   *queue.Scheduler
	parties     *queue.PartyAggregator
	ratings     *RatingService
	readyChecks *readycheck.Coordinator
	handoff     *handoff.Handoff
	estimator   *queue.WaitEstimator
	quality     handoff.QualityRecorder
	observer    ReadyCheckObserver
	accounts    AccountStatus
	notifier    Notifier
	log         zerolog.Logger
	now         func() time.Time

	// handoffs run on their own goroutines and outlive the request that resolved the ready check
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewQueueService(cfg QueueConfig, deps QueueDeps, log zerolog.Logger) *QueueService {
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueService{
		cfg:         cfg,
		store:       deps.Store,
		scheduler:   deps.Scheduler,
		parties:     deps.Parties,
		ratings:     deps.Ratings,
		readyChecks: deps.ReadyChecks,
		handoff:     deps.Handoff,
		estimator:   deps.Estimator,
		quality:     deps.Quality,
		observer:    deps.Observer,
		accounts:    deps.Accounts,
		notifier:    deps.Notifier,
		log:         log.With().Str("component", "queue_service").Logger(),
		now:         time.Now,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

func (s *QueueService) hasRegion(region string) bool {
	if len(s.cfg.Regions) == 0 {
		return region != ""
	}
	for _, r := range s.cfg.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// Search validates a party and enters it into the queue
func (s *QueueService) Search(ctx context.Context, in SearchInput) (domain.QueueSnapshot, error) {
	if !in.QueueType.IsValid() {
		return domain.QueueSnapshot{}, domain.NewValidationError("queueType", domain.ErrInvalidQueueType)
	}
	if !s.hasRegion(in.Region) {
		return domain.QueueSnapshot{}, domain.NewValidationError("region", domain.ErrInvalidRegion)
	}

	members := in.Members
	if len(members) == 0 {
		members = []SearchMember{{PlayerID: in.CallerID}}
	}
	req := queue.PartyRequest{
		PartyID:  in.PartyID,
		LeaderID: in.CallerID,
		Members:  make([]domain.TicketMember, len(members)),
	}
	for i, m := range members {
		req.Members[i] = domain.TicketMember{PlayerID: m.PlayerID, Roles: m.Roles, LatencyMs: m.LatencyMs}
	}

	// Reject malformed parties before any rating is created for them.
	if _, err := s.parties.Validate(ctx, req); err != nil {
		return domain.QueueSnapshot{}, err
	}

	ids := make([]uuid.UUID, len(req.Members))
	for i, m := range req.Members {
		ids[i] = m.PlayerID
	}
	ratings, err := s.ratings.EnsureRatings(ctx, ids)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}
	for i := range req.Members {
		r := ratings[req.Members[i].PlayerID]
		req.Members[i].RatingMean = r.RatingMean
		req.Members[i].RatingUncertainty = r.RatingUncertainty
	}

	now := s.now()
	shard := domain.Shard{QueueType: in.QueueType, Region: in.Region}
	ticket, err := s.parties.BuildTicket(ctx, req, shard, s.cfg.BasePriority, now)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}
	if err := s.store.Insert(ctx, ticket); err != nil {
		return domain.QueueSnapshot{}, err
	}

	s.log.Info().
		Str("ticket_id", ticket.ID.String()).
		Str("shard", shard.String()).
		Int("players", ticket.Size()).
		Float64("rating", ticket.RatingMean).
		Msg("ticket queued")
	return s.snapshot(ticket, now), nil
}

func (s *QueueService) snapshot(t *domain.Ticket, now time.Time) domain.QueueSnapshot {
	var estimate *time.Duration
	if s.estimator != nil {
		estimate = s.estimator.Estimate(t.Shard)
	}
	return queue.Snapshot(t, s.scheduler, now, estimate)
}

func (s *QueueService) memberTicket(ctx context.Context, callerID, ticketID uuid.UUID) (*domain.Ticket, error) {
	t, err := s.store.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !t.HasPlayer(callerID) {
		return nil, &domain.EligibilityError{PlayerID: callerID, Reason: "not a member of ticket " + ticketID.String()}
	}
	return t, nil
}

// Snapshot returns the caller's view of one of their tickets
func (s *QueueService) Snapshot(ctx context.Context, callerID, ticketID uuid.UUID) (domain.QueueSnapshot, error) {
	t, err := s.memberTicket(ctx, callerID, ticketID)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}
	return s.snapshot(t, s.now()), nil
}

// Me returns the caller's active ticket
func (s *QueueService) Me(ctx context.Context, callerID uuid.UUID) (domain.QueueSnapshot, error) {
	t, err := s.store.GetByPlayer(ctx, callerID)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}
	return s.snapshot(t, s.now()), nil
}

// Cancel ends a search. A ticket already in a ready check is cancelled by
// declining it; a locked ticket can no longer be cancelled.
func (s *QueueService) Cancel(ctx context.Context, callerID, ticketID uuid.UUID) error {
	t, err := s.memberTicket(ctx, callerID, ticketID)
	if err != nil {
		return err
	}
	return s.withdraw(ctx, t, callerID, ReasonPlayerCancelled)
}

// withdraw takes a ticket out of matchmaking on behalf of one of its players
func (s *QueueService) withdraw(ctx context.Context, t *domain.Ticket, playerID uuid.UUID, reason string) error {
	switch t.Status {
	case domain.TicketWaiting:
		removed, err := s.removeFrom(ctx, t.ID, domain.TicketWaiting)
		if err == nil {
			s.notifier.TicketCancelled(ctx, removed, reason)
			s.log.Info().Str("ticket_id", t.ID.String()).Str("reason", reason).Msg("ticket cancelled")
			return nil
		}
		if !domain.IsConflict(err) {
			return err
		}
		// Picked by the matchmaker in the meantime.
		current, err := s.store.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		if current.Status == domain.TicketWaiting {
			return domain.NewConflictError("ticket "+t.ID.String(), domain.ErrTicketNotWaiting)
		}
		return s.withdraw(ctx, current, playerID, reason)

	case domain.TicketCandidate:
		_, err := s.readyChecks.Respond(ctx, t.CandidateID, playerID, domain.ReadyDeclined)
		if domain.IsNotFound(err) {
			// Committed to a candidate whose ready check is not open yet.
			return domain.NewConflictError("ticket "+t.ID.String(), domain.ErrReadyCheckOpening)
		}
		return err

	case domain.TicketLocked:
		return domain.NewConflictError("ticket "+t.ID.String(), domain.ErrTicketLocked)

	default:
		return domain.NewConflictError("ticket "+t.ID.String(), fmt.Errorf("ticket is %s", t.Status))
	}
}

func (s *QueueService) removeFrom(ctx context.Context, id uuid.UUID, from domain.TicketStatus) (*domain.Ticket, error) {
	if _, err := s.store.Transition(ctx, id, from, domain.TicketCancelled, nil); err != nil {
		return nil, err
	}
	return s.store.Remove(ctx, id)
}

// EvictPlayer withdraws the player's ticket, if any. Locked tickets are left
// to the session handoff.
func (s *QueueService) EvictPlayer(ctx context.Context, playerID uuid.UUID, reason string) error {
	t, err := s.store.GetByPlayer(ctx, playerID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}
	if t.Status == domain.TicketLocked {
		s.log.Warn().Str("player_id", playerID.String()).Str("ticket_id", t.ID.String()).Msg("player is locked into a session, not evicted")
		return nil
	}
	err = s.withdraw(ctx, t, playerID, reason)
	if domain.IsConflict(err) {
		// Already answered the ready check; the candidate settles without us.
		s.log.Warn().Err(err).Str("player_id", playerID.String()).Msg("player could not be evicted from ready check")
		return nil
	}
	return err
}

// RespondReadyCheck records a player's answer to a ready check
func (s *QueueService) RespondReadyCheck(ctx context.Context, candidateID string, playerID uuid.UUID, status domain.ReadyStatus) (domain.ReadyCheckSession, error) {
	return s.readyChecks.Respond(ctx, candidateID, playerID, status)
}

// RangeOverride forces tickets to their widest range
func (s *QueueService) RangeOverride(ctx context.Context, in RangeOverrideInput) ([]domain.QueueSnapshot, error) {
	if !in.Reason.IsValid() || in.Reason == domain.RangeAuto {
		return nil, domain.NewValidationError("reason", domain.ErrInvalidRangeReason)
	}
	if (in.TicketID == nil) == (in.Shard == nil) {
		return nil, domain.NewValidationError("target", errors.New("exactly one of ticketId and shard is required"))
	}

	var ids []uuid.UUID
	if in.TicketID != nil {
		ids = []uuid.UUID{*in.TicketID}
	} else {
		waiting, err := s.store.Waiting(ctx, *in.Shard)
		if err != nil {
			return nil, err
		}
		for _, t := range waiting {
			ids = append(ids, t.ID)
		}
	}

	now := s.now()
	out := make([]domain.QueueSnapshot, 0, len(ids))
	for _, id := range ids {
		t, err := s.store.Update(ctx, id, func(t *domain.Ticket) error {
			if t.Status != domain.TicketWaiting {
				return domain.NewConflictError("ticket "+id.String(), domain.ErrTicketNotWaiting)
			}
			t.Escalation = s.scheduler.Escalate(t.Escalation, in.Reason, now)
			return nil
		})
		if err != nil {
			if in.TicketID != nil {
				return nil, err
			}
			// Shard-wide overrides skip tickets that left WAITING meanwhile.
			continue
		}
		out = append(out, s.snapshot(t, now))
	}

	s.log.Info().Int("tickets", len(out)).Str("reason", string(in.Reason)).Msg("range override applied")
	return out, nil
}

// HandleCandidate opens a ready check for a candidate formed by the matchmaker
func (s *QueueService) HandleCandidate(ctx context.Context, c *domain.MatchCandidate) {
	if _, err := s.readyChecks.Open(ctx, c); err != nil {
		s.log.Error().Err(err).Str("candidate_id", c.ID).Msg("failed to open ready check")
		for i := range c.Tickets {
			t, err := queue.Requeue(ctx, s.store, c.Tickets[i].ID, domain.TicketCandidate, nil)
			if err != nil {
				s.log.Warn().Err(err).Str("ticket_id", c.Tickets[i].ID.String()).Msg("failed to requeue ticket")
				continue
			}
			s.notifier.Requeued(ctx, t, ReasonReadyCheckOpen)
		}
	}
}

// HandleResolution settles a ready check: successful candidates move on to a
// session, failed ones are dissolved.
func (s *QueueService) HandleResolution(ctx context.Context, res domain.ReadyCheckResolution) {
	if s.observer != nil {
		s.observer.ObserveReadyCheck(res.Outcome)
	}
	s.notifier.ReadyCheckResolved(ctx, res)

	c := res.Candidate
	if res.Outcome == domain.ReadySuccess {
		if s.estimator != nil {
			s.estimator.Observe(c.Shard, time.Duration(c.WaitSeconds*float64(time.Second)))
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.handoff.Start(s.baseCtx, &c); err != nil {
				s.log.Warn().Err(err).Str("candidate_id", c.ID).Msg("session handoff failed")
			}
		}()
		return
	}

	s.dissolve(ctx, res)
}

// dissolve requeues every player who did not fail the check, with
// compensation, and drops the others with a cooldown. A party with a failed
// member is split: the rest of the party goes back in as a new ticket that
// keeps the original submission time.
func (s *QueueService) dissolve(ctx context.Context, res domain.ReadyCheckResolution) {
	c := res.Candidate
	now := s.now()
	boost := s.cfg.Compensation.Boost(now)

	for i := range c.Tickets {
		ticket := &c.Tickets[i]
		var kept, failed []domain.TicketMember
		for _, m := range ticket.Members {
			if res.FailedCheck(m.PlayerID) {
				failed = append(failed, m)
			} else {
				kept = append(kept, m)
			}
		}

		if len(failed) == 0 {
			t, err := queue.Requeue(ctx, s.store, ticket.ID, domain.TicketCandidate, &boost)
			if err != nil {
				s.log.Warn().Err(err).Str("ticket_id", ticket.ID.String()).Msg("failed to requeue ticket")
				continue
			}
			s.notifier.Requeued(ctx, t, ReasonReadyCheckFailed)
			continue
		}

		removed, err := s.removeFrom(ctx, ticket.ID, domain.TicketCandidate)
		if err != nil {
			s.log.Warn().Err(err).Str("ticket_id", ticket.ID.String()).Msg("failed to remove ticket")
		} else {
			dropped := removed.Clone()
			dropped.Members = failed
			s.notifier.TicketCancelled(ctx, dropped, ReasonDeclined)
			if len(kept) > 0 {
				s.requeueRemnant(ctx, removed, kept, boost)
			}
		}

		if s.accounts == nil || s.cfg.DeclineCooldown <= 0 {
			continue
		}
		for _, m := range failed {
			reason := "ready check " + string(res.Statuses[m.PlayerID])
			if err := s.accounts.ApplyCooldown(ctx, m.PlayerID, now.Add(s.cfg.DeclineCooldown), reason); err != nil {
				s.log.Warn().Err(err).Str("player_id", m.PlayerID.String()).Msg("failed to apply cooldown")
			}
		}
	}

	if s.quality != nil {
		s.quality.RecordCandidate(&c, domain.QualityAbandoned, res.ResolvedAt)
	}
	s.log.Info().
		Str("candidate_id", c.ID).
		Int("failed", len(res.Failed())).
		Msg("ready check failed, candidate dissolved")
}

func (s *QueueService) requeueRemnant(ctx context.Context, from *domain.Ticket, kept []domain.TicketMember, boost domain.BoostSource) {
	t := s.parties.Remnant(from, kept)
	if boost.Amount > 0 {
		t.BoostSources = append(t.BoostSources, boost)
	}
	if err := s.store.Insert(ctx, t); err != nil {
		s.log.Warn().Err(err).Str("ticket_id", from.ID.String()).Msg("failed to requeue remaining party members")
		return
	}
	s.notifier.Requeued(ctx, t, ReasonReadyCheckFailed)
	s.log.Info().
		Str("ticket_id", t.ID.String()).
		Str("split_from", from.ID.String()).
		Int("members", len(kept)).
		Msg("party split after ready check")
}

// Close stops accepting ready checks and waits for handoffs in flight
func (s *QueueService) Close() {
	s.readyChecks.Close()
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every handoff started so far has finished
func (s *QueueService) Wait() {
	s.wg.Wait()
}
