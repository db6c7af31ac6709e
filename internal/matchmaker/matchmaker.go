package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/queue"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config is the matching policy
type Config struct {
	TickInterval time.Duration
	TeamCount    int
	TeamSize     int
	Composition  domain.Composition
	// ScanLimit caps how many partner tickets are considered per seed
	ScanLimit int
	// EvalBudget caps how many complete groups are scored per seed
	EvalBudget   int
	StallCeiling time.Duration
	AlertCeiling time.Duration
}

// CandidateHandler receives committed candidates after the shard lock is released
type CandidateHandler interface {
	HandleCandidate(ctx context.Context, candidate *domain.MatchCandidate)
}

// CapacityAlert is raised once per ticket that stays unmatched past the alert ceiling
type CapacityAlert struct {
	Shard     domain.Shard
	TicketID  uuid.UUID
	PlayerIDs []uuid.UUID
	Waited    time.Duration
	At        time.Time
}

// AlertSink receives capacity alerts for operators
type AlertSink interface {
	CapacityAlert(ctx context.Context, alert CapacityAlert)
}

// TickObserver is notified after every tick
type TickObserver interface {
	ObserveTick(report TickReport)
}

// TickReport summarizes one pass over a shard
type TickReport struct {
	Shard      domain.Shard
	Considered int
	Candidates []*domain.MatchCandidate
	Escalated  []uuid.UUID
	Alerts     []*domain.CapacityError
	Duration   time.Duration
}

type Matchmaker struct {
	cfg       Config
	store     queue.TicketStore
	scheduler *queue.Scheduler
	handler   CandidateHandler
	alerts    AlertSink
	observer  TickObserver
	log       zerolog.Logger

	now   func() time.Time
	newID func() (string, error)

	locksMu sync.Mutex
	locks   map[domain.Shard]*sync.Mutex
}

// Option customizes a Matchmaker
type Option func(*Matchmaker)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Matchmaker) { m.now = now }
}

// WithAlertSink routes capacity alerts
func WithAlertSink(sink AlertSink) Option {
	return func(m *Matchmaker) { m.alerts = sink }
}

// WithObserver registers a tick observer
func WithObserver(o TickObserver) Option {
	return func(m *Matchmaker) { m.observer = o }
}

func New(cfg Config, store queue.TicketStore, scheduler *queue.Scheduler, handler CandidateHandler, log zerolog.Logger, opts ...Option) *Matchmaker {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 64
	}
	if cfg.EvalBudget <= 0 {
		cfg.EvalBudget = 2000
	}
	m := &Matchmaker{
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		handler:   handler,
		log:       log.With().Str("component", "matchmaker").Logger(),
		now:       time.Now,
		newID:     func() (string, error) { return gonanoid.New() },
		locks:     make(map[domain.Shard]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matchmaker) shardLock(shard domain.Shard) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[shard]
	if !ok {
		l = &sync.Mutex{}
		m.locks[shard] = l
	}
	return l
}

// Run ticks every shard on the configured interval until ctx is cancelled.
// Shards tick in parallel; within a shard ticks never overlap.
func (m *Matchmaker) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.cfg.TickInterval).Msg("matchmaker started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("matchmaker stopped")
			return nil
		case <-ticker.C:
			if err := m.TickAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// TickAll runs one tick for every known shard concurrently
func (m *Matchmaker) TickAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range m.store.Shards(ctx) {
		g.Go(func() error {
			_, err := m.Tick(gctx, shard)
			return err
		})
	}
	return g.Wait()
}

// Tick performs one matching pass over a shard
func (m *Matchmaker) Tick(ctx context.Context, shard domain.Shard) (TickReport, error) {
	start := time.Now()

	lock := m.shardLock(shard)
	lock.Lock()
	report, err := m.tick(ctx, shard, m.now())
	lock.Unlock()
	if err != nil {
		return report, err
	}
	report.Duration = time.Since(start)

	for _, c := range report.Candidates {
		if m.handler != nil {
			m.handler.HandleCandidate(ctx, c)
		}
	}
	if m.observer != nil {
		m.observer.ObserveTick(report)
	}

	if len(report.Candidates) > 0 || len(report.Alerts) > 0 {
		m.log.Debug().
			Str("shard", shard.String()).
			Int("considered", report.Considered).
			Int("candidates", len(report.Candidates)).
			Int("escalated", len(report.Escalated)).
			Int("alerts", len(report.Alerts)).
			Dur("duration", report.Duration).
			Msg("tick complete")
	}
	return report, nil
}

func (m *Matchmaker) tick(ctx context.Context, shard domain.Shard, now time.Time) (TickReport, error) {
	report := TickReport{Shard: shard}

	tickets, err := m.store.Waiting(ctx, shard)
	if err != nil {
		return report, fmt.Errorf("snapshot shard %s: %w", shard, err)
	}
	report.Considered = len(tickets)
	domain.SortForTick(tickets, now)

	ranges := make(map[uuid.UUID]domain.RangeState, len(tickets))
	for _, t := range tickets {
		ranges[t.ID] = m.scheduler.At(t.SubmittedAt, now, t.Escalation)
	}

	used := make(map[uuid.UUID]bool, len(tickets))
	for i, seed := range tickets {
		if used[seed.ID] {
			continue
		}

		var pool []*domain.Ticket
		for _, t := range tickets[i+1:] {
			if len(pool) >= m.cfg.ScanLimit {
				break
			}
			if !used[t.ID] && compatible(seed, t, ranges) {
				pool = append(pool, t)
			}
		}

		group, plan, ok := m.search(seed, pool, ranges)
		if !ok {
			continue
		}

		candidate, err := m.commit(ctx, shard, group, plan, now)
		if err != nil {
			if domain.IsConflict(err) || domain.IsNotFound(err) {
				// a member changed state since the snapshot; it will be retried next tick
				for _, t := range group {
					used[t.ID] = true
				}
				continue
			}
			return report, err
		}
		for _, t := range group {
			used[t.ID] = true
		}
		report.Candidates = append(report.Candidates, candidate)
	}

	for _, t := range tickets {
		if used[t.ID] {
			continue
		}
		if err := m.checkStall(ctx, t, now, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// compatible reports whether partner may join a group seeded by seed.
// Each ticket's range must cover the other and latencies must fit both ceilings.
func compatible(seed, partner *domain.Ticket, ranges map[uuid.UUID]domain.RangeState) bool {
	diff := math.Abs(seed.RatingMean - partner.RatingMean)
	rs, rp := ranges[seed.ID], ranges[partner.ID]
	if diff > rs.Rating || diff > rp.Rating {
		return false
	}
	return partner.LatencyMs <= rs.LatencyMs && seed.LatencyMs <= rp.LatencyMs
}

// search explores subsets of the pool that, together with the seed, fill every
// team slot. It returns the group whose best split has the lowest team variance.
func (m *Matchmaker) search(seed *domain.Ticket, pool []*domain.Ticket, ranges map[uuid.UUID]domain.RangeState) ([]*domain.Ticket, *teamPlan, bool) {
	need := m.cfg.TeamCount * m.cfg.TeamSize
	if seed.Size() > m.cfg.TeamSize {
		return nil, nil, false
	}

	var (
		best      []*domain.Ticket
		bestPlan  *teamPlan
		evaluated int
	)
	group := []*domain.Ticket{seed}

	var dfs func(start, players, maxLatency, minCeiling int) bool
	dfs = func(start, players, maxLatency, minCeiling int) bool {
		if players == need {
			evaluated++
			if !rolesFeasible(group, m.cfg.Composition, m.cfg.TeamCount) {
				return evaluated >= m.cfg.EvalBudget
			}
			plan, ok := bestTeamPlan(group, m.cfg.TeamCount, m.cfg.TeamSize, m.cfg.Composition)
			if ok && (bestPlan == nil || plan.variance < bestPlan.variance) {
				best = append([]*domain.Ticket(nil), group...)
				bestPlan = plan
			}
			// stop early on a perfect split or when the budget is spent
			return evaluated >= m.cfg.EvalBudget || (bestPlan != nil && bestPlan.variance == 0)
		}

		for i := start; i < len(pool); i++ {
			t := pool[i]
			if players+t.Size() > need || t.Size() > m.cfg.TeamSize {
				continue
			}
			lat := max(maxLatency, t.LatencyMs)
			ceil := min(minCeiling, ranges[t.ID].LatencyMs)
			if lat > ceil {
				continue
			}

			group = append(group, t)
			stop := dfs(i+1, players+t.Size(), lat, ceil)
			group = group[:len(group)-1]
			if stop {
				return true
			}
		}
		return false
	}

	dfs(0, seed.Size(), seed.LatencyMs, ranges[seed.ID].LatencyMs)
	return best, bestPlan, bestPlan != nil
}

// commit marks every ticket of the group CANDIDATE. If any ticket moved since the
// snapshot the already-marked tickets are returned to WAITING.
func (m *Matchmaker) commit(ctx context.Context, shard domain.Shard, group []*domain.Ticket, plan *teamPlan, now time.Time) (*domain.MatchCandidate, error) {
	id, err := m.newID()
	if err != nil {
		return nil, fmt.Errorf("generate candidate id: %w", err)
	}

	committed := make([]domain.Ticket, 0, len(group))
	for _, t := range group {
		updated, err := m.store.Transition(ctx, t.ID, domain.TicketWaiting, domain.TicketCandidate, func(t *domain.Ticket) {
			t.CandidateID = id
		})
		if err != nil {
			for _, c := range committed {
				if _, rbErr := m.store.Transition(ctx, c.ID, domain.TicketCandidate, domain.TicketWaiting, func(t *domain.Ticket) {
					t.CandidateID = ""
				}); rbErr != nil {
					m.log.Warn().Err(rbErr).Str("ticket_id", c.ID.String()).Msg("failed to roll back candidate ticket")
				}
			}
			return nil, err
		}
		committed = append(committed, *updated)
	}

	var wait time.Duration
	for _, t := range group {
		wait = max(wait, t.Wait(now))
	}

	return &domain.MatchCandidate{
		ID:           id,
		Shard:        shard,
		Tickets:      committed,
		Teams:        plan.teams,
		RatingSpread: ratingSpread(group),
		TeamVariance: plan.variance,
		FormedAt:     now,
		WaitSeconds:  wait.Seconds(),
	}, nil
}

// checkStall escalates tickets waiting past the stall ceiling and alerts once past the alert ceiling
func (m *Matchmaker) checkStall(ctx context.Context, t *domain.Ticket, now time.Time, report *TickReport) error {
	wait := t.Wait(now)

	if m.cfg.StallCeiling > 0 && wait >= m.cfg.StallCeiling && (t.Escalation == nil || t.Escalation.Steps < m.scheduler.StepsToCap()) {
		_, err := m.store.Update(ctx, t.ID, func(stored *domain.Ticket) error {
			if stored.Status != domain.TicketWaiting {
				return domain.NewConflictError("ticket "+t.ID.String(), domain.ErrTicketNotWaiting)
			}
			stored.Escalation = m.scheduler.Escalate(stored.Escalation, domain.RangeEvent, now)
			return nil
		})
		if err == nil {
			report.Escalated = append(report.Escalated, t.ID)
			m.log.Info().Str("ticket_id", t.ID.String()).Dur("wait", wait).Msg("range escalated after stall")
		} else if !domain.IsConflict(err) && !domain.IsNotFound(err) {
			return err
		}
	}

	if m.cfg.AlertCeiling > 0 && wait >= m.cfg.AlertCeiling && t.AlertedAt == nil {
		_, err := m.store.Update(ctx, t.ID, func(stored *domain.Ticket) error {
			if stored.AlertedAt != nil {
				return domain.NewConflictError("ticket "+t.ID.String(), errors.New("already alerted"))
			}
			at := now
			stored.AlertedAt = &at
			return nil
		})
		if err != nil {
			if domain.IsConflict(err) || domain.IsNotFound(err) {
				return nil
			}
			return err
		}

		alert := CapacityAlert{Shard: t.Shard, TicketID: t.ID, PlayerIDs: t.PlayerIDs(), Waited: wait, At: now}
		report.Alerts = append(report.Alerts, &domain.CapacityError{
			Reason: fmt.Sprintf("ticket %s unmatched for %s in %s", t.ID, wait.Round(time.Second), t.Shard),
		})
		if m.alerts != nil {
			m.alerts.CapacityAlert(ctx, alert)
		}
		m.log.Warn().Str("ticket_id", t.ID.String()).Str("shard", t.Shard.String()).Dur("wait", wait).Msg("capacity alert")
	}
	return nil
}
