package readycheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the ready-check deadline used when none is configured
const DefaultTimeout = 15 * time.Second

// Notifier tells players that a ready check is waiting for them
type Notifier interface {
	ReadyCheckStarted(ctx context.Context, candidate *domain.MatchCandidate, deadline time.Time)
}

// ResolutionHandler receives the single resolution of every session
type ResolutionHandler interface {
	HandleResolution(ctx context.Context, res domain.ReadyCheckResolution)
}

type session struct {
	mu        sync.Mutex
	candidate domain.MatchCandidate
	statuses  map[uuid.UUID]domain.ReadyStatus
	deadline  time.Time
	timer     *time.Timer
	outcome   *domain.ReadyOutcome
}

func (s *session) view() domain.ReadyCheckSession {
	statuses := make(map[uuid.UUID]domain.ReadyStatus, len(s.statuses))
	for k, v := range s.statuses {
		statuses[k] = v
	}
	return domain.ReadyCheckSession{
		CandidateID: s.candidate.ID,
		Statuses:    statuses,
		Deadline:    s.deadline,
		Outcome:     s.outcome,
	}
}

// Coordinator runs one deadline-bound ready check per candidate
type Coordinator struct {
	timeout   time.Duration
	retention time.Duration
	notifier  Notifier
	handler   ResolutionHandler
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewCoordinator(timeout time.Duration, notifier Notifier, handler ResolutionHandler, log zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		timeout:   timeout,
		retention: timeout,
		notifier:  notifier,
		handler:   handler,
		log:       log.With().Str("component", "readycheck").Logger(),
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
}

// SetHandler wires the resolution handler when it is built after the coordinator
func (c *Coordinator) SetHandler(h ResolutionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Open starts the ready check for a candidate and notifies its players
func (c *Coordinator) Open(ctx context.Context, candidate *domain.MatchCandidate) (domain.ReadyCheckSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ReadyCheckSession{}, &domain.CapacityError{Reason: "ready check coordinator is shut down"}
	}
	if _, exists := c.sessions[candidate.ID]; exists {
		c.mu.Unlock()
		return domain.ReadyCheckSession{}, domain.NewConflictError("ready check "+candidate.ID, fmt.Errorf("session already open"))
	}

	s := &session{
		candidate: *candidate,
		statuses:  make(map[uuid.UUID]domain.ReadyStatus),
		deadline:  c.now().Add(c.timeout),
	}
	for _, id := range candidate.PlayerIDs() {
		s.statuses[id] = domain.ReadyPending
	}
	c.sessions[candidate.ID] = s

	s.mu.Lock()
	s.timer = time.AfterFunc(c.timeout, func() { c.expire(candidate.ID) })
	view := s.view()
	s.mu.Unlock()
	c.mu.Unlock()

	c.log.Debug().Str("candidate_id", candidate.ID).Int("players", len(s.statuses)).Time("deadline", s.deadline).Msg("ready check opened")
	if c.notifier != nil {
		c.notifier.ReadyCheckStarted(ctx, candidate, view.Deadline)
	}
	return view, nil
}

func (c *Coordinator) get(candidateID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[candidateID]
	if !ok {
		return nil, &domain.NotFoundError{Resource: "ready check", ID: candidateID}
	}
	return s, nil
}

// Respond records a player's answer. A single DECLINED resolves the session as
// a failure; the last ACCEPTED resolves it as a success.
func (c *Coordinator) Respond(ctx context.Context, candidateID string, playerID uuid.UUID, status domain.ReadyStatus) (domain.ReadyCheckSession, error) {
	if !status.IsResponse() {
		return domain.ReadyCheckSession{}, domain.NewValidationError("status", domain.ErrInvalidResponse)
	}
	s, err := c.get(candidateID)
	if err != nil {
		return domain.ReadyCheckSession{}, err
	}

	s.mu.Lock()
	current, ok := s.statuses[playerID]
	if !ok {
		s.mu.Unlock()
		return domain.ReadyCheckSession{}, &domain.NotFoundError{Resource: "ready check player", ID: playerID.String()}
	}
	if s.outcome != nil {
		s.mu.Unlock()
		return domain.ReadyCheckSession{}, domain.NewConflictError("ready check "+candidateID, domain.ErrAlreadyResolved)
	}
	if current != domain.ReadyPending {
		view := s.view()
		s.mu.Unlock()
		if current == status {
			return view, nil
		}
		return view, domain.NewConflictError("ready check "+candidateID, fmt.Errorf("player already responded %s", current))
	}

	s.statuses[playerID] = status
	res := c.tryResolve(s)
	view := s.view()
	s.mu.Unlock()

	if res != nil {
		c.deliver(ctx, *res)
	}
	return view, nil
}

// tryResolve must be called with s.mu held
func (c *Coordinator) tryResolve(s *session) *domain.ReadyCheckResolution {
	if s.outcome != nil {
		return nil
	}

	accepted := 0
	for _, st := range s.statuses {
		switch st {
		case domain.ReadyDeclined, domain.ReadyTimeout:
			return c.resolveLocked(s, domain.ReadyFailure)
		case domain.ReadyAccepted:
			accepted++
		}
	}
	if accepted == len(s.statuses) {
		return c.resolveLocked(s, domain.ReadySuccess)
	}
	return nil
}

func (c *Coordinator) resolveLocked(s *session, outcome domain.ReadyOutcome) *domain.ReadyCheckResolution {
	s.outcome = &outcome
	if s.timer != nil {
		s.timer.Stop()
	}
	statuses := make(map[uuid.UUID]domain.ReadyStatus, len(s.statuses))
	for k, v := range s.statuses {
		statuses[k] = v
	}

	id := s.candidate.ID
	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	})

	return &domain.ReadyCheckResolution{
		Candidate:  s.candidate,
		Outcome:    outcome,
		Statuses:   statuses,
		ResolvedAt: c.now(),
	}
}

// expire marks every pending player TIMEOUT once the deadline passes
func (c *Coordinator) expire(candidateID string) {
	s, err := c.get(candidateID)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.outcome != nil {
		s.mu.Unlock()
		return
	}
	for id, st := range s.statuses {
		if st == domain.ReadyPending {
			s.statuses[id] = domain.ReadyTimeout
		}
	}
	res := c.resolveLocked(s, domain.ReadyFailure)
	s.mu.Unlock()

	c.log.Info().Str("candidate_id", candidateID).Msg("ready check timed out")
	c.deliver(context.Background(), *res)
}

func (c *Coordinator) deliver(ctx context.Context, res domain.ReadyCheckResolution) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	c.log.Info().
		Str("candidate_id", res.Candidate.ID).
		Str("outcome", string(res.Outcome)).
		Int("failed", len(res.Failed())).
		Msg("ready check resolved")
	if h != nil {
		h.HandleResolution(ctx, res)
	}
}

// Session returns a snapshot of a ready check
func (c *Coordinator) Session(candidateID string) (domain.ReadyCheckSession, error) {
	s, err := c.get(candidateID)
	if err != nil {
		return domain.ReadyCheckSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(), nil
}

// Active returns the number of unresolved sessions
func (c *Coordinator) Active() int {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	n := 0
	for _, s := range sessions {
		s.mu.Lock()
		if s.outcome == nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Close stops every pending deadline. Open sessions are left unresolved.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, s := range c.sessions {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
	}
}
