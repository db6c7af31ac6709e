package service

import (
	"context"
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AccountStatus applies matchmaking penalties owned by the account system
type AccountStatus interface {
	ApplyCooldown(ctx context.Context, playerID uuid.UUID, until time.Time, reason string) error
}

type cooldown struct {
	until  time.Time
	reason string
}

// CooldownRegistry is the in-process AccountStatus. It logs every cooldown and
// bars cooling-down players from searching until it expires.
type CooldownRegistry struct {
	log zerolog.Logger
	now func() time.Time

	mu        sync.Mutex
	cooldowns map[uuid.UUID]cooldown
}

func NewCooldownRegistry(log zerolog.Logger) *CooldownRegistry {
	return &CooldownRegistry{
		log:       log.With().Str("component", "account_status").Logger(),
		now:       time.Now,
		cooldowns: make(map[uuid.UUID]cooldown),
	}
}

func (r *CooldownRegistry) ApplyCooldown(_ context.Context, playerID uuid.UUID, until time.Time, reason string) error {
	r.mu.Lock()
	if cur, ok := r.cooldowns[playerID]; !ok || until.After(cur.until) {
		r.cooldowns[playerID] = cooldown{until: until, reason: reason}
	}
	r.mu.Unlock()

	r.log.Info().
		Str("player_id", playerID.String()).
		Time("until", until).
		Str("reason", reason).
		Msg("queue cooldown applied")
	return nil
}

// Until returns the end of the player's cooldown, if one is active
func (r *CooldownRegistry) Until(playerID uuid.UUID) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cd, ok := r.cooldowns[playerID]
	if !ok {
		return time.Time{}, false
	}
	if !cd.until.After(r.now()) {
		delete(r.cooldowns, playerID)
		return time.Time{}, false
	}
	return cd.until, true
}

// CheckEligible rejects players with an active cooldown
func (r *CooldownRegistry) CheckEligible(_ context.Context, playerIDs []uuid.UUID) error {
	for _, id := range playerIDs {
		if until, ok := r.Until(id); ok {
			return &domain.EligibilityError{PlayerID: id, Reason: "queue cooldown until " + until.UTC().Format(time.RFC3339)}
		}
	}
	return nil
}

// eligibilityGates runs every gate in order and returns the first rejection
type eligibilityGates []queue.EligibilityGate

func (g eligibilityGates) CheckEligible(ctx context.Context, playerIDs []uuid.UUID) error {
	for _, gate := range g {
		if gate == nil {
			continue
		}
		if err := gate.CheckEligible(ctx, playerIDs); err != nil {
			return err
		}
	}
	return nil
}
