package service

import (
	"context"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/handoff"
	"github.com/dom/ranked-matchmaking/internal/readycheck"
)

// Requeue and cancel reasons sent to players
const (
	ReasonReadyCheckFailed = "ready_check_failed"
	ReasonReadyCheckOpen   = "ready_check_unavailable"
	ReasonPlayerCancelled  = "cancelled"
	ReasonDeclined         = "declined"
	ReasonSuspended        = "suspended"
)

// Notifier delivers every outbound player event of the queue flow
type Notifier interface {
	readycheck.Notifier
	handoff.Notifier
	ReadyCheckResolved(ctx context.Context, res domain.ReadyCheckResolution)
	Requeued(ctx context.Context, t *domain.Ticket, reason string)
	TicketCancelled(ctx context.Context, t *domain.Ticket, reason string)
}

// NopNotifier drops every event
type NopNotifier struct{}

func (NopNotifier) ReadyCheckStarted(context.Context, *domain.MatchCandidate, time.Time) {}
func (NopNotifier) MatchFound(context.Context, *domain.MatchCandidate, domain.SessionLock) {}
func (NopNotifier) MatchAborted(context.Context, *domain.MatchCandidate, string) {}
func (NopNotifier) ReadyCheckResolved(context.Context, domain.ReadyCheckResolution) {}
func (NopNotifier) Requeued(context.Context, *domain.Ticket, string) {}
func (NopNotifier) TicketCancelled(context.Context, *domain.Ticket, string) {}
