package queue

import (
	"sync"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
)

// Snapshot projects a ticket into the client-facing view at now
func Snapshot(t *domain.Ticket, scheduler *Scheduler, now time.Time, estimate *time.Duration) domain.QueueSnapshot {
	snap := domain.QueueSnapshot{
		TicketID:     t.ID,
		Status:       t.Status,
		Shard:        t.Shard,
		Priority:     t.EffectivePriority(now),
		BoostedUntil: t.BoostedUntil(now),
		BoostSources: t.ActiveBoosts(now),
		CurrentRange: scheduler.At(t.SubmittedAt, now, t.Escalation),
		WaitSeconds:  t.Wait(now).Seconds(),
	}
	if snap.BoostSources == nil {
		snap.BoostSources = []domain.BoostSource{}
	}
	if estimate != nil {
		remaining := (*estimate - t.Wait(now)).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		snap.EstimatedWaitSeconds = &remaining
	}
	return snap
}

// WaitEstimator keeps a moving average of recent match wait times per shard
type WaitEstimator struct {
	mu      sync.Mutex
	window  int
	samples map[domain.Shard][]time.Duration
}

func NewWaitEstimator(window int) *WaitEstimator {
	if window <= 0 {
		window = 50
	}
	return &WaitEstimator{window: window, samples: make(map[domain.Shard][]time.Duration)}
}

// Observe records the wait of a ticket that was matched
func (e *WaitEstimator) Observe(shard domain.Shard, wait time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := append(e.samples[shard], wait)
	if len(s) > e.window {
		s = s[len(s)-e.window:]
	}
	e.samples[shard] = s
}

// Estimate returns the average observed wait, or nil when nothing was observed
func (e *WaitEstimator) Estimate(shard domain.Shard) *time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.samples[shard]
	if len(s) == 0 {
		return nil
	}
	var total time.Duration
	for _, d := range s {
		total += d
	}
	avg := total / time.Duration(len(s))
	return &avg
}
