package queue

import (
	"math"
	"time"

	"github.com/dom/ranked-matchmaking/internal/domain"
)

// RangePolicy configures how search tolerance widens with wait time
type RangePolicy struct {
	BaseRange     float64
	Step          float64
	Interval      time.Duration
	Cap           float64
	LatencyBaseMs int
	LatencyStepMs int
	LatencyCapMs  int
}

// Scheduler derives a ticket's current range. It holds no per-ticket state.
type Scheduler struct {
	policy RangePolicy
}

func NewScheduler(policy RangePolicy) *Scheduler {
	return &Scheduler{policy: policy}
}

// Policy returns the scheduler's configuration
func (s *Scheduler) Policy() RangePolicy {
	return s.policy
}

// At returns the range of a ticket submitted at submittedAt, as seen at now.
// Escalation steps are added on top of the elapsed-time steps.
func (s *Scheduler) At(submittedAt, now time.Time, esc *domain.RangeEscalation) domain.RangeState {
	steps := 0
	if s.policy.Interval > 0 && now.After(submittedAt) {
		steps = int(now.Sub(submittedAt) / s.policy.Interval)
	}

	reason := domain.RangeAuto
	if esc != nil && esc.Steps > 0 {
		steps += esc.Steps
		reason = esc.Reason
	}

	rating := math.Min(s.policy.BaseRange+s.policy.Step*float64(steps), s.policy.Cap)
	latency := s.policy.LatencyBaseMs + s.policy.LatencyStepMs*steps
	if latency > s.policy.LatencyCapMs || latency < s.policy.LatencyBaseMs {
		latency = s.policy.LatencyCapMs
	}

	return domain.RangeState{
		Rating:    rating,
		LatencyMs: latency,
		Steps:     steps,
		Reason:    reason,
	}
}

// StepsToCap is the number of steps after which both the rating and latency ranges are capped
func (s *Scheduler) StepsToCap() int {
	steps := 0
	if s.policy.Step > 0 {
		steps = int(math.Ceil((s.policy.Cap - s.policy.BaseRange) / s.policy.Step))
	}
	if s.policy.LatencyStepMs > 0 {
		lat := (s.policy.LatencyCapMs - s.policy.LatencyBaseMs + s.policy.LatencyStepMs - 1) / s.policy.LatencyStepMs
		if lat > steps {
			steps = lat
		}
	}
	return steps
}

// Escalate forces the range to its cap. An existing escalation is never reduced.
func (s *Scheduler) Escalate(current *domain.RangeEscalation, reason domain.RangeReason, now time.Time) *domain.RangeEscalation {
	steps := s.StepsToCap()
	if current != nil && current.Steps > steps {
		steps = current.Steps
	}
	return &domain.RangeEscalation{Reason: reason, Steps: steps, At: now}
}
