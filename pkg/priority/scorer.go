// Package priority computes the composite priority_score the Orchestrator
// sorts its ready set by.
package priority

import (
	"time"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/domain"
)

// Scorer computes a Task's composite priority score from its static
// priority tier plus the dynamic age/deadline/blocker/retry signals,
// weighted per cfg.
type Scorer struct {
	cfg config.PriorityConfig
}

// New creates a Scorer using cfg's weights and thresholds.
func New(cfg config.PriorityConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes task's priority_score as of now, given its owning
// ticket's declared priority tier (Scorer has no store dependency, so the
// caller resolves Task.TicketID to a Ticket and passes its Priority) and
// the number of tasks directly blocked on it (its Dependencies.Blocks
// length, likewise resolved by the caller).
func (s *Scorer) Score(task *domain.Task, ticketPriority domain.Priority, now time.Time, directDependents int) float64 {
	base := baseScore(ticketPriority) * s.cfg.BaseWeight
	age := s.ageScore(task.CreatedAt, now) * s.cfg.AgeWeight
	deadline := s.deadlineScore(task.Deadline, now) * s.cfg.DeadlineWeight
	blockers := s.blockerScore(directDependents) * s.cfg.BlockerWeight
	retry := retryScore(task.RetryCount) * s.cfg.RetryWeight

	score := base + age + deadline + blockers + retry

	if s.withinSLAWindow(task.Deadline, now) {
		score = min1(score * s.cfg.SLABoost)
	}

	ageSeconds := now.Sub(task.CreatedAt).Seconds()
	if ageSeconds >= s.cfg.StarvationAge.Seconds() && score < s.cfg.StarvationFloor {
		score = s.cfg.StarvationFloor
	}

	return min1(score)
}

func baseScore(p domain.Priority) float64 {
	switch p {
	case domain.PriorityCritical:
		return 1.0
	case domain.PriorityHigh:
		return 0.75
	case domain.PriorityNormal:
		return 0.5
	case domain.PriorityLow:
		return 0.25
	default:
		return 0.25
	}
}

func (s *Scorer) ageScore(createdAt, now time.Time) float64 {
	ceiling := s.cfg.AgeCeiling.Seconds()
	if ceiling <= 0 {
		return 0.0
	}
	age := now.Sub(createdAt).Seconds()
	return min1(age / ceiling)
}

// deadlineScore is 1.0 once the deadline is within SLAUrgencyWindow
// (including already overdue), decays linearly to 0 over the following
// hour, and is 0 for tasks with no deadline.
func (s *Scorer) deadlineScore(deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return 0.0
	}
	remaining := deadline.Sub(now).Seconds()
	window := s.cfg.SLAUrgencyWindow.Seconds()
	if remaining <= window {
		return 1.0
	}
	decayed := 1.0 - (remaining-window)/3600.0
	if decayed < 0 {
		return 0.0
	}
	return decayed
}

func (s *Scorer) withinSLAWindow(deadline *time.Time, now time.Time) bool {
	if deadline == nil {
		return false
	}
	return deadline.Sub(now).Seconds() <= s.cfg.SLAUrgencyWindow.Seconds()
}

func (s *Scorer) blockerScore(directDependents int) float64 {
	if s.cfg.BlockerCeiling <= 0 {
		return 0.0
	}
	return min1(float64(directDependents) / float64(s.cfg.BlockerCeiling))
}

func retryScore(retryCount int) float64 {
	return 1.0 / (1.0 + float64(retryCount))
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0.0
	}
	return v
}
