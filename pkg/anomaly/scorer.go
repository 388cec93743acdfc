// Package anomaly computes the composite anomaly score used by the Monitor
// to decide when an agent's behavior has drifted far enough from its
// learned baseline to warrant Guardian's attention.
package anomaly

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/omoios/orchestrator/pkg/baseline"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/store"
)

const (
	latencyWeight      = 0.35
	errorRateWeight    = 0.30
	resourceSkewWeight = 0.20
	queueImpactWeight  = 0.15

	// Threshold is the default composite score above which an agent is
	// considered anomalous.
	Threshold = 0.8

	errorRateEMAAlpha = 0.1

	lookback = time.Hour
)

// Inputs carries the observed metrics for a single scoring pass. A nil
// LatencyMs or ErrorRate is computed from recent task history instead; a nil
// CPUUsagePercent or MemoryUsageMB is taken from HealthMetrics when present
// there, and otherwise contributes nothing.
type Inputs struct {
	LatencyMs       *float64
	ErrorRate       *float64
	CPUUsagePercent *float64
	MemoryUsageMB   *float64
	HealthMetrics   map[string]float64
}

// Scorer computes composite anomaly scores (0-1) from latency deviation,
// error rate trend, resource skew, and queue impact, weighted and
// normalized against the agent's learned baseline.
type Scorer struct {
	store   store.Store
	learner *baseline.Learner

	mu           sync.Mutex
	errorRateEMA map[domain.AgentID]float64
}

// New creates a Scorer backed by st, using learner to retrieve baselines.
func New(st store.Store, learner *baseline.Learner) *Scorer {
	return &Scorer{
		store:        st,
		learner:      learner,
		errorRateEMA: make(map[domain.AgentID]float64),
	}
}

// Score computes the composite anomaly score for agentID. An agent that no
// longer exists scores 0 rather than erroring, matching the Monitor's
// treatment of a vanished agent as "nothing to flag".
func (s *Scorer) Score(ctx context.Context, agentID domain.AgentID, in Inputs) (float64, error) {
	agent, err := s.store.Agents().Get(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return 0.0, nil
	}
	if err != nil {
		return 0, err
	}

	cpu := in.CPUUsagePercent
	mem := in.MemoryUsageMB
	if in.HealthMetrics != nil {
		if cpu == nil {
			if v, ok := in.HealthMetrics["cpu_usage_percent"]; ok {
				cpu = &v
			}
		}
		if mem == nil {
			if v, ok := in.HealthMetrics["memory_usage_mb"]; ok {
				mem = &v
			}
		}
	}

	phaseID := s.agentPhase(ctx, agent)
	bl, err := s.learner.Get(ctx, agent.Type, phaseID)
	if err != nil {
		return 0, err
	}

	latencyScore, err := s.latencyZScore(ctx, agentID, in.LatencyMs, bl)
	if err != nil {
		return 0, err
	}
	errorScore, err := s.errorRateScore(ctx, agentID, in.ErrorRate, bl)
	if err != nil {
		return 0, err
	}
	resourceScore := resourceSkew(cpu, mem, bl)
	queueScore, err := s.queueImpact(ctx, agent)
	if err != nil {
		return 0, err
	}

	latencyNormalized := min1(absf(latencyScore) / 3.0)
	errorNormalized := min1(errorScore)
	resourceNormalized := min1(resourceScore)
	queueNormalized := min1(queueScore)

	composite := latencyWeight*latencyNormalized +
		errorRateWeight*errorNormalized +
		resourceSkewWeight*resourceNormalized +
		queueImpactWeight*queueNormalized

	return min1(composite), nil
}

// agentPhase derives the baseline phase bucket from the agent's
// currently-running work, falling back to the type-wide (phase-less)
// baseline when the agent is idle.
func (s *Scorer) agentPhase(ctx context.Context, agent *domain.Agent) string {
	if len(agent.RunningTaskIDs) == 0 {
		return ""
	}
	t, err := s.store.Tasks().Get(ctx, agent.RunningTaskIDs[0])
	if err != nil {
		return ""
	}
	return t.Phase
}

func (s *Scorer) latencyZScore(ctx context.Context, agentID domain.AgentID, latencyMs *float64, bl *domain.AgentBaseline) (float64, error) {
	observed := float64(0)
	if latencyMs != nil {
		observed = *latencyMs
	} else {
		v, err := s.computeAgentLatency(ctx, agentID)
		if err != nil {
			return 0, err
		}
		observed = v
	}

	if bl == nil || bl.LatencyStd == 0 {
		return 0.0, nil
	}
	return (observed - bl.LatencyMs) / bl.LatencyStd, nil
}

func (s *Scorer) errorRateScore(ctx context.Context, agentID domain.AgentID, errorRate *float64, bl *domain.AgentBaseline) (float64, error) {
	observed := float64(0)
	if errorRate != nil {
		observed = *errorRate
	} else {
		v, err := s.computeAgentErrorRate(ctx, agentID)
		if err != nil {
			return 0, err
		}
		observed = v
	}

	s.mu.Lock()
	current, ok := s.errorRateEMA[agentID]
	if !ok {
		s.errorRateEMA[agentID] = observed
	} else {
		s.errorRateEMA[agentID] = errorRateEMAAlpha*observed + (1-errorRateEMAAlpha)*current
	}
	ema := s.errorRateEMA[agentID]
	s.mu.Unlock()

	if bl != nil && bl.ErrorRate > 0 {
		return max0((ema - bl.ErrorRate) / bl.ErrorRate), nil
	}
	return ema, nil
}

func resourceSkew(cpu, mem *float64, bl *domain.AgentBaseline) float64 {
	if bl == nil {
		return 0.0
	}

	var cpuSkew, memSkew float64
	var haveCPU, haveMem bool

	if cpu != nil && bl.CPUUsagePercent > 0 {
		deviation := absf(*cpu - bl.CPUUsagePercent)
		cpuSkew = min1(deviation / maxf(bl.CPUUsagePercent, 1.0))
		haveCPU = true
	}
	if mem != nil && bl.MemoryUsageMB > 0 {
		deviation := absf(*mem - bl.MemoryUsageMB)
		memSkew = min1(deviation / maxf(bl.MemoryUsageMB, 1.0))
		haveMem = true
	}

	if !haveCPU && !haveMem {
		return 0.0
	}
	return (cpuSkew + memSkew) / 2.0
}

// queueImpact counts pending tasks blocked on work this agent currently
// holds (assigned or running), weighting dependents on a CRITICAL-priority
// ticket double, then normalizes against an assumed worst case of 10
// weighted blockers.
func (s *Scorer) queueImpact(ctx context.Context, agent *domain.Agent) (float64, error) {
	heldTasks := make(map[domain.TaskID]struct{}, len(agent.AssignedTaskIDs)+len(agent.RunningTaskIDs))
	for _, id := range agent.AssignedTaskIDs {
		heldTasks[id] = struct{}{}
	}
	for _, id := range agent.RunningTaskIDs {
		heldTasks[id] = struct{}{}
	}
	if len(heldTasks) == 0 {
		return 0.0, nil
	}

	pending, err := s.store.Tasks().ListByStatus(ctx, domain.TaskStatusPending)
	if err != nil {
		return 0, err
	}

	ticketPriority := make(map[domain.TicketID]domain.Priority)
	weighted := 0

	for _, dependent := range pending {
		blocked := false
		for _, dep := range dependent.Dependencies.DependsOn {
			if _, held := heldTasks[dep]; held {
				blocked = true
				break
			}
		}
		if !blocked {
			continue
		}

		priority, ok := ticketPriority[dependent.TicketID]
		if !ok {
			ticket, err := s.store.Tickets().Get(ctx, dependent.TicketID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return 0, err
			}
			if ticket != nil {
				priority = ticket.Priority
			}
			ticketPriority[dependent.TicketID] = priority
		}

		if priority == domain.PriorityCritical {
			weighted += 2
		} else {
			weighted++
		}
	}

	return min1(float64(weighted) / 10.0), nil
}

func (s *Scorer) computeAgentLatency(ctx context.Context, agentID domain.AgentID) (float64, error) {
	tasks, err := s.store.Tasks().ListByAgent(ctx, agentID, true)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-lookback)
	var total float64
	var count int
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted || t.StartedAt == nil || t.CompletedAt == nil {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			continue
		}
		total += float64(t.CompletedAt.Sub(*t.StartedAt).Milliseconds())
		count++
	}
	if count == 0 {
		return 0.0, nil
	}
	return total / float64(count), nil
}

func (s *Scorer) computeAgentErrorRate(ctx context.Context, agentID domain.AgentID) (float64, error) {
	tasks, err := s.store.Tasks().ListByAgent(ctx, agentID, true)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-lookback)
	var total, failed int
	for _, t := range tasks {
		if t.Status != domain.TaskStatusCompleted && t.Status != domain.TaskStatusFailed {
			continue
		}
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) {
			continue
		}
		total++
		if t.Status == domain.TaskStatusFailed {
			failed++
		}
	}
	if total == 0 {
		return 0.0, nil
	}
	return float64(failed) / float64(total), nil
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

func max0(v float64) float64 {
	if v < 0 {
		return 0.0
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
