// Package guardian owns an agent's lifecycle beyond normal task execution:
// quarantining agents Monitor flags as anomalous, resurrecting them once a
// cooldown elapses, and promoting repeat offenders to dead.
package guardian

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/baseline"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/eventbus"
	"github.com/omoios/orchestrator/pkg/lock"
	"github.com/omoios/orchestrator/pkg/store"
)

// Guardian subscribes to Monitor's anomaly events and drives the
// quarantine/resurrect/dead-promotion state machine.
type Guardian struct {
	store   store.Store
	bus     *eventbus.Bus
	locks   *lock.Manager
	learner *baseline.Learner
	policy  *PolicyEvaluator
	cfg     config.GuardianConfig
	slack   config.SlackConfig
	logger  *zap.Logger
}

// New creates a Guardian.
func New(st store.Store, bus *eventbus.Bus, locks *lock.Manager, learner *baseline.Learner, policy *PolicyEvaluator, cfg config.GuardianConfig, slackCfg config.SlackConfig, logger *zap.Logger) *Guardian {
	return &Guardian{
		store:   st,
		bus:     bus,
		locks:   locks,
		learner: learner,
		policy:  policy,
		cfg:     cfg,
		slack:   slackCfg,
		logger:  logger,
	}
}

// Run subscribes to monitor.agent.anomaly and drives a periodic
// resurrect/dead-promotion sweep until ctx is cancelled.
func (g *Guardian) Run(ctx context.Context) error {
	events, cancel := g.bus.Subscribe(string(domain.EventMonitorAgentAnomaly))
	defer cancel()

	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			g.handleAnomalyEvent(ctx, ev)
		case <-ticker.C:
			if err := g.Sweep(ctx); err != nil && g.logger != nil {
				g.logger.Warn("guardian sweep failed", zap.Error(err))
			}
		}
	}
}

func (g *Guardian) handleAnomalyEvent(ctx context.Context, ev domain.Event) {
	shouldQuarantine, _ := ev.Payload["should_quarantine"].(bool)
	if !shouldQuarantine {
		return
	}

	agentID := domain.AgentID(ev.EntityID)
	if err := g.Quarantine(ctx, agentID); err != nil && g.logger != nil {
		g.logger.Warn("quarantine failed", zap.String("agent_id", string(agentID)), zap.Error(err))
	}
}

// Quarantine transitions agentID to quarantined, fails its running tasks,
// releases its locks, and emits agent.quarantined.
func (g *Guardian) Quarantine(ctx context.Context, agentID domain.AgentID) error {
	a, err := g.store.Agents().Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("get agent %s: %w", agentID, err)
	}
	if a.Status == domain.AgentStatusQuarantined || a.Status == domain.AgentStatusDead {
		return nil
	}

	decision, err := g.policy.Evaluate(ctx, PolicyInput{
		AgentStatus:                  string(a.Status),
		ConsecutiveAnomalousReadings: a.ConsecutiveAnomalousReadings,
		ConsecutiveToQuarantine:      g.cfg.ConsecutiveToQuarantine,
	})
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if !decision.Quarantine {
		return nil
	}

	now := time.Now()
	a.Status = domain.AgentStatusQuarantined
	a.QuarantinedAt = &now
	a.QuarantineEvents = append(a.QuarantineEvents, now)
	a.UpdatedAt = now
	if err := g.store.Agents().Update(ctx, a); err != nil {
		return fmt.Errorf("update agent %s: %w", agentID, err)
	}

	for _, taskID := range a.RunningTaskIDs {
		task, err := g.store.Tasks().Get(ctx, taskID)
		if err != nil {
			continue
		}
		task.Status = domain.TaskStatusFailed
		task.UpdatedAt = now
		task.CompletedAt = &now
		if err := g.store.Tasks().Update(ctx, task); err != nil && g.logger != nil {
			g.logger.Warn("failed to mark task failed on quarantine", zap.String("task_id", string(taskID)), zap.Error(err))
		}
	}

	for _, taskID := range a.RunningTaskIDs {
		if err := g.locks.ReleaseTaskLocks(ctx, taskID); err != nil && g.logger != nil {
			g.logger.Warn("failed to release locks on quarantine", zap.String("agent_id", string(agentID)), zap.String("task_id", string(taskID)), zap.Error(err))
		}
	}

	g.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventAgentQuarantined,
		EntityType: "agent",
		EntityID:   string(agentID),
		Payload:    map[string]any{"agent_id": string(agentID), "reason": "agent quarantined"},
		Timestamp:  now,
	})

	return nil
}

// Sweep resurrects quarantined agents whose cooldown has elapsed, or
// promotes them to dead if they have been quarantined too often inside the
// dead-promotion window.
func (g *Guardian) Sweep(ctx context.Context) error {
	agents, err := g.store.Agents().ListByStatus(ctx, domain.AgentStatusQuarantined)
	if err != nil {
		return fmt.Errorf("list quarantined agents: %w", err)
	}

	now := time.Now()
	for _, a := range agents {
		windowStart := now.Add(-g.cfg.DeadPromotionWindow)
		countInWindow := 0
		for _, t := range a.QuarantineEvents {
			if t.After(windowStart) {
				countInWindow++
			}
		}

		secondsSinceQuarantined := 0.0
		if a.QuarantinedAt != nil {
			secondsSinceQuarantined = now.Sub(*a.QuarantinedAt).Seconds()
		}

		decision, err := g.policy.Evaluate(ctx, PolicyInput{
			AgentStatus:              string(a.Status),
			SecondsSinceQuarantined:  secondsSinceQuarantined,
			CooldownSeconds:          g.cfg.CooldownPeriod.Seconds(),
			QuarantineCountInWindow:  countInWindow,
			DeadPromotionThreshold:   g.cfg.DeadPromotionThreshold,
		})
		if err != nil {
			if g.logger != nil {
				g.logger.Warn("policy evaluation failed during sweep", zap.String("agent_id", string(a.ID)), zap.Error(err))
			}
			continue
		}

		switch {
		case decision.DeadPromote:
			if err := g.promoteDead(ctx, a); err != nil && g.logger != nil {
				g.logger.Warn("dead promotion failed", zap.String("agent_id", string(a.ID)), zap.Error(err))
			}
		case decision.Resurrect:
			if err := g.resurrect(ctx, a); err != nil && g.logger != nil {
				g.logger.Warn("resurrect failed", zap.String("agent_id", string(a.ID)), zap.Error(err))
			}
		}
	}

	return nil
}

func (g *Guardian) resurrect(ctx context.Context, a *domain.Agent) error {
	phaseID := ""
	if len(a.RunningTaskIDs) > 0 {
		if t, err := g.store.Tasks().Get(ctx, a.RunningTaskIDs[0]); err == nil {
			phaseID = t.Phase
		}
	}
	if err := g.learner.Decay(ctx, a.Type, phaseID); err != nil {
		return fmt.Errorf("decay baseline: %w", err)
	}

	a.Status = domain.AgentStatusIdle
	a.ConsecutiveAnomalousReadings = 0
	a.QuarantinedAt = nil
	a.UpdatedAt = time.Now()
	if err := g.store.Agents().Update(ctx, a); err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}

	g.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventAgentResurrected,
		EntityType: "agent",
		EntityID:   string(a.ID),
		Payload:    map[string]any{"agent_id": string(a.ID)},
		Timestamp:  time.Now(),
	})

	return nil
}

func (g *Guardian) promoteDead(ctx context.Context, a *domain.Agent) error {
	a.Status = domain.AgentStatusDead
	a.UpdatedAt = time.Now()
	if err := g.store.Agents().Update(ctx, a); err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}

	g.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventAgentDead,
		EntityType: "agent",
		EntityID:   string(a.ID),
		Payload:    map[string]any{"agent_id": string(a.ID)},
		Timestamp:  time.Now(),
	})

	if g.slack.Enabled && g.slack.WebhookURL != "" {
		msg := &slack.WebhookMessage{
			Channel: g.slack.Channel,
			Text:    fmt.Sprintf("agent %s promoted to dead after repeated quarantine", a.ID),
		}
		if err := slack.PostWebhook(g.slack.WebhookURL, msg); err != nil && g.logger != nil {
			g.logger.Warn("slack notification failed", zap.String("agent_id", string(a.ID)), zap.Error(err))
		}
	}

	return nil
}
