// Package orchestrator runs the scheduling tick that matches ready tasks
// to idle agents, and owns the terminal-transition entry points
// (Completed/Failed/HeartbeatTimeout) through which a Dispatcher-reported
// result moves a task out of running, even though Dispatcher is the
// component that detects them. Guardian.Quarantine separately marks a
// quarantined agent's running tasks failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/eventbus"
	"github.com/omoios/orchestrator/pkg/lock"
	"github.com/omoios/orchestrator/pkg/priority"
	"github.com/omoios/orchestrator/pkg/store"
)

// errAbortAssignment signals a pre-commit re-read found the task or agent
// no longer in the state the candidate selection assumed; the caller
// treats this as "try again next tick", not a failure.
var errAbortAssignment = errors.New("orchestrator: task or agent state changed before commit")

// Dispatcher starts a task running against its assigned agent. Service
// depends only on this narrow interface, not on pkg/dispatcher directly,
// so Dispatcher can call back into Service's terminal-transition entry
// points without an import cycle.
type Dispatcher interface {
	Start(ctx context.Context, task *domain.Task, agent *domain.Agent) error
}

// Service runs the scheduling tick and owns the Task/Agent state
// transitions of assignment and of Dispatcher-reported terminal results.
type Service struct {
	store      store.Store
	bus        *eventbus.Bus
	locks      *lock.Manager
	scorer     *priority.Scorer
	dispatcher Dispatcher
	cfg        config.SchedulerConfig
	lockTTL    time.Duration
	logger     *zap.Logger

	// commitMu serializes the ready-set-to-commit pipeline so only one
	// tick's assignment phase runs at a time, even if Run is driven from
	// multiple goroutines. Dispatchers run fully concurrently outside it.
	commitMu sync.Mutex
}

// New creates a Service. dispatcher may be nil in tests that only exercise
// the ready-set/commit logic without starting real agent runs. lockTTL is
// the default expiry for locks acquired on assignment (normally
// LockConfig.DefaultTTL): a crashed Dispatcher that never calls Completed
// or Failed still has its locks swept by LockManager.CleanupExpired.
func New(st store.Store, bus *eventbus.Bus, locks *lock.Manager, scorer *priority.Scorer, dispatcher Dispatcher, cfg config.SchedulerConfig, lockTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		store:      st,
		bus:        bus,
		locks:      locks,
		scorer:     scorer,
		dispatcher: dispatcher,
		cfg:        cfg,
		lockTTL:    lockTTL,
		logger:     logger,
	}
}

// Run ticks the scheduler on interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && s.logger != nil {
				s.logger.Warn("orchestrator tick failed", zap.Error(err))
			}
		}
	}
}

type candidate struct {
	task  *domain.Task
	score float64
}

// Tick runs one scheduling pass: compute the ready set, score and sort it
// descending, then walk it assigning each task to the best matching idle
// agent still available.
func (s *Service) Tick(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.cfg.DryRun {
		return nil
	}

	ready, err := s.readySet(ctx)
	if err != nil {
		return fmt.Errorf("compute ready set: %w", err)
	}
	if len(ready) == 0 {
		return nil
	}

	agents, err := s.store.Agents().ListByStatus(ctx, domain.AgentStatusIdle)
	if err != nil {
		return fmt.Errorf("list idle agents: %w", err)
	}

	for _, c := range ready {
		if len(agents) == 0 {
			break
		}
		idx := pickAgent(agents, c.task)
		if idx < 0 {
			continue
		}

		assigned, err := s.assign(ctx, c.task, agents[idx])
		if err != nil && s.logger != nil {
			s.logger.Warn("assignment failed", zap.String("task_id", string(c.task.ID)), zap.Error(err))
		}
		if assigned {
			agents = append(agents[:idx], agents[idx+1:]...)
		}
	}

	return nil
}

// readySet returns every pending task whose dependencies are all
// completed, scored by priority.Scorer and sorted descending (ties broken
// by oldest CreatedAt first).
func (s *Service) readySet(ctx context.Context) ([]candidate, error) {
	pending, err := s.store.Tasks().ListByStatus(ctx, domain.TaskStatusPending)
	if err != nil {
		return nil, err
	}
	completed, err := s.store.Tasks().ListByStatus(ctx, domain.TaskStatusCompleted)
	if err != nil {
		return nil, err
	}

	resolved := make(map[domain.TaskID]bool, len(completed))
	for _, t := range completed {
		resolved[t.ID] = true
	}

	ticketPriority := make(map[domain.TicketID]domain.Priority)
	now := time.Now()

	out := make([]candidate, 0, len(pending))
	for _, t := range pending {
		if !t.Ready(resolved) {
			continue
		}

		prio, ok := ticketPriority[t.TicketID]
		if !ok {
			ticket, err := s.store.Tickets().Get(ctx, t.TicketID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if ticket != nil {
				prio = ticket.Priority
			}
			ticketPriority[t.TicketID] = prio
		}

		score := s.scorer.Score(t, prio, now, len(t.Dependencies.Blocks))
		out = append(out, candidate{task: t, score: score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].task.CreatedAt.Before(out[j].task.CreatedAt)
	})

	return out, nil
}

// pickAgent returns the index of the best idle agent for task: capability
// and phase matching, tying broken by longest idle (earliest
// LastHeartbeat). Returns -1 if no agent qualifies.
func pickAgent(agents []*domain.Agent, task *domain.Task) int {
	best := -1
	for i, a := range agents {
		if task.RequiredCapability != "" && !a.HasCapability(task.RequiredCapability) {
			continue
		}
		if task.Phase != "" && a.PhaseID != task.Phase {
			continue
		}
		if best < 0 || a.LastHeartbeat.Before(agents[best].LastHeartbeat) {
			best = i
		}
	}
	return best
}

// assign attempts to commit task to agent: acquires every declared
// resource lock non-blockingly in deterministic (resource_key asc) order,
// re-reads the task (with a row lock) and the agent inside a transaction,
// aborts cleanly
// if either moved out of the expected state, and otherwise commits the
// assignment and starts the Dispatcher. Returns false, nil when the
// assignment did not happen but the tick should simply move on.
func (s *Service) assign(ctx context.Context, task *domain.Task, agent *domain.Agent) (bool, error) {
	reqs := append([]domain.ResourceRequirement(nil), task.RequiredResources...)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ResourceKey < reqs[j].ResourceKey })

	acquired := make([]*domain.ResourceLock, 0, len(reqs))
	for _, r := range reqs {
		l, err := s.locks.Acquire(ctx, r.ResourceKey, task.ID, agent.ID, r.Type, s.lockTTL)
		if err != nil {
			s.releaseAll(ctx, acquired)
			if errors.Is(err, lock.ErrConflict) {
				return false, nil
			}
			return false, err
		}
		acquired = append(acquired, l)
	}

	var assignedTask *domain.Task
	var assignedAgent *domain.Agent

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		freshTask, err := tx.Tasks().GetForUpdate(ctx, task.ID)
		if err != nil {
			return err
		}
		freshAgent, err := tx.Agents().Get(ctx, agent.ID)
		if err != nil {
			return err
		}
		if freshTask.Status != domain.TaskStatusPending || freshAgent.Status != domain.AgentStatusIdle {
			return errAbortAssignment
		}

		now := time.Now()
		freshTask.Status = domain.TaskStatusAssigned
		freshTask.AssignedAgentID = &agent.ID
		freshTask.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, freshTask); err != nil {
			return err
		}

		freshAgent.Status = domain.AgentStatusBusy
		freshAgent.AssignedTaskIDs = append(freshAgent.AssignedTaskIDs, freshTask.ID)
		freshAgent.UpdatedAt = now
		if err := tx.Agents().Update(ctx, freshAgent); err != nil {
			return err
		}

		assignedTask = freshTask
		assignedAgent = freshAgent
		return nil
	})

	if err != nil {
		s.releaseAll(ctx, acquired)
		if errors.Is(err, errAbortAssignment) {
			return false, nil
		}
		return false, err
	}

	s.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventTaskAssigned,
		EntityType: "task",
		EntityID:   string(assignedTask.ID),
		Payload:    map[string]any{"task_id": string(assignedTask.ID), "agent_id": string(assignedAgent.ID)},
		Timestamp:  time.Now(),
	})

	if s.dispatcher != nil {
		if err := s.dispatcher.Start(ctx, assignedTask, assignedAgent); err != nil && s.logger != nil {
			s.logger.Warn("dispatcher start failed", zap.String("task_id", string(assignedTask.ID)), zap.Error(err))
		}
	}

	return true, nil
}

func (s *Service) releaseAll(ctx context.Context, locks []*domain.ResourceLock) {
	for _, l := range locks {
		if err := s.locks.Release(ctx, l.ResourceKey, l.Version); err != nil && s.logger != nil {
			s.logger.Warn("lock release failed during assignment rollback", zap.String("resource_key", l.ResourceKey), zap.Error(err))
		}
	}
}

// Completed transitions taskID to completed, releases its locks, and
// frees its agent. This is the only way Task.Status becomes completed,
// even though Dispatcher is what detects the runtime's terminal result.
func (s *Service) Completed(ctx context.Context, taskID domain.TaskID, result map[string]any) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		task, err := tx.Tasks().GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		now := time.Now()
		task.Status = domain.TaskStatusCompleted
		task.CompletedAt = &now
		task.UpdatedAt = now
		if err := tx.Tasks().Update(ctx, task); err != nil {
			return err
		}
		return s.freeAgent(ctx, tx, task, now)
	})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}

	if err := s.locks.ReleaseTaskLocks(ctx, taskID); err != nil && s.logger != nil {
		s.logger.Warn("release locks on completion failed", zap.String("task_id", string(taskID)), zap.Error(err))
	}

	s.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventTaskCompleted,
		EntityType: "task",
		EntityID:   string(taskID),
		Payload:    map[string]any{"task_id": string(taskID), "result": result},
		Timestamp:  time.Now(),
	})
	return nil
}

// Failed retries taskID (status back to pending, agent freed) if
// RetryCount is still under MaxRetries, or marks it terminally failed
// otherwise.
func (s *Service) Failed(ctx context.Context, taskID domain.TaskID, cause string) error {
	return s.terminalFailure(ctx, taskID, cause)
}

// HeartbeatTimeout is Failed with a fixed cause, called by Dispatcher when
// a task's deadline and grace period both elapse without a terminal
// result.
func (s *Service) HeartbeatTimeout(ctx context.Context, taskID domain.TaskID) error {
	return s.terminalFailure(ctx, taskID, "heartbeat timeout")
}

func (s *Service) terminalFailure(ctx context.Context, taskID domain.TaskID, cause string) error {
	var retrying bool
	var finalStatus domain.TaskStatus

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		task, err := tx.Tasks().GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}

		now := time.Now()
		task.RetryCount++
		if err := s.freeAgent(ctx, tx, task, now); err != nil {
			return err
		}
		if task.RetryCount < task.MaxRetries {
			task.Status = domain.TaskStatusPending
			task.AssignedAgentID = nil
			retrying = true
		} else {
			task.Status = domain.TaskStatusFailed
			task.CompletedAt = &now
			retrying = false
		}
		task.UpdatedAt = now
		finalStatus = task.Status

		return tx.Tasks().Update(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}

	if err := s.locks.ReleaseTaskLocks(ctx, taskID); err != nil && s.logger != nil {
		s.logger.Warn("release locks on failure failed", zap.String("task_id", string(taskID)), zap.Error(err))
	}

	s.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventTaskFailed,
		EntityType: "task",
		EntityID:   string(taskID),
		Payload:    map[string]any{"task_id": string(taskID), "error": cause, "retrying": retrying, "status": string(finalStatus)},
		Timestamp:  time.Now(),
	})
	return nil
}

// freeAgent idles task's currently-assigned agent, if any, removing
// taskID from its held-task lists. Callers that go on to clear
// task.AssignedAgentID must call this first.
func (s *Service) freeAgent(ctx context.Context, tx store.Store, task *domain.Task, now time.Time) error {
	if task.AssignedAgentID == nil {
		return nil
	}
	agentID := *task.AssignedAgentID

	agent, err := tx.Agents().Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if agent.Status == domain.AgentStatusQuarantined || agent.Status == domain.AgentStatusDead {
		return nil
	}
	agent.Status = domain.AgentStatusIdle
	agent.RunningTaskIDs = removeTaskID(agent.RunningTaskIDs, task.ID)
	agent.AssignedTaskIDs = removeTaskID(agent.AssignedTaskIDs, task.ID)
	agent.UpdatedAt = now
	return tx.Agents().Update(ctx, agent)
}

func removeTaskID(ids []domain.TaskID, target domain.TaskID) []domain.TaskID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
