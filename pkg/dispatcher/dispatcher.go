// Package dispatcher owns the lifecycle of a single (task, agent) pairing
// once the Orchestrator has assigned it: starting the agent-runtime
// session, enforcing a per-task deadline, and forwarding whatever the
// runtime eventually reports back to the Orchestrator's terminal-transition
// entry points. Dispatcher never mutates Task or Agent state directly.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/agentruntime"
	"github.com/omoios/orchestrator/pkg/domain"
)

const (
	startCallTimeout  = 30 * time.Second
	cancelCallTimeout = 10 * time.Second
	reportTimeout     = 10 * time.Second
)

// Orchestrator is the narrow set of terminal-transition entry points
// Dispatcher is allowed to call. Implemented by pkg/orchestrator.Service;
// declared here rather than imported so the two packages don't cycle
// (orchestrator.Service depends on Dispatcher's own Start-only interface
// the same way).
type Orchestrator interface {
	Completed(ctx context.Context, taskID domain.TaskID, result map[string]any) error
	Failed(ctx context.Context, taskID domain.TaskID, cause string) error
	HeartbeatTimeout(ctx context.Context, taskID domain.TaskID) error
}

// Service starts and supervises one goroutine per in-flight (task, agent)
// pairing. One Service instance is shared by every pairing; the circuit
// breaker it wraps AgentRuntime.Start with therefore reflects the health
// of the backend as a whole, not any single task.
type Service struct {
	runtime      agentruntime.AgentRuntime
	orchestrator Orchestrator
	cfg          config.DispatcherConfig
	breaker      *gobreaker.CircuitBreaker
	logger       *zap.Logger

	wg sync.WaitGroup
}

// New creates a Service backed by runtime, reporting terminal results to
// orchestrator.
func New(runtime agentruntime.AgentRuntime, orchestrator Orchestrator, cfg config.DispatcherConfig, logger *zap.Logger) *Service {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "agent_runtime",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	})

	return &Service{
		runtime:      runtime,
		orchestrator: orchestrator,
		cfg:          cfg,
		breaker:      breaker,
		logger:       logger,
	}
}

// Start begins a new agent-runtime session for task on behalf of agent and
// spawns the goroutine that supervises it until a terminal result, a
// deadline, or ctx's cancellation (service shutdown). ctx is retained as
// the supervising goroutine's parent for the lifetime of the run, not just
// for this call, since Tick's ctx is the daemon's long-lived run context.
func (s *Service) Start(ctx context.Context, task *domain.Task, agent *domain.Agent) error {
	startCtx, cancel := context.WithTimeout(ctx, startCallTimeout)
	defer cancel()

	sessionAny, err := s.breaker.Execute(func() (interface{}, error) {
		return s.runtime.Start(startCtx, task, agent)
	})
	if err != nil {
		return fmt.Errorf("start agent runtime session: %w", err)
	}
	session, ok := sessionAny.(*agentruntime.Session)
	if !ok || session == nil {
		return fmt.Errorf("start agent runtime session: runtime returned no session")
	}

	s.wg.Add(1)
	go s.supervise(ctx, task.ID, session, s.deadlineFor(task))
	return nil
}

// Wait blocks until every goroutine spawned by Start has returned. Callers
// use it during shutdown after cancelling the context they passed to
// Start, to let in-flight grace periods settle before exiting.
func (s *Service) Wait() {
	s.wg.Wait()
}

// deadlineFor is max(task_type default, task.Deadline): the task's
// explicit deadline only extends the window, it never shortens the
// type's default.
func (s *Service) deadlineFor(task *domain.Task) time.Time {
	timeout := s.cfg.DefaultTimeout
	if t, ok := s.cfg.TypeTimeouts[task.TaskType]; ok {
		timeout = t
	}

	byDefault := time.Now().Add(timeout)
	if task.Deadline != nil && task.Deadline.After(byDefault) {
		return *task.Deadline
	}
	return byDefault
}

func (s *Service) supervise(parent context.Context, taskID domain.TaskID, session *agentruntime.Session, deadline time.Time) {
	defer s.wg.Done()

	runCtx, cancel := context.WithDeadline(parent, deadline)
	defer cancel()

	result, err := s.runtime.Wait(runCtx, session.ID)
	switch {
	case err == nil:
		s.report(taskID, "report completion", func(ctx context.Context) error {
			return s.orchestrator.Completed(ctx, taskID, result.Output)
		})
	case errors.Is(err, context.Canceled):
		// Service is shutting down; nothing is reported, so the task keeps
		// its current status and its locks stay until they expire and
		// LockManager.CleanupExpired sweeps them.
	case errors.Is(err, context.DeadlineExceeded):
		s.onDeadline(parent, taskID, session)
	default:
		s.report(taskID, "report failure", func(ctx context.Context) error {
			return s.orchestrator.Failed(ctx, taskID, err.Error())
		})
	}
}

// onDeadline asks the runtime to cancel the session, waits GracePeriod for
// it to wind down, then reports heartbeat timeout regardless of whether
// the cancel call succeeded.
func (s *Service) onDeadline(parent context.Context, taskID domain.TaskID, session *agentruntime.Session) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), cancelCallTimeout)
	defer cancel()
	if err := s.runtime.Cancel(cancelCtx, session.ID); err != nil && s.logger != nil {
		s.logger.Warn("agent-side cancel after deadline failed",
			zap.String("task_id", string(taskID)), zap.Error(err))
	}

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-parent.Done():
	}

	s.report(taskID, "report heartbeat timeout", func(ctx context.Context) error {
		return s.orchestrator.HeartbeatTimeout(ctx, taskID)
	})
}

func (s *Service) report(taskID domain.TaskID, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := fn(ctx); err != nil && s.logger != nil {
		s.logger.Warn("dispatcher: "+what+" failed", zap.String("task_id", string(taskID)), zap.Error(err))
	}
}
