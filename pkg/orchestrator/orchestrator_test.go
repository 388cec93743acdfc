package orchestrator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/eventbus"
	"github.com/omoios/orchestrator/pkg/lock"
	"github.com/omoios/orchestrator/pkg/priority"
	"github.com/omoios/orchestrator/pkg/store/memstore"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{MaxConcurrent: 5}
}

func testPriorityConfig() config.PriorityConfig {
	return config.PriorityConfig{
		BaseWeight:       0.45,
		AgeWeight:        0.20,
		DeadlineWeight:   0.15,
		BlockerWeight:    0.15,
		RetryWeight:      0.05,
		SLABoost:         1.25,
		StarvationAge:    7200 * time.Second,
		StarvationFloor:  0.6,
		AgeCeiling:       3600 * time.Second,
		SLAUrgencyWindow: 900 * time.Second,
		BlockerCeiling:   10,
	}
}

type recordingDispatcher struct {
	started []domain.TaskID
}

func (d *recordingDispatcher) Start(ctx context.Context, task *domain.Task, agent *domain.Agent) error {
	d.started = append(d.started, task.ID)
	return nil
}

func newTestService(t *testing.T, dispatcher Dispatcher) (*Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	bus := eventbus.New(zap.NewNop())
	locks := lock.New(st)
	scorer := priority.New(testPriorityConfig())
	svc := New(st, bus, locks, scorer, dispatcher, testSchedulerConfig(), 5*time.Minute, zap.NewNop())
	return svc, st
}

func mustCreateTicket(t *testing.T, st *memstore.Store, id domain.TicketID, prio domain.Priority) {
	t.Helper()
	if err := st.Tickets().Create(context.Background(), &domain.Ticket{
		ID: id, Title: "t", Status: domain.TicketStatusOpen, Priority: prio, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
}

func TestTickAssignsReadyTaskToMatchingIdleAgent(t *testing.T) {
	ctx := context.Background()
	dispatcher := &recordingDispatcher{}
	svc, st := newTestService(t, dispatcher)

	mustCreateTicket(t, st, "tkt1", domain.PriorityHigh)
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "t1", TicketID: "tkt1", Phase: "P", Status: domain.TaskStatusPending,
		RequiredCapability: "x", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.Agents().Create(ctx, &domain.Agent{
		ID: "a1", Type: "w", PhaseID: "P", Capabilities: []string{"x"}, Status: domain.AgentStatusIdle,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	task, err := st.Tasks().Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskStatusAssigned {
		t.Fatalf("task status = %s, want assigned", task.Status)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != "a1" {
		t.Fatalf("task assigned agent = %v, want a1", task.AssignedAgentID)
	}

	agent, err := st.Agents().Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != domain.AgentStatusBusy {
		t.Fatalf("agent status = %s, want busy", agent.Status)
	}
	if len(dispatcher.started) != 1 || dispatcher.started[0] != "t1" {
		t.Fatalf("dispatcher started = %v, want [t1]", dispatcher.started)
	}
}

func TestTickLockConflictAssignsOnlyOneTask(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	mustCreateTicket(t, st, "tkt1", domain.PriorityNormal)
	reqs := []domain.ResourceRequirement{{ResourceKey: "file:/a.txt", Type: domain.LockTypeExclusive}}
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "t1", TicketID: "tkt1", Status: domain.TaskStatusPending,
		RequiredResources: reqs, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create task t1: %v", err)
	}
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "t2", TicketID: "tkt1", Status: domain.TaskStatusPending,
		RequiredResources: reqs, CreatedAt: time.Now().Add(time.Second),
	}); err != nil {
		t.Fatalf("create task t2: %v", err)
	}
	if err := st.Agents().Create(ctx, &domain.Agent{ID: "a1", Status: domain.AgentStatusIdle}); err != nil {
		t.Fatalf("create agent a1: %v", err)
	}
	if err := st.Agents().Create(ctx, &domain.Agent{ID: "a2", Status: domain.AgentStatusIdle}); err != nil {
		t.Fatalf("create agent a2: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	t1, _ := st.Tasks().Get(ctx, "t1")
	t2, _ := st.Tasks().Get(ctx, "t2")
	assignedCount := 0
	if t1.Status == domain.TaskStatusAssigned {
		assignedCount++
	}
	if t2.Status == domain.TaskStatusAssigned {
		assignedCount++
	}
	if assignedCount != 1 {
		t.Fatalf("assigned count = %d, want 1", assignedCount)
	}

	var assigned, pending *domain.Task
	if t1.Status == domain.TaskStatusAssigned {
		assigned, pending = t1, t2
	} else {
		assigned, pending = t2, t1
	}
	if pending.Status != domain.TaskStatusPending {
		t.Fatalf("other task status = %s, want pending", pending.Status)
	}

	if err := svc.Completed(ctx, assigned.ID, nil); err != nil {
		t.Fatalf("Completed: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	pendingAfter, _ := st.Tasks().Get(ctx, pending.ID)
	if pendingAfter.Status != domain.TaskStatusAssigned {
		t.Fatalf("second task status after lock release = %s, want assigned", pendingAfter.Status)
	}
}

func TestTickDependencyGating(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	mustCreateTicket(t, st, "tkt1", domain.PriorityNormal)
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "t1", TicketID: "tkt1", Status: domain.TaskStatusPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create t1: %v", err)
	}
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "t2", TicketID: "tkt1", Status: domain.TaskStatusPending, CreatedAt: time.Now(),
		Dependencies: domain.Dependencies{DependsOn: []domain.TaskID{"t1"}},
	}); err != nil {
		t.Fatalf("create t2: %v", err)
	}
	if err := st.Agents().Create(ctx, &domain.Agent{ID: "a1", Status: domain.AgentStatusIdle}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	t1, _ := st.Tasks().Get(ctx, "t1")
	if t1.Status != domain.TaskStatusAssigned {
		t.Fatalf("t1 status = %s, want assigned", t1.Status)
	}
	t2, _ := st.Tasks().Get(ctx, "t2")
	if t2.Status != domain.TaskStatusPending {
		t.Fatalf("t2 status = %s, want still pending while t1 runs", t2.Status)
	}

	if err := svc.Completed(ctx, "t1", nil); err != nil {
		t.Fatalf("Completed t1: %v", err)
	}
	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	t2After, _ := st.Tasks().Get(ctx, "t2")
	if t2After.Status != domain.TaskStatusAssigned {
		t.Fatalf("t2 status after t1 completes = %s, want assigned", t2After.Status)
	}
}

func TestTickStarvationFloorPrefersAgedLowPriorityTask(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	mustCreateTicket(t, st, "low-ticket", domain.PriorityLow)
	mustCreateTicket(t, st, "high-ticket", domain.PriorityHigh)

	now := time.Now()
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "low", TicketID: "low-ticket", Status: domain.TaskStatusPending,
		RequiredCapability: "x", CreatedAt: now.Add(-7201 * time.Second),
	}); err != nil {
		t.Fatalf("create low task: %v", err)
	}
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "high", TicketID: "high-ticket", Status: domain.TaskStatusPending,
		RequiredCapability: "x", CreatedAt: now,
	}); err != nil {
		t.Fatalf("create high task: %v", err)
	}
	// only one matching idle agent: whichever task scores higher wins the slot.
	if err := st.Agents().Create(ctx, &domain.Agent{
		ID: "a1", Capabilities: []string{"x"}, Status: domain.AgentStatusIdle,
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	if err := svc.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	low, _ := st.Tasks().Get(ctx, "low")
	high, _ := st.Tasks().Get(ctx, "high")
	if low.Status != domain.TaskStatusAssigned {
		t.Fatalf("starved low-priority task status = %s, want assigned (starvation floor should win)", low.Status)
	}
	if high.Status != domain.TaskStatusPending {
		t.Fatalf("fresh high-priority task status = %s, want still pending", high.Status)
	}
}

func TestFailedRetriesUntilMaxRetriesThenTerminates(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t, nil)

	agentID := domain.AgentID("a1")
	if err := st.Agents().Create(ctx, &domain.Agent{ID: agentID, Status: domain.AgentStatusBusy}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if err := st.Tasks().Create(ctx, &domain.Task{
		ID: "t1", Status: domain.TaskStatusRunning, MaxRetries: 2, AssignedAgentID: &agentID,
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := svc.Failed(ctx, "t1", "boom"); err != nil {
		t.Fatalf("Failed (1st): %v", err)
	}
	task, _ := st.Tasks().Get(ctx, "t1")
	if task.Status != domain.TaskStatusPending {
		t.Fatalf("status after 1st failure = %s, want pending (retry)", task.Status)
	}
	agent, _ := st.Agents().Get(ctx, agentID)
	if agent.Status != domain.AgentStatusIdle {
		t.Fatalf("agent status after failure = %s, want idle", agent.Status)
	}

	task.Status = domain.TaskStatusRunning
	task.AssignedAgentID = &agentID
	if err := st.Tasks().Update(ctx, task); err != nil {
		t.Fatalf("reset task for retry: %v", err)
	}
	if err := st.Agents().Update(ctx, &domain.Agent{ID: agentID, Status: domain.AgentStatusBusy}); err != nil {
		t.Fatalf("reset agent for retry: %v", err)
	}

	if err := svc.Failed(ctx, "t1", "boom again"); err != nil {
		t.Fatalf("Failed (2nd): %v", err)
	}
	finalTask, _ := st.Tasks().Get(ctx, "t1")
	if finalTask.Status != domain.TaskStatusFailed {
		t.Fatalf("status after exhausting retries = %s, want failed", finalTask.Status)
	}
}
