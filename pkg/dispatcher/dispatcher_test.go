package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/omoios/orchestrator/internal/config"
	"github.com/omoios/orchestrator/pkg/agentruntime"
	"github.com/omoios/orchestrator/pkg/domain"
)

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		DefaultTimeout:          time.Hour,
		GracePeriod:             10 * time.Millisecond,
		BreakerMaxRequests:      1,
		BreakerInterval:         time.Minute,
		BreakerTimeout:          30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

type fakeRuntime struct {
	mu         sync.Mutex
	startErr   error
	waitResult *agentruntime.Result
	waitErr    error
	cancelled  []string
	started    []string
}

func (f *fakeRuntime) Start(ctx context.Context, task *domain.Task, agent *domain.Agent) (*agentruntime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, string(task.ID))
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &agentruntime.Session{ID: "sess-" + string(task.ID), AgentID: agent.ID, TaskID: task.ID}, nil
}

func (f *fakeRuntime) InjectMessage(ctx context.Context, sessionID string, content string) error {
	return nil
}

func (f *fakeRuntime) Cancel(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, sessionID string) (*agentruntime.Result, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.waitResult != nil {
		return f.waitResult, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeOrchestrator struct {
	mu               sync.Mutex
	completed        []domain.TaskID
	completedResult  map[string]any
	failed           []domain.TaskID
	failedCause      []string
	heartbeatTimeout []domain.TaskID
	done             chan struct{}
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{done: make(chan struct{}, 16)}
}

func (f *fakeOrchestrator) Completed(ctx context.Context, taskID domain.TaskID, result map[string]any) error {
	f.mu.Lock()
	f.completed = append(f.completed, taskID)
	f.completedResult = result
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeOrchestrator) Failed(ctx context.Context, taskID domain.TaskID, cause string) error {
	f.mu.Lock()
	f.failed = append(f.failed, taskID)
	f.failedCause = append(f.failedCause, cause)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeOrchestrator) HeartbeatTimeout(ctx context.Context, taskID domain.TaskID) error {
	f.mu.Lock()
	f.heartbeatTimeout = append(f.heartbeatTimeout, taskID)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func waitForSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatcher to report a result")
	}
}

func testTask(id domain.TaskID) *domain.Task {
	return &domain.Task{ID: id, TaskType: "default"}
}

func testAgent(id domain.AgentID) *domain.Agent {
	return &domain.Agent{ID: id}
}

func TestStartReportsCompletionOnSuccessfulRun(t *testing.T) {
	runtime := &fakeRuntime{waitResult: &agentruntime.Result{Output: map[string]any{"ok": true}}}
	orch := newFakeOrchestrator()
	svc := New(runtime, orch, testDispatcherConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx, testTask("t1"), testAgent("a1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForSignal(t, orch.done)

	if len(orch.completed) != 1 || orch.completed[0] != "t1" {
		t.Fatalf("expected t1 reported completed, got %v", orch.completed)
	}
	if orch.completedResult["ok"] != true {
		t.Fatalf("expected completion result forwarded, got %v", orch.completedResult)
	}
}

func TestStartReportsFailureOnRuntimeError(t *testing.T) {
	runtime := &fakeRuntime{waitErr: errors.New("agent crashed")}
	orch := newFakeOrchestrator()
	svc := New(runtime, orch, testDispatcherConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx, testTask("t2"), testAgent("a1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForSignal(t, orch.done)

	if len(orch.failed) != 1 || orch.failed[0] != "t2" {
		t.Fatalf("expected t2 reported failed, got %v", orch.failed)
	}
	if orch.failedCause[0] != "agent crashed" {
		t.Fatalf("expected runtime error forwarded as cause, got %q", orch.failedCause[0])
	}
}

func TestStartReportsHeartbeatTimeoutOnDeadlineExpiry(t *testing.T) {
	runtime := &fakeRuntime{}
	orch := newFakeOrchestrator()
	cfg := testDispatcherConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	cfg.GracePeriod = 10 * time.Millisecond
	svc := New(runtime, orch, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx, testTask("t3"), testAgent("a1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForSignal(t, orch.done)

	if len(orch.heartbeatTimeout) != 1 || orch.heartbeatTimeout[0] != "t3" {
		t.Fatalf("expected t3 reported heartbeat timeout, got %v", orch.heartbeatTimeout)
	}
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	if len(runtime.cancelled) != 1 {
		t.Fatalf("expected runtime.Cancel called once, got %v", runtime.cancelled)
	}
}

func TestStartSurfacesRuntimeStartError(t *testing.T) {
	runtime := &fakeRuntime{startErr: errors.New("endpoint unreachable")}
	orch := newFakeOrchestrator()
	svc := New(runtime, orch, testDispatcherConfig(), zap.NewNop())

	err := svc.Start(context.Background(), testTask("t4"), testAgent("a1"))
	if err == nil {
		t.Fatal("expected Start to surface the runtime error")
	}
}

func TestDeadlineForPrefersExplicitDeadlineOverDefault(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.DefaultTimeout = time.Minute
	svc := New(&fakeRuntime{}, newFakeOrchestrator(), cfg, zap.NewNop())

	far := time.Now().Add(2 * time.Hour)
	task := &domain.Task{ID: "t5", TaskType: "default", Deadline: &far}

	deadline := svc.deadlineFor(task)
	if deadline.Before(far.Add(-time.Second)) {
		t.Fatalf("expected deadline to respect task.Deadline, got %v vs %v", deadline, far)
	}
}

func TestDeadlineForUsesTypeSpecificTimeout(t *testing.T) {
	cfg := testDispatcherConfig()
	cfg.DefaultTimeout = time.Hour
	cfg.TypeTimeouts = map[string]time.Duration{"quick": 5 * time.Second}
	svc := New(&fakeRuntime{}, newFakeOrchestrator(), cfg, zap.NewNop())

	task := &domain.Task{ID: "t6", TaskType: "quick"}
	deadline := svc.deadlineFor(task)
	if deadline.After(time.Now().Add(10 * time.Second)) {
		t.Fatalf("expected type-specific 5s timeout to apply, got deadline %v", deadline)
	}
}
