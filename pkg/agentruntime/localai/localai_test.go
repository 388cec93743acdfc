package localai

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/omoios/orchestrator/pkg/agentruntime"
)

func newTestRuntime() *Runtime {
	return &Runtime{
		logger:   zap.NewNop(),
		sessions: make(map[string]*session),
	}
}

func (r *Runtime) seed(id string) *session {
	sess := &session{done: make(chan outcome, 1)}
	sess.cancel = func() {}
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	return sess
}

func TestWaitReturnsResultOnCompletion(t *testing.T) {
	r := newTestRuntime()
	sess := r.seed("s1")
	sess.done <- outcome{result: &agentruntime.Result{Output: map[string]any{"response": "done"}}}

	res, err := r.Wait(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Output["response"] != "done" {
		t.Fatalf("unexpected result: %v", res.Output)
	}
}

func TestWaitUnblocksOnContextCancellation(t *testing.T) {
	r := newTestRuntime()
	r.seed("s2")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Wait(ctx, "s2")
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCancelOnUnknownSessionIsNotAnError(t *testing.T) {
	r := newTestRuntime()
	if err := r.Cancel(context.Background(), "missing"); err != nil {
		t.Fatalf("expected nil error for unknown session, got %v", err)
	}
}
