// Package agentruntime defines the opaque contract the Dispatcher and
// CollaborationBus use to drive an agent's underlying model session,
// independent of which concrete provider backs it.
package agentruntime

import (
	"context"

	"github.com/omoios/orchestrator/pkg/domain"
)

// Session identifies a running agent-runtime conversation.
type Session struct {
	ID      string
	AgentID domain.AgentID
	TaskID  domain.TaskID
}

// Result is the terminal outcome of an agent-runtime session that
// completed on its own, as opposed to being cancelled by the caller.
type Result struct {
	Output map[string]any
}

// AgentRuntime starts, message-injects into, and cancels an agent's
// underlying model session. Dispatcher owns Start/Wait/Cancel around task
// execution; CollaborationBus calls InjectMessage to deliver
// agent-to-agent messages into a running session. The runtime emits
// heartbeat and tool_use events purely as telemetry on its own side; the
// only events this contract surfaces to the caller are the terminal ones,
// via Wait.
type AgentRuntime interface {
	// Start begins a new session for task on behalf of agent, returning
	// the session handle used by subsequent calls.
	Start(ctx context.Context, task *domain.Task, agent *domain.Agent) (*Session, error)
	// InjectMessage delivers content into an already-running session.
	// Implementations should treat this as best-effort: a session that
	// has already ended is not an error the caller need propagate.
	InjectMessage(ctx context.Context, sessionID string, content string) error
	// Cancel terminates a running session, e.g. on deadline expiry.
	Cancel(ctx context.Context, sessionID string) error
	// Wait blocks until sessionID reaches a terminal state: it returns a
	// Result on completion, or an error describing the failure. A
	// cancelled ctx (deadline or shutdown) unblocks Wait with ctx.Err();
	// that is not itself a runtime failure and callers must not forward
	// it as one.
	Wait(ctx context.Context, sessionID string) (*Result, error)
}
