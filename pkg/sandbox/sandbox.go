// Package sandbox defines the opaque contract through which the
// orchestrator drives an agent's execution environment: spawning it,
// running commands inside it, and injecting collaboration messages into
// whatever surface the agent is watching.
package sandbox

import "context"

// SandboxExecutor spawns and drives an agent's execution sandbox.
// CollaborationBus calls InjectMessage as one of its two best-effort
// delivery paths; Dispatcher does not use a sandbox.
type SandboxExecutor interface {
	// Spawn provisions a sandbox for the given agent and returns an
	// opaque handle used by subsequent calls.
	Spawn(ctx context.Context, agentID string) (handle string, err error)
	// Exec runs command inside the sandbox identified by handle.
	Exec(ctx context.Context, handle string, command string) (output string, err error)
	// GetPreviewURL returns a user-facing URL for observing the sandbox's
	// live state, if the implementation exposes one.
	GetPreviewURL(ctx context.Context, handle string) (string, error)
	// InjectMessage delivers content into the sandbox's running surface,
	// e.g. as a chat message visible to whatever session the agent is
	// driving inside it. Best-effort: callers should not treat a failure
	// here as fatal to the message it is trying to deliver.
	InjectMessage(ctx context.Context, handle string, content string) error
}
