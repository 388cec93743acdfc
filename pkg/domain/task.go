package domain

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusReady     TaskStatus = "ready"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is one of the defined task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusAssigned, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is a status from which a task never
// transitions again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Dependencies models a task's relationship to other tasks purely by ID,
// never by pointer, so the dependency graph can't form reference cycles.
type Dependencies struct {
	DependsOn []TaskID
	Blocks    []TaskID
}

// ResourceRequirement names a resource a task's execution must hold a lock
// on before it may be dispatched to an agent.
type ResourceRequirement struct {
	ResourceKey string
	Type        LockType
}

// Task is a single unit of agent-executable work belonging to a Ticket.
type Task struct {
	ID                 TaskID
	TicketID           TicketID
	Phase              string
	TaskType           string
	Status             TaskStatus
	RequiredCapability string
	RequiredResources  []ResourceRequirement
	AssignedAgentID    *AgentID
	Dependencies       Dependencies
	MaxRetries         int
	RetryCount         int
	Deadline           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time

	// SandboxID is the execution sandbox handle Dispatcher provisioned
	// for this task's run, if any. CollaborationBus uses it to route
	// best-effort message delivery to the assigned agent's live sandbox.
	SandboxID *string
	// RuntimeSessionID is the AgentRuntime session handle backing this
	// task's run, used the same way for agent-runtime delivery.
	RuntimeSessionID *string
}

// Ready reports whether t can enter the orchestrator's ready set: pending
// and with every dependency resolved.
func (t *Task) Ready(resolved map[TaskID]bool) bool {
	if t.Status != TaskStatusPending {
		return false
	}
	for _, dep := range t.Dependencies.DependsOn {
		if !resolved[dep] {
			return false
		}
	}
	return true
}
