// Package domain defines the orchestrator's core entity types: tickets,
// tasks, agents, resource locks, baselines, anomalies, and the
// collaboration-bus types layered over them.
package domain

// TicketID, TaskID, and AgentID are distinct string ID types so a function
// signature can't accidentally accept the wrong kind of identifier.
type (
	TicketID string
	TaskID   string
	AgentID  string
	LockID   string
	ThreadID string
)
