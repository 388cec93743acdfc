package domain

import "time"

// TicketStatus is the lifecycle state of a Ticket.
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusCompleted  TicketStatus = "completed"
	TicketStatusFailed     TicketStatus = "failed"
	TicketStatusCancelled  TicketStatus = "cancelled"
)

// Valid reports whether s is one of the defined ticket statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusCompleted, TicketStatusFailed, TicketStatusCancelled:
		return true
	}
	return false
}

// Priority is the caller-declared priority tier of a ticket, distinct from
// the PriorityScorer's computed composite score.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the defined priority tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Ticket is the top-level unit of work submitted to the orchestrator. A
// ticket decomposes into one or more Tasks.
type Ticket struct {
	ID          TicketID
	Title       string
	Description string
	Status      TicketStatus
	Priority    Priority
	SLADeadline *time.Time
	Labels      map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
