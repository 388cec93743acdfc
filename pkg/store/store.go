// Package store defines the orchestrator's persistence contract.
// pkg/store/memstore provides an in-memory implementation of the same
// contract, the only one in this module.
package store

import (
	"context"
	"time"

	"github.com/omoios/orchestrator/pkg/domain"
)

// Store is the full persistence contract used by every orchestrator
// component. WithTx runs fn inside a single transaction, committing on a
// nil return and rolling back otherwise.
type Store interface {
	Tickets() TicketRepo
	Tasks() TaskRepo
	Agents() AgentRepo
	Locks() LockRepo
	Baselines() BaselineRepo
	Anomalies() AnomalyRepo
	Threads() ThreadRepo
	Messages() MessageRepo
	Events() EventRepo

	WithTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

// TicketRepo persists Ticket entities.
type TicketRepo interface {
	Create(ctx context.Context, t *domain.Ticket) error
	Get(ctx context.Context, id domain.TicketID) (*domain.Ticket, error)
	Update(ctx context.Context, t *domain.Ticket) error
	List(ctx context.Context, status domain.TicketStatus) ([]*domain.Ticket, error)
}

// TaskRepo persists Task entities.
type TaskRepo interface {
	Create(ctx context.Context, t *domain.Task) error
	Get(ctx context.Context, id domain.TaskID) (*domain.Task, error)
	GetForUpdate(ctx context.Context, id domain.TaskID) (*domain.Task, error)
	Update(ctx context.Context, t *domain.Task) error
	ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
	ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.Task, error)
	ListByAgent(ctx context.Context, agentID domain.AgentID, includeTerminal bool) ([]*domain.Task, error)
}

// AgentRepo persists Agent entities.
type AgentRepo interface {
	Create(ctx context.Context, a *domain.Agent) error
	Get(ctx context.Context, id domain.AgentID) (*domain.Agent, error)
	Update(ctx context.Context, a *domain.Agent) error
	List(ctx context.Context) ([]*domain.Agent, error)
	ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error)
}

// LockRepo persists ResourceLock entities.
type LockRepo interface {
	Acquire(ctx context.Context, l *domain.ResourceLock) error
	Get(ctx context.Context, resourceKey string) (*domain.ResourceLock, error)
	GetForUpdate(ctx context.Context, resourceKey string) (*domain.ResourceLock, error)
	Update(ctx context.Context, l *domain.ResourceLock) error
	Release(ctx context.Context, resourceKey string, expectedVersion int) error
	ListByTask(ctx context.Context, taskID domain.TaskID) ([]*domain.ResourceLock, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]*domain.ResourceLock, error)
	ListActive(ctx context.Context) ([]*domain.ResourceLock, error)
}

// BaselineRepo persists AgentBaseline entities.
type BaselineRepo interface {
	Get(ctx context.Context, agentType, phaseID string) (*domain.AgentBaseline, error)
	Upsert(ctx context.Context, b *domain.AgentBaseline) error
	List(ctx context.Context) ([]*domain.AgentBaseline, error)
}

// AnomalyRepo persists MonitorAnomaly entities.
type AnomalyRepo interface {
	Create(ctx context.Context, a *domain.MonitorAnomaly) error
	Get(ctx context.Context, id domain.LockID) (*domain.MonitorAnomaly, error)
	Update(ctx context.Context, a *domain.MonitorAnomaly) error
	ListRecent(ctx context.Context, agentID domain.AgentID, limit int) ([]*domain.MonitorAnomaly, error)
	ListByAgentSince(ctx context.Context, agentID domain.AgentID, since time.Time) ([]*domain.MonitorAnomaly, error)
}

// ThreadRepo persists CollaborationThread entities.
type ThreadRepo interface {
	Create(ctx context.Context, th *domain.CollaborationThread) error
	Get(ctx context.Context, id domain.ThreadID) (*domain.CollaborationThread, error)
	Update(ctx context.Context, th *domain.CollaborationThread) error
	List(ctx context.Context, ticketID *domain.TicketID, taskID *domain.TaskID, status *domain.ThreadStatus) ([]*domain.CollaborationThread, error)
	FindOpenByScope(ctx context.Context, threadType domain.ThreadType, ticketID *domain.TicketID, taskID *domain.TaskID) (*domain.CollaborationThread, error)
}

// MessageRepo persists AgentMessage entities.
type MessageRepo interface {
	Create(ctx context.Context, m *domain.AgentMessage) error
	Get(ctx context.Context, id domain.LockID) (*domain.AgentMessage, error)
	Update(ctx context.Context, m *domain.AgentMessage) error
	ListByThread(ctx context.Context, threadID domain.ThreadID) ([]*domain.AgentMessage, error)
	ListByAgent(ctx context.Context, agentID domain.AgentID, unreadOnly bool) ([]*domain.AgentMessage, error)
}

// EventRepo persists the durable Event audit trail.
type EventRepo interface {
	Create(ctx context.Context, e *domain.Event) error
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*domain.Event, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]*domain.Event, error)
}
