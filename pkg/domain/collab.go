package domain

import "time"

// ThreadType classifies the purpose of a CollaborationThread.
type ThreadType string

const (
	ThreadTypeHandoff      ThreadType = "handoff"
	ThreadTypeReview       ThreadType = "review"
	ThreadTypeConsultation ThreadType = "consultation"
)

// ThreadStatus is the lifecycle state of a CollaborationThread.
type ThreadStatus string

const (
	ThreadStatusActive    ThreadStatus = "active"
	ThreadStatusResolved  ThreadStatus = "resolved"
	ThreadStatusAbandoned ThreadStatus = "abandoned"
)

// CollaborationThread groups a sequence of AgentMessages exchanged between
// participants collaborating on a ticket or task.
type CollaborationThread struct {
	ID           ThreadID
	Type         ThreadType
	TicketID     *TicketID
	TaskID       *TaskID
	Participants []AgentID
	Status       ThreadStatus
	Metadata     map[string]any
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// MessageType classifies an AgentMessage's intent. It is intentionally an
// open string, not a closed enum: callers may tag a message with any
// application-defined type. Of the constants below, the handoff protocol
// produces the three handoff types itself; the rest are common types for
// callers to pass.
type MessageType string

const (
	MessageTypeInfo            MessageType = "info"
	MessageTypeQuestion        MessageType = "question"
	MessageTypeWarning         MessageType = "warning"
	MessageTypeDiscovery       MessageType = "discovery"
	MessageTypeHandoffRequest  MessageType = "handoff_request"
	MessageTypeHandoffAccepted MessageType = "handoff_accepted"
	MessageTypeHandoffDeclined MessageType = "handoff_declined"
)

// AgentMessage is a single message within a CollaborationThread. ToAgentID
// is nil for a broadcast.
type AgentMessage struct {
	ID          LockID
	ThreadID    ThreadID
	FromAgentID AgentID
	ToAgentID   *AgentID
	Type        MessageType
	Content     string
	Metadata    map[string]any
	ReadAt      *time.Time
	CreatedAt   time.Time
}
