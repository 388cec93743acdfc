// Package collab implements the collaboration bus: thread/message
// persistence, broadcast, and the task-handoff protocol agents use to pass
// work between each other.
package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/omoios/orchestrator/pkg/agentruntime"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/eventbus"
	"github.com/omoios/orchestrator/pkg/sandbox"
	"github.com/omoios/orchestrator/pkg/store"
)

// handoffUrgencyQuery pulls an optional urgency hint out of a handoff's
// metadata map so delivered text can surface it without the caller having
// to know the map's shape up front.
var handoffUrgencyQuery = gojq.MustParse(".urgency // .priority // empty")

// Bus manages collaboration threads, agent-to-agent messaging, broadcast,
// and task handoffs. Delivery to a recipient's live sandbox or runtime
// session is attempted on a best-effort basis: the persisted message row
// is always the record of truth, regardless of whether delivery succeeds.
type Bus struct {
	store   store.Store
	bus     *eventbus.Bus
	runtime agentruntime.AgentRuntime
	sandbox sandbox.SandboxExecutor
	logger  *zap.Logger
}

// New creates a Bus. runtime and sandboxExec may be nil, in which case the
// corresponding delivery path is skipped entirely.
func New(st store.Store, bus *eventbus.Bus, runtime agentruntime.AgentRuntime, sandboxExec sandbox.SandboxExecutor, logger *zap.Logger) *Bus {
	return &Bus{
		store:   st,
		bus:     bus,
		runtime: runtime,
		sandbox: sandboxExec,
		logger:  logger,
	}
}

// CreateThread creates a new collaboration thread.
func (b *Bus) CreateThread(ctx context.Context, threadType domain.ThreadType, participants []domain.AgentID, ticketID *domain.TicketID, taskID *domain.TaskID, metadata map[string]any) (*domain.CollaborationThread, error) {
	th := &domain.CollaborationThread{
		ID:           domain.ThreadID(uuid.NewString()),
		Type:         threadType,
		TicketID:     ticketID,
		TaskID:       taskID,
		Participants: participants,
		Status:       domain.ThreadStatusActive,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}
	if err := b.store.Threads().Create(ctx, th); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	b.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventCollabMessage,
		EntityType: "thread",
		EntityID:   string(th.ID),
		Payload: map[string]any{
			"thread_id":    string(th.ID),
			"thread_type":  string(threadType),
			"participants": participants,
		},
		Timestamp: th.CreatedAt,
	})

	return th, nil
}

// CloseThread marks a thread resolved.
func (b *Bus) CloseThread(ctx context.Context, id domain.ThreadID) error {
	th, err := b.store.Threads().Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get thread %s: %w", id, err)
	}
	now := time.Now()
	th.Status = domain.ThreadStatusResolved
	th.ClosedAt = &now
	if err := b.store.Threads().Update(ctx, th); err != nil {
		return fmt.Errorf("update thread %s: %w", id, err)
	}
	return nil
}

// GetThread fetches a thread by ID.
func (b *Bus) GetThread(ctx context.Context, id domain.ThreadID) (*domain.CollaborationThread, error) {
	th, err := b.store.Threads().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return th, nil
}

// ListThreads lists threads matching the given optional filters, further
// filtering by participant if agentID is set.
func (b *Bus) ListThreads(ctx context.Context, agentID *domain.AgentID, ticketID *domain.TicketID, status *domain.ThreadStatus) ([]*domain.CollaborationThread, error) {
	all, err := b.store.Threads().List(ctx, ticketID, nil, status)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	if agentID == nil {
		return all, nil
	}

	var out []*domain.CollaborationThread
	for _, th := range all {
		for _, p := range th.Participants {
			if p == *agentID {
				out = append(out, th)
				break
			}
		}
	}
	return out, nil
}

// SendMessage sends a message in thread threadID. When to is non-nil the
// message is delivered to that agent's live sandbox/runtime session on a
// best-effort basis after being persisted.
func (b *Bus) SendMessage(ctx context.Context, threadID domain.ThreadID, from domain.AgentID, msgType domain.MessageType, content string, to *domain.AgentID, metadata map[string]any) (*domain.AgentMessage, error) {
	msg := &domain.AgentMessage{
		ID:          domain.LockID(uuid.NewString()),
		ThreadID:    threadID,
		FromAgentID: from,
		ToAgentID:   to,
		Type:        msgType,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}
	if err := b.store.Messages().Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	b.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventCollabMessage,
		EntityType: "message",
		EntityID:   string(msg.ID),
		Payload: map[string]any{
			"thread_id":     string(threadID),
			"from_agent_id": string(from),
			"message_type":  string(msgType),
		},
		Timestamp: msg.CreatedAt,
	})

	if to != nil {
		b.deliver(ctx, msg, []domain.AgentID{*to}, false)
	}

	return msg, nil
}

// GetThreadMessages returns up to limit messages in threadID, most recent
// first, optionally restricted to unread ones.
func (b *Bus) GetThreadMessages(ctx context.Context, threadID domain.ThreadID, limit int, unreadOnly bool) ([]*domain.AgentMessage, error) {
	all, err := b.store.Messages().ListByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages for thread %s: %w", threadID, err)
	}
	return filterAndLimit(all, unreadOnly, limit), nil
}

// MarkMessageRead stamps a message's ReadAt.
func (b *Bus) MarkMessageRead(ctx context.Context, id domain.LockID) error {
	msg, err := b.store.Messages().Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get message %s: %w", id, err)
	}
	now := time.Now()
	msg.ReadAt = &now
	if err := b.store.Messages().Update(ctx, msg); err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

// GetAgentMessages returns up to limit messages sent to or from agentID,
// most recent first, optionally restricted to unread ones.
func (b *Bus) GetAgentMessages(ctx context.Context, agentID domain.AgentID, limit int, unreadOnly bool) ([]*domain.AgentMessage, error) {
	all, err := b.store.Messages().ListByAgent(ctx, agentID, false)
	if err != nil {
		return nil, fmt.Errorf("list messages for agent %s: %w", agentID, err)
	}
	return filterAndLimit(all, unreadOnly, limit), nil
}

// filterAndLimit reverses msgs into most-recent-first order (both repo
// List methods return oldest-first), drops read messages if unreadOnly,
// and caps the result at limit (0 means unlimited).
func filterAndLimit(msgs []*domain.AgentMessage, unreadOnly bool, limit int) []*domain.AgentMessage {
	var filtered []*domain.AgentMessage
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if unreadOnly && m.ReadAt != nil {
			continue
		}
		filtered = append(filtered, m)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// GetOrCreateThread returns the existing active thread of threadType whose
// participant set exactly matches participants (and whose ticket/task
// scope matches, where provided), or creates a new one.
func (b *Bus) GetOrCreateThread(ctx context.Context, participants []domain.AgentID, ticketID *domain.TicketID, taskID *domain.TaskID, threadType domain.ThreadType) (*domain.CollaborationThread, error) {
	status := domain.ThreadStatusActive
	existing, err := b.store.Threads().List(ctx, ticketID, taskID, &status)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	want := make(map[domain.AgentID]struct{}, len(participants))
	for _, p := range participants {
		want[p] = struct{}{}
	}

	for _, th := range existing {
		if th.Type != threadType {
			continue
		}
		if taskID != nil && (th.TaskID == nil || *th.TaskID != *taskID) {
			continue
		}
		if sameParticipants(th.Participants, want) {
			return th, nil
		}
	}

	return b.CreateThread(ctx, threadType, participants, ticketID, taskID, nil)
}

func sameParticipants(got []domain.AgentID, want map[domain.AgentID]struct{}) bool {
	if len(got) != len(want) {
		return false
	}
	for _, p := range got {
		if _, ok := want[p]; !ok {
			return false
		}
	}
	return true
}

// BroadcastResult reports the outcome of a BroadcastMessage call.
type BroadcastResult struct {
	RecipientCount int
	ThreadID       domain.ThreadID
	MessageID      domain.LockID
}

// BroadcastMessage sends content from from to every currently active agent
// (one that is neither quarantined nor dead) other than the sender: it
// computes the recipient set, creates a new consultation thread scoped to
// all participants (an existing thread is not reused), and sends one
// message with ToAgentID nil and Metadata["recipient_count"] set.
func (b *Bus) BroadcastMessage(ctx context.Context, from domain.AgentID, content string, msgType domain.MessageType, ticketID *domain.TicketID, taskID *domain.TaskID) (*BroadcastResult, error) {
	agents, err := b.store.Agents().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var recipients []domain.AgentID
	for _, a := range agents {
		if a.ID == from {
			continue
		}
		if a.Status == domain.AgentStatusDead || a.Status == domain.AgentStatusQuarantined {
			continue
		}
		recipients = append(recipients, a.ID)
	}

	if len(recipients) == 0 {
		return &BroadcastResult{RecipientCount: 0}, nil
	}

	participants := append([]domain.AgentID{from}, recipients...)
	th, err := b.CreateThread(ctx, domain.ThreadTypeConsultation, participants, ticketID, taskID, map[string]any{
		"broadcast":    true,
		"message_type": string(msgType),
	})
	if err != nil {
		return nil, err
	}

	msg := &domain.AgentMessage{
		ID:          domain.LockID(uuid.NewString()),
		ThreadID:    th.ID,
		FromAgentID: from,
		ToAgentID:   nil,
		Type:        msgType,
		Content:     content,
		Metadata: map[string]any{
			"broadcast":       true,
			"recipient_count": len(recipients),
		},
		CreatedAt: time.Now(),
	}
	if err := b.store.Messages().Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create broadcast message: %w", err)
	}

	b.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventCollabMessage,
		EntityType: "message",
		EntityID:   string(msg.ID),
		Payload: map[string]any{
			"thread_id":       string(th.ID),
			"from_agent_id":   string(from),
			"message_type":    string(msgType),
			"recipient_count": len(recipients),
		},
		Timestamp: msg.CreatedAt,
	})

	b.deliver(ctx, msg, recipients, true)

	return &BroadcastResult{
		RecipientCount: len(recipients),
		ThreadID:       th.ID,
		MessageID:      msg.ID,
	}, nil
}

// RequestHandoff creates a handoff thread scoped to taskID and sends the
// initial handoff_request message to the target agent.
func (b *Bus) RequestHandoff(ctx context.Context, from, to domain.AgentID, taskID domain.TaskID, reason string, handoffContext map[string]any) (*domain.CollaborationThread, *domain.AgentMessage, error) {
	th, err := b.CreateThread(ctx, domain.ThreadTypeHandoff, []domain.AgentID{from, to}, nil, &taskID, map[string]any{
		"initiator": string(from),
		"reason":    reason,
	})
	if err != nil {
		return nil, nil, err
	}

	msg, err := b.SendMessage(ctx, th.ID, from, domain.MessageTypeHandoffRequest, reason, &to, handoffContext)
	if err != nil {
		return nil, nil, err
	}

	b.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventCollabHandoff,
		EntityType: "handoff",
		EntityID:   string(th.ID),
		Payload: map[string]any{
			"thread_id":     string(th.ID),
			"from_agent_id": string(from),
			"to_agent_id":   string(to),
			"task_id":       string(taskID),
			"reason":        reason,
		},
		Timestamp: time.Now(),
	})

	return th, msg, nil
}

// AcceptHandoff accepts a pending handoff: it records the acceptance
// message and, if the thread names a task, reassigns that task to the
// accepting agent under a single transaction. Reassignment is an
// enrichment over plain acknowledgement: a handoff that isn't followed by
// an actual ownership change is not a handoff.
func (b *Bus) AcceptHandoff(ctx context.Context, threadID domain.ThreadID, acceptingAgent domain.AgentID, message string) (*domain.AgentMessage, error) {
	th, err := b.store.Threads().Get(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	if message == "" {
		message = "Handoff accepted"
	}

	response, err := b.SendMessage(ctx, threadID, acceptingAgent, domain.MessageTypeHandoffAccepted, message, nil, nil)
	if err != nil {
		return nil, err
	}

	if th.TaskID != nil {
		taskID := *th.TaskID
		err := b.store.WithTx(ctx, func(tx store.Store) error {
			task, err := tx.Tasks().GetForUpdate(ctx, taskID)
			if err != nil {
				return fmt.Errorf("get task %s for update: %w", taskID, err)
			}
			task.AssignedAgentID = &acceptingAgent
			task.UpdatedAt = time.Now()
			return tx.Tasks().Update(ctx, task)
		})
		if err != nil {
			return nil, fmt.Errorf("reassign task %s on handoff accept: %w", taskID, err)
		}
	}

	b.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventCollabHandoff,
		EntityType: "handoff",
		EntityID:   string(threadID),
		Payload: map[string]any{
			"thread_id":        string(threadID),
			"accepting_agent":  string(acceptingAgent),
			"task_id":          th.TaskID,
		},
		Timestamp: time.Now(),
	})

	return response, nil
}

// DeclineHandoff records a declined handoff; the task's assignment is left
// untouched.
func (b *Bus) DeclineHandoff(ctx context.Context, threadID domain.ThreadID, decliningAgent domain.AgentID, reason string) (*domain.AgentMessage, error) {
	response, err := b.SendMessage(ctx, threadID, decliningAgent, domain.MessageTypeHandoffDeclined, reason, nil, nil)
	if err != nil {
		return nil, err
	}

	b.bus.Publish(domain.Event{
		ID:         domain.LockID(uuid.NewString()),
		Type:       domain.EventCollabHandoff,
		EntityType: "handoff",
		EntityID:   string(threadID),
		Payload: map[string]any{
			"thread_id":        string(threadID),
			"declining_agent":  string(decliningAgent),
			"reason":           reason,
		},
		Timestamp: time.Now(),
	})

	return response, nil
}

// deliver attempts best-effort live delivery of msg to each recipient's
// active sandbox or runtime session. Failures are logged and swallowed:
// the persisted message row is the record of truth regardless of whether
// any recipient sees it immediately.
func (b *Bus) deliver(ctx context.Context, msg *domain.AgentMessage, recipients []domain.AgentID, isBroadcast bool) {
	formatted := formatDelivery(msg, isBroadcast)

	for _, recipient := range recipients {
		tasks, err := b.store.Tasks().ListByAgent(ctx, recipient, false)
		if err != nil {
			b.logFailure("list tasks for delivery", recipient, err)
			continue
		}

		var active *domain.Task
		for _, t := range tasks {
			if t.Status == domain.TaskStatusRunning {
				active = t
				break
			}
		}
		if active == nil {
			continue
		}

		switch {
		case active.SandboxID != nil && b.sandbox != nil:
			if err := b.sandbox.InjectMessage(ctx, *active.SandboxID, formatted); err != nil {
				b.logFailure("sandbox delivery", recipient, err)
			}
		case active.RuntimeSessionID != nil && b.runtime != nil:
			if err := b.runtime.InjectMessage(ctx, *active.RuntimeSessionID, formatted); err != nil {
				b.logFailure("agent-runtime delivery", recipient, err)
			}
		}
	}
}

func (b *Bus) logFailure(stage string, recipient domain.AgentID, err error) {
	if b.logger == nil {
		return
	}
	b.logger.Warn("collaboration message delivery failed",
		zap.String("stage", stage),
		zap.String("recipient", string(recipient)),
		zap.Error(err))
}

func formatDelivery(msg *domain.AgentMessage, isBroadcast bool) string {
	sender := shortID(string(msg.FromAgentID))
	prefix := ""
	if urgency := extractUrgency(msg.Metadata); urgency != "" {
		prefix = fmt.Sprintf("[URGENCY:%s] ", urgency)
	}

	switch {
	case isBroadcast:
		return fmt.Sprintf("[AGENT %s BROADCAST]: %s%s", sender, prefix, msg.Content)
	case msg.ToAgentID != nil:
		return fmt.Sprintf("[AGENT %s TO AGENT %s]: %s%s", sender, shortID(string(*msg.ToAgentID)), prefix, msg.Content)
	default:
		return fmt.Sprintf("[AGENT %s]: %s%s", sender, prefix, msg.Content)
	}
}

// extractUrgency pulls an optional urgency/priority hint out of an
// arbitrary metadata map without the caller needing to know its shape.
func extractUrgency(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	iter := handoffUrgencyQuery.Run(metadata)
	v, ok := iter.Next()
	if !ok || v == nil {
		return ""
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
