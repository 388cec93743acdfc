// Package memstore is an in-memory implementation of pkg/store.Store used
// by component tests that need a working persistence layer without a live
// PostgreSQL instance.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/store"
)

// Store is a single mutex-guarded in-memory implementation of
// store.Store. Each repo call is atomic on its own; WithTx adds neither
// mutual exclusion across its closure nor a rollback phase (see WithTx).
type Store struct {
	mu sync.Mutex

	tickets   map[domain.TicketID]*domain.Ticket
	tasks     map[domain.TaskID]*domain.Task
	agents    map[domain.AgentID]*domain.Agent
	locks     map[string]*domain.ResourceLock
	baselines map[string]*domain.AgentBaseline
	anomalies map[domain.LockID]*domain.MonitorAnomaly
	threads   map[domain.ThreadID]*domain.CollaborationThread
	messages  map[domain.LockID]*domain.AgentMessage
	events    []*domain.Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tickets:   make(map[domain.TicketID]*domain.Ticket),
		tasks:     make(map[domain.TaskID]*domain.Task),
		agents:    make(map[domain.AgentID]*domain.Agent),
		locks:     make(map[string]*domain.ResourceLock),
		baselines: make(map[string]*domain.AgentBaseline),
		anomalies: make(map[domain.LockID]*domain.MonitorAnomaly),
		threads:   make(map[domain.ThreadID]*domain.CollaborationThread),
		messages:  make(map[domain.LockID]*domain.AgentMessage),
	}
}

func (s *Store) Tickets() store.TicketRepo     { return (*ticketRepo)(s) }
func (s *Store) Tasks() store.TaskRepo         { return (*taskRepo)(s) }
func (s *Store) Agents() store.AgentRepo       { return (*agentRepo)(s) }
func (s *Store) Locks() store.LockRepo         { return (*lockRepo)(s) }
func (s *Store) Baselines() store.BaselineRepo { return (*baselineRepo)(s) }
func (s *Store) Anomalies() store.AnomalyRepo  { return (*anomalyRepo)(s) }
func (s *Store) Threads() store.ThreadRepo     { return (*threadRepo)(s) }
func (s *Store) Messages() store.MessageRepo   { return (*messageRepo)(s) }
func (s *Store) Events() store.EventRepo       { return (*eventRepo)(s) }

// WithTx runs fn against s directly. Every repo method already takes the
// Store's mutex for the duration of its own call, so fn's individual reads
// and writes are each atomic; WithTx does not additionally hold the lock
// across the whole closure; s.mu is not reentrant and fn's repo calls
// would deadlock against it. This trades away true cross-call isolation
// for the in-memory double, which only matters for concurrent callers.
// Writes made before fn returns an error are kept.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

type ticketRepo Store

func (r *ticketRepo) Create(ctx context.Context, t *domain.Ticket) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *t
	r.tickets[t.ID] = &cp
	return nil
}

func (r *ticketRepo) Get(ctx context.Context, id domain.TicketID) (*domain.Ticket, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	t, ok := r.tickets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *ticketRepo) Update(ctx context.Context, t *domain.Ticket) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	if _, ok := r.tickets[t.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *t
	r.tickets[t.ID] = &cp
	return nil
}

func (r *ticketRepo) List(ctx context.Context, status domain.TicketStatus) ([]*domain.Ticket, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Ticket
	for _, t := range r.tickets {
		if status == "" || t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type taskRepo Store

func (r *taskRepo) Create(ctx context.Context, t *domain.Task) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *taskRepo) get(id domain.TaskID) (*domain.Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *taskRepo) Get(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	return r.get(id)
}

// GetForUpdate behaves identically to Get: the in-memory store's single
// mutex already serializes every access, so there is no separate row-lock
// step to model.
func (r *taskRepo) GetForUpdate(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	return r.get(id)
}

func (r *taskRepo) Update(ctx context.Context, t *domain.Task) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *taskRepo) ListByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *taskRepo) ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.Task, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.TicketID == ticketID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *taskRepo) ListByAgent(ctx context.Context, agentID domain.AgentID, includeTerminal bool) ([]*domain.Task, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.AssignedAgentID == nil || *t.AssignedAgentID != agentID {
			continue
		}
		if !includeTerminal && t.Status.IsTerminal() {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type agentRepo Store

func (r *agentRepo) Create(ctx context.Context, a *domain.Agent) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *a
	r.agents[a.ID] = &cp
	return nil
}

func (r *agentRepo) Get(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *agentRepo) Update(ctx context.Context, a *domain.Agent) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	if _, ok := r.agents[a.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *a
	r.agents[a.ID] = &cp
	return nil
}

func (r *agentRepo) List(ctx context.Context) ([]*domain.Agent, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Agent
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *agentRepo) ListByStatus(ctx context.Context, status domain.AgentStatus) ([]*domain.Agent, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Agent
	for _, a := range r.agents {
		if a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type lockRepo Store

func (r *lockRepo) Acquire(ctx context.Context, l *domain.ResourceLock) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()

	if existing, ok := r.locks[l.ResourceKey]; ok && !existing.Expired(time.Now()) {
		if !existing.Type.Compatible(l.Type) {
			return store.ErrAlreadyLocked
		}
	}
	cp := *l
	r.locks[l.ResourceKey] = &cp
	return nil
}

func (r *lockRepo) Get(ctx context.Context, resourceKey string) (*domain.ResourceLock, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	l, ok := r.locks[resourceKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *lockRepo) GetForUpdate(ctx context.Context, resourceKey string) (*domain.ResourceLock, error) {
	return r.Get(ctx, resourceKey)
}

func (r *lockRepo) Update(ctx context.Context, l *domain.ResourceLock) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	if _, ok := r.locks[l.ResourceKey]; !ok {
		return store.ErrNotFound
	}
	cp := *l
	r.locks[l.ResourceKey] = &cp
	return nil
}

func (r *lockRepo) Release(ctx context.Context, resourceKey string, expectedVersion int) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	l, ok := r.locks[resourceKey]
	if !ok {
		return store.ErrNotFound
	}
	if l.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	delete(r.locks, resourceKey)
	return nil
}

func (r *lockRepo) ListByTask(ctx context.Context, taskID domain.TaskID) ([]*domain.ResourceLock, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.ResourceLock
	for _, l := range r.locks {
		if l.TaskID == taskID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

func (r *lockRepo) ListExpired(ctx context.Context, asOf time.Time) ([]*domain.ResourceLock, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.ResourceLock
	for _, l := range r.locks {
		if l.Expired(asOf) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

func (r *lockRepo) ListActive(ctx context.Context) ([]*domain.ResourceLock, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.ResourceLock
	now := time.Now()
	for _, l := range r.locks {
		if !l.Expired(now) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

type baselineRepo Store

func key(agentType, phaseID string) string {
	if phaseID == "" {
		return agentType
	}
	return agentType + ":" + phaseID
}

func (r *baselineRepo) Get(ctx context.Context, agentType, phaseID string) (*domain.AgentBaseline, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	b, ok := r.baselines[key(agentType, phaseID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *baselineRepo) Upsert(ctx context.Context, b *domain.AgentBaseline) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *b
	r.baselines[key(b.AgentType, b.PhaseID)] = &cp
	return nil
}

func (r *baselineRepo) List(ctx context.Context) ([]*domain.AgentBaseline, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.AgentBaseline
	for _, b := range r.baselines {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

type anomalyRepo Store

func (r *anomalyRepo) Create(ctx context.Context, a *domain.MonitorAnomaly) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *a
	r.anomalies[a.ID] = &cp
	return nil
}

func (r *anomalyRepo) Get(ctx context.Context, id domain.LockID) (*domain.MonitorAnomaly, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	a, ok := r.anomalies[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *anomalyRepo) Update(ctx context.Context, a *domain.MonitorAnomaly) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	if _, ok := r.anomalies[a.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *a
	r.anomalies[a.ID] = &cp
	return nil
}

func (r *anomalyRepo) ListRecent(ctx context.Context, agentID domain.AgentID, limit int) ([]*domain.MonitorAnomaly, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.MonitorAnomaly
	for _, a := range r.anomalies {
		if a.AgentID == agentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *anomalyRepo) ListByAgentSince(ctx context.Context, agentID domain.AgentID, since time.Time) ([]*domain.MonitorAnomaly, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.MonitorAnomaly
	for _, a := range r.anomalies {
		if a.AgentID == agentID && !a.DetectedAt.Before(since) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

type threadRepo Store

func (r *threadRepo) Create(ctx context.Context, th *domain.CollaborationThread) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *th
	r.threads[th.ID] = &cp
	return nil
}

func (r *threadRepo) Get(ctx context.Context, id domain.ThreadID) (*domain.CollaborationThread, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	th, ok := r.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *th
	return &cp, nil
}

func (r *threadRepo) Update(ctx context.Context, th *domain.CollaborationThread) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	if _, ok := r.threads[th.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *th
	r.threads[th.ID] = &cp
	return nil
}

func (r *threadRepo) List(ctx context.Context, ticketID *domain.TicketID, taskID *domain.TaskID, status *domain.ThreadStatus) ([]*domain.CollaborationThread, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.CollaborationThread
	for _, th := range r.threads {
		if ticketID != nil && (th.TicketID == nil || *th.TicketID != *ticketID) {
			continue
		}
		if taskID != nil && (th.TaskID == nil || *th.TaskID != *taskID) {
			continue
		}
		if status != nil && th.Status != *status {
			continue
		}
		cp := *th
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *threadRepo) FindOpenByScope(ctx context.Context, threadType domain.ThreadType, ticketID *domain.TicketID, taskID *domain.TaskID) (*domain.CollaborationThread, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	for _, th := range r.threads {
		if th.Type != threadType || th.Status != domain.ThreadStatusActive {
			continue
		}
		if ticketID != nil {
			if th.TicketID == nil || *th.TicketID != *ticketID {
				continue
			}
		}
		if taskID != nil {
			if th.TaskID == nil || *th.TaskID != *taskID {
				continue
			}
		}
		cp := *th
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

type messageRepo Store

func (r *messageRepo) Create(ctx context.Context, m *domain.AgentMessage) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *m
	r.messages[m.ID] = &cp
	return nil
}

func (r *messageRepo) Get(ctx context.Context, id domain.LockID) (*domain.AgentMessage, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *messageRepo) Update(ctx context.Context, m *domain.AgentMessage) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	if _, ok := r.messages[m.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *m
	r.messages[m.ID] = &cp
	return nil
}

func (r *messageRepo) ListByThread(ctx context.Context, threadID domain.ThreadID) ([]*domain.AgentMessage, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.AgentMessage
	for _, m := range r.messages {
		if m.ThreadID == threadID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *messageRepo) ListByAgent(ctx context.Context, agentID domain.AgentID, unreadOnly bool) ([]*domain.AgentMessage, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.AgentMessage
	for _, m := range r.messages {
		toMatch := m.ToAgentID != nil && *m.ToAgentID == agentID
		fromMatch := m.FromAgentID == agentID
		if !toMatch && !fromMatch {
			continue
		}
		if unreadOnly && m.ReadAt != nil {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type eventRepo Store

func (r *eventRepo) Create(ctx context.Context, e *domain.Event) error {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	cp := *e
	r.events = append(r.events, &cp)
	return nil
}

func (r *eventRepo) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*domain.Event, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if e.EntityType == entityType && e.EntityID == entityID {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *eventRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]*domain.Event, error) {
	(*Store)(r).mu.Lock()
	defer (*Store)(r).mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if !e.Timestamp.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
