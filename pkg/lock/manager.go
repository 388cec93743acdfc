// Package lock implements the orchestrator's resource lock manager:
// non-blocking optimistic acquisition, exclusive/shared compatibility,
// and TTL-based expiry.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/store"
	"golang.org/x/sync/singleflight"
)

// ErrConflict is returned by Acquire when an incompatible lock already
// holds the resource. Callers are expected to treat this as an ordinary
// control-flow outcome, not an exceptional one: a task that can't acquire
// a lock simply isn't ready yet.
var ErrConflict = errors.New("lock: resource held by an incompatible lock")

// Manager acquires and releases ResourceLocks against a Store, with a
// singleflight group de-duping concurrent expiry sweeps so multiple
// orchestrator goroutines calling CleanupExpired around the same tick
// don't race each other across the same expired rows.
type Manager struct {
	store store.Store
	sf    singleflight.Group
}

// New creates a Manager backed by st.
func New(st store.Store) *Manager {
	return &Manager{store: st}
}

// Acquire attempts to take a lock of the given type on resourceKey on
// behalf of taskID/agentID. Returns ErrConflict, not a panic or generic
// error, when an incompatible lock already holds the resource.
func (m *Manager) Acquire(ctx context.Context, resourceKey string, taskID domain.TaskID, agentID domain.AgentID, lockType domain.LockType, ttl time.Duration) (*domain.ResourceLock, error) {
	var expiresAt *time.Time
	if ttl != 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	l := &domain.ResourceLock{
		ID:          domain.LockID(uuid.NewString()),
		ResourceKey: resourceKey,
		TaskID:      taskID,
		AgentID:     agentID,
		Type:        lockType,
		AcquiredAt:  time.Now(),
		ExpiresAt:   expiresAt,
		Version:     0,
	}

	if err := m.store.Locks().Acquire(ctx, l); err != nil {
		if errors.Is(err, store.ErrAlreadyLocked) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return l, nil
}

// AcquireAll attempts to acquire every requested lock in the given order.
// The caller is responsible for presenting resourceKeys in a globally
// consistent order (e.g. lexicographic) so concurrent callers requesting
// overlapping lock sets never deadlock against each other. On the first
// conflict, every lock already acquired in this call is rolled back and
// ErrConflict is returned.
func (m *Manager) AcquireAll(ctx context.Context, resourceKeys []string, taskID domain.TaskID, agentID domain.AgentID, lockType domain.LockType, ttl time.Duration) ([]*domain.ResourceLock, error) {
	acquired := make([]*domain.ResourceLock, 0, len(resourceKeys))
	for _, key := range resourceKeys {
		l, err := m.Acquire(ctx, key, taskID, agentID, lockType, ttl)
		if err != nil {
			for _, held := range acquired {
				_ = m.Release(ctx, held.ResourceKey, held.Version)
			}
			return nil, err
		}
		acquired = append(acquired, l)
	}
	return acquired, nil
}

// Release deletes the lock on resourceKey if its stored version equals
// expectedVersion, and returns store.ErrVersionConflict otherwise. The
// version is not bumped on release, and Acquire stores every new lock with
// version 0, so the check does not tell a lock apart from a later lock on
// the same key.
func (m *Manager) Release(ctx context.Context, resourceKey string, expectedVersion int) error {
	return m.store.Locks().Release(ctx, resourceKey, expectedVersion)
}

// ReleaseTaskLocks releases every lock currently held by taskID,
// regardless of version, since the task owns them outright by
// construction.
func (m *Manager) ReleaseTaskLocks(ctx context.Context, taskID domain.TaskID) error {
	locks, err := m.store.Locks().ListByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if err := m.store.Locks().Release(ctx, l.ResourceKey, l.Version); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// CleanupExpired releases every lock whose TTL has elapsed as of now. A
// singleflight key de-dupes overlapping calls from concurrent sweepers so
// the same batch of expired locks isn't processed twice.
func (m *Manager) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	result, err, _ := m.sf.Do("cleanup-expired", func() (interface{}, error) {
		expired, err := m.store.Locks().ListExpired(ctx, now)
		if err != nil {
			return 0, err
		}
		released := 0
		for _, l := range expired {
			if err := m.store.Locks().Release(ctx, l.ResourceKey, l.Version); err != nil {
				if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrNotFound) {
					continue
				}
				return released, err
			}
			released++
		}
		return released, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// IsLocked reports whether resourceKey is currently held by an
// unexpired lock.
func (m *Manager) IsLocked(ctx context.Context, resourceKey string) (bool, error) {
	l, err := m.store.Locks().Get(ctx, resourceKey)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !l.Expired(time.Now()), nil
}

// ListActive returns every currently unexpired lock.
func (m *Manager) ListActive(ctx context.Context) ([]*domain.ResourceLock, error) {
	return m.store.Locks().ListActive(ctx)
}
