package lock

import (
	"context"
	"testing"
	"time"

	"github.com/omoios/orchestrator/pkg/domain"
	"github.com/omoios/orchestrator/pkg/store/memstore"
)

func TestAcquireExclusiveThenConflict(t *testing.T) {
	ctx := context.Background()
	m := New(memstore.New())

	lock1, err := m.Acquire(ctx, "file:/a.py", "t1", "a1", domain.LockTypeExclusive, time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if lock1.ResourceKey != "file:/a.py" {
		t.Fatalf("unexpected resource key: %v", lock1.ResourceKey)
	}

	_, err = m.Acquire(ctx, "file:/a.py", "t2", "a2", domain.LockTypeExclusive, time.Minute)
	if err != ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestAcquireSharedLocksCompatible(t *testing.T) {
	ctx := context.Background()
	m := New(memstore.New())

	if _, err := m.Acquire(ctx, "config.yaml", "t1", "a1", domain.LockTypeShared, time.Minute); err != nil {
		t.Fatalf("first shared acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "config.yaml", "t2", "a2", domain.LockTypeShared, time.Minute); err != nil {
		t.Fatalf("second shared acquire: %v", err)
	}
}

func TestSharedConflictsWithExclusive(t *testing.T) {
	ctx := context.Background()
	m := New(memstore.New())

	if _, err := m.Acquire(ctx, "payment_api", "t1", "a1", domain.LockTypeExclusive, time.Minute); err != nil {
		t.Fatalf("exclusive acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "payment_api", "t2", "a2", domain.LockTypeShared, time.Minute); err != ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	ctx := context.Background()
	m := New(memstore.New())

	lock, err := m.Acquire(ctx, "file.py", "t1", "a1", domain.LockTypeExclusive, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, lock.ResourceKey, lock.Version); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, "file.py", "t1", "a1", domain.LockTypeExclusive, time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestAcquireAllRollsBackOnConflict(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	m := New(st)

	if _, err := m.Acquire(ctx, "res-b", "t0", "a0", domain.LockTypeExclusive, time.Minute); err != nil {
		t.Fatalf("pre-lock res-b: %v", err)
	}

	_, err := m.AcquireAll(ctx, []string{"res-a", "res-b", "res-c"}, "t1", "a1", domain.LockTypeExclusive, time.Minute)
	if err != ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	locked, err := m.IsLocked(ctx, "res-a")
	if err != nil {
		t.Fatalf("IsLocked: %v", err)
	}
	if locked {
		t.Fatal("res-a should have been rolled back after conflict on res-b")
	}
}

func TestCleanupExpiredReleasesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	m := New(memstore.New())

	if _, err := m.Acquire(ctx, "expiring", "t1", "a1", domain.LockTypeExclusive, -time.Minute); err != nil {
		t.Fatalf("acquire expiring: %v", err)
	}
	if _, err := m.Acquire(ctx, "fresh", "t2", "a2", domain.LockTypeExclusive, time.Hour); err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}

	released, err := m.CleanupExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}

	locked, _ := m.IsLocked(ctx, "fresh")
	if !locked {
		t.Fatal("fresh lock should remain held")
	}
}

func TestReleaseTaskLocksReleasesEverythingOwnedByTask(t *testing.T) {
	ctx := context.Background()
	m := New(memstore.New())

	if _, err := m.Acquire(ctx, "res-1", "t1", "a1", domain.LockTypeExclusive, time.Minute); err != nil {
		t.Fatalf("acquire res-1: %v", err)
	}
	if _, err := m.Acquire(ctx, "res-2", "t1", "a1", domain.LockTypeExclusive, time.Minute); err != nil {
		t.Fatalf("acquire res-2: %v", err)
	}

	if err := m.ReleaseTaskLocks(ctx, "t1"); err != nil {
		t.Fatalf("ReleaseTaskLocks: %v", err)
	}

	for _, key := range []string{"res-1", "res-2"} {
		locked, _ := m.IsLocked(ctx, key)
		if locked {
			t.Fatalf("%s should be released", key)
		}
	}
}
