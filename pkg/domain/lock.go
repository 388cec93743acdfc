package domain

import "time"

// LockType is the acquisition mode of a ResourceLock.
type LockType string

const (
	LockTypeExclusive LockType = "exclusive"
	LockTypeShared    LockType = "shared"
)

// Valid reports whether t is one of the defined lock types.
func (t LockType) Valid() bool {
	return t == LockTypeExclusive || t == LockTypeShared
}

// Compatible reports whether a new lock request of type other may coexist
// with an already-held lock of type t. Two shared locks are compatible;
// any combination involving exclusive is not.
func (t LockType) Compatible(other LockType) bool {
	return t == LockTypeShared && other == LockTypeShared
}

// ResourceLock grants a task exclusive or shared access to a named
// resource, with optimistic versioning and TTL-based expiry.
type ResourceLock struct {
	ID          LockID
	ResourceKey string
	TaskID      TaskID
	AgentID     AgentID
	Type        LockType
	AcquiredAt  time.Time
	ExpiresAt   *time.Time
	Version     int
}

// Expired reports whether the lock's TTL has elapsed as of now.
func (l *ResourceLock) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}
