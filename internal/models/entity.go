// Package models provides data model definitions for TaskDeck Core.
package models

import "time"

// EntityType identifies the kind of a synced entity.
type EntityType string

const (
	EntityTask       EntityType = "task"
	EntityProject    EntityType = "project"
	EntityConnection EntityType = "connection"
)

// IsValid reports whether the entity type is one of the known kinds.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityTask, EntityProject, EntityConnection:
		return true
	}
	return false
}

// RetentionWindow is how long a soft-deleted entity remains in the local
// store before it becomes eligible for hard deletion.
const RetentionWindow = 30 * 24 * time.Hour

// Entity is implemented by Task, Project and Connection so the store,
// conflict resolver and queue can operate uniformly over all three kinds.
//
// IDs are client-generated UUID v4, immutable, assigned at creation time.
// UpdatedAt is the sole last-write-wins discriminant and is bumped on every
// local or remote mutation. DeletedAt is zero for live entities; a non-zero
// value marks a soft delete.
type Entity interface {
	EntityID() UUID
	Kind() EntityType
	// ProjectRef returns the sync domain the entity belongs to.
	// For a Project this is its own ID.
	ProjectRef() UUID
	ModifiedAt() int64
	RemovedAt() int64
	SetModifiedAt(ts int64)
	SetRemovedAt(ts int64)
	// CloneEntity returns a deep copy, so the in-memory index never hands
	// out aliased pointers to callers.
	CloneEntity() Entity
}

// NowMillis returns the current wall-clock time in unix milliseconds, the
// timestamp resolution used for all sync bookkeeping.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
