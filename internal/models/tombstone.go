// Package models provides data model definitions for TaskDeck Core.
package models

import "time"

// Tombstone is an append-only record proving an entity was permanently
// purged from the remote store.
//
// Once a tombstone exists for an id, any subsequent write carrying that id,
// from any client, must be discarded. This is the defense against a stale
// offline client resurrecting a deleted entity by re-uploading its locally
// cached copy.
type Tombstone struct {
	EntityID   UUID       `db:"entity_id" json:"entity_id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	ProjectID  UUID       `db:"project_id" json:"project_id"`
	DeletedAt  int64      `db:"deleted_at" json:"deleted_at"`
	DeletedBy  string     `db:"deleted_by" json:"deleted_by,omitempty"`
}

// TableName returns the table name for Tombstone.
func (Tombstone) TableName() string {
	return "tombstones"
}

// DeletedAtTime returns DeletedAt as time.Time.
func (t *Tombstone) DeletedAtTime() time.Time {
	return time.UnixMilli(t.DeletedAt)
}
