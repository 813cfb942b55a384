// Package models provides data model definitions for TaskDeck Core.
package models

import "time"

// SyncDomain names a watermark scope: a single project, or the whole user
// account across all accessible projects.
type SyncDomain string

// DomainUser is the aggregate watermark across every accessible project.
const DomainUser SyncDomain = "user"

// ProjectDomain returns the watermark domain for a single project.
func ProjectDomain(projectID UUID) SyncDomain {
	return SyncDomain("project:" + string(projectID))
}

// Watermark records the newest remote updatedAt/tombstone time already
// durably incorporated locally for a sync domain.
//
// Pull requests always ask for updatedAt strictly greater than the
// watermark. A watermark only ever moves forward, and only after the
// pulled data has been durably merged.
type Watermark struct {
	Domain    SyncDomain `db:"domain" json:"domain"`
	Timestamp int64      `db:"timestamp" json:"timestamp"`
	UpdatedAt int64      `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Watermark.
func (Watermark) TableName() string {
	return "watermarks"
}

// Time returns the watermark position as time.Time.
func (w *Watermark) Time() time.Time {
	return time.UnixMilli(w.Timestamp)
}
