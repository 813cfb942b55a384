// Package models provides data model definitions for TaskDeck Core.
package models

// Project represents a board grouping tasks and connections.
type Project struct {
	ID          UUID   `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description,omitempty"`
	Color       string `db:"color" json:"color,omitempty"`
	Rank        string `db:"rank" json:"rank,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
	UpdatedAt   int64  `db:"updated_at" json:"updated_at"`
	DeletedAt   int64  `db:"deleted_at" json:"deleted_at,omitempty"`
}

// TableName returns the table name for Project.
func (Project) TableName() string {
	return "projects"
}

// Touch updates the UpdatedAt timestamp.
func (p *Project) Touch() {
	p.UpdatedAt = NowMillis()
}

// Deleted reports whether the project is soft-deleted.
func (p *Project) Deleted() bool {
	return p.DeletedAt != 0
}

// EntityID implements Entity.
func (p *Project) EntityID() UUID { return p.ID }

// Kind implements Entity.
func (p *Project) Kind() EntityType { return EntityProject }

// ProjectRef implements Entity. A project is its own sync domain.
func (p *Project) ProjectRef() UUID { return p.ID }

// ModifiedAt implements Entity.
func (p *Project) ModifiedAt() int64 { return p.UpdatedAt }

// RemovedAt implements Entity.
func (p *Project) RemovedAt() int64 { return p.DeletedAt }

// SetModifiedAt implements Entity.
func (p *Project) SetModifiedAt(ts int64) { p.UpdatedAt = ts }

// SetRemovedAt implements Entity.
func (p *Project) SetRemovedAt(ts int64) { p.DeletedAt = ts }

// CloneEntity implements Entity.
func (p *Project) CloneEntity() Entity {
	c := *p
	return &c
}
