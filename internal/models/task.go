// Package models provides data model definitions for TaskDeck Core.
package models

import "fmt"

// TaskStatus represents the workflow state of a task.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusDone       TaskStatus = "done"
)

// Task represents a single tracked task on a board.
type Task struct {
	ID        UUID       `db:"id" json:"id"`
	ProjectID UUID       `db:"project_id" json:"project_id"`
	ParentID  UUID       `db:"parent_id" json:"parent_id,omitempty"`
	Title     string     `db:"title" json:"title"`
	Content   string     `db:"content" json:"content,omitempty"`
	Stage     string     `db:"stage" json:"stage,omitempty"`
	Status    TaskStatus `db:"status" json:"status"`
	Rank      string     `db:"rank" json:"rank,omitempty"` // lexicographic ordering rank
	Tags      string     `db:"tags" json:"tags,omitempty"` // Comma-separated
	PosX      float64    `db:"pos_x" json:"pos_x"`
	PosY      float64    `db:"pos_y" json:"pos_y"`
	CreatedAt int64      `db:"created_at" json:"created_at"`
	UpdatedAt int64      `db:"updated_at" json:"updated_at"`
	DeletedAt int64      `db:"deleted_at" json:"deleted_at,omitempty"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// Touch updates the UpdatedAt timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = NowMillis()
}

// Deleted reports whether the task is soft-deleted.
func (t *Task) Deleted() bool {
	return t.DeletedAt != 0
}

// EntityID implements Entity.
func (t *Task) EntityID() UUID { return t.ID }

// Kind implements Entity.
func (t *Task) Kind() EntityType { return EntityTask }

// ProjectRef implements Entity.
func (t *Task) ProjectRef() UUID { return t.ProjectID }

// ModifiedAt implements Entity.
func (t *Task) ModifiedAt() int64 { return t.UpdatedAt }

// RemovedAt implements Entity.
func (t *Task) RemovedAt() int64 { return t.DeletedAt }

// SetModifiedAt implements Entity.
func (t *Task) SetModifiedAt(ts int64) { t.UpdatedAt = ts }

// SetRemovedAt implements Entity.
func (t *Task) SetRemovedAt(ts int64) { t.DeletedAt = ts }

// CloneEntity implements Entity.
func (t *Task) CloneEntity() Entity {
	c := *t
	return &c
}

// MaxParentDepth bounds parent-chain traversal. Chains deeper than this are
// treated as malformed data rather than walked further.
const MaxParentDepth = 32

// ErrParentDepthExceeded is returned by ParentChain when a chain exceeds
// MaxParentDepth without reaching a root.
var ErrParentDepthExceeded = fmt.Errorf("parent chain exceeds max depth %d", MaxParentDepth)

// ErrParentCycle is returned by ParentChain when the same task id appears
// twice in a chain.
var ErrParentCycle = fmt.Errorf("parent chain contains a cycle")

// ParentChain walks the parent references of a task iteratively and returns
// the ancestor ids from the immediate parent up to the root.
//
// The walk uses an explicit visited set and a hard depth bound so malformed
// or cyclic data can never exhaust the stack. Missing parents terminate the
// chain silently; the local store is allowed to hold partial trees while
// offline.
func ParentChain(byID map[UUID]*Task, start UUID) ([]UUID, error) {
	task, ok := byID[start]
	if !ok {
		return nil, nil
	}

	visited := map[UUID]bool{start: true}
	chain := make([]UUID, 0, 4)

	cur := task.ParentID
	for depth := 0; cur != ""; depth++ {
		if depth >= MaxParentDepth {
			return chain, ErrParentDepthExceeded
		}
		if visited[cur] {
			return chain, ErrParentCycle
		}
		visited[cur] = true
		chain = append(chain, cur)

		parent, ok := byID[cur]
		if !ok {
			break
		}
		cur = parent.ParentID
	}

	return chain, nil
}
