// Package models provides data model definitions for TaskDeck Core.
package models

import (
	"encoding/json"
	"fmt"
)

// ActionType represents the kind of a queued write operation.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
)

// ActionPriority orders queued actions within the pending queue.
type ActionPriority string

const (
	PriorityLow      ActionPriority = "low"
	PriorityNormal   ActionPriority = "normal"
	PriorityCritical ActionPriority = "critical"
)

// Weight returns a comparable ordering weight; higher drains first.
func (p ActionPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// ActionStatus represents the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusInProgress ActionStatus = "in_progress"
	ActionStatusBlocked    ActionStatus = "blocked"
	ActionStatusDeadLetter ActionStatus = "dead_letter"
)

// ActionPayload is the tagged union of per-entity action payloads. Each
// queued action carries exactly one variant matching its entity type, so
// adding a new entity kind fails to compile anywhere a switch is not
// exhaustive, instead of failing at runtime on an untyped bag.
type ActionPayload interface {
	PayloadKind() EntityType
	CloneEntityPayload() Entity
}

// TaskPayload carries a task snapshot plus the fields changed since the
// last confirmed push.
type TaskPayload struct {
	Task   *Task    `json:"task"`
	Fields []string `json:"fields,omitempty"`
}

// PayloadKind implements ActionPayload.
func (p *TaskPayload) PayloadKind() EntityType { return EntityTask }

// CloneEntityPayload implements ActionPayload.
func (p *TaskPayload) CloneEntityPayload() Entity { return p.Task.CloneEntity() }

// ProjectPayload carries a project snapshot plus changed fields.
type ProjectPayload struct {
	Project *Project `json:"project"`
	Fields  []string `json:"fields,omitempty"`
}

// PayloadKind implements ActionPayload.
func (p *ProjectPayload) PayloadKind() EntityType { return EntityProject }

// CloneEntityPayload implements ActionPayload.
func (p *ProjectPayload) CloneEntityPayload() Entity { return p.Project.CloneEntity() }

// ConnectionPayload carries a connection snapshot plus changed fields.
type ConnectionPayload struct {
	Connection *Connection `json:"connection"`
	Fields     []string    `json:"fields,omitempty"`
}

// PayloadKind implements ActionPayload.
func (p *ConnectionPayload) PayloadKind() EntityType { return EntityConnection }

// CloneEntityPayload implements ActionPayload.
func (p *ConnectionPayload) CloneEntityPayload() Entity { return p.Connection.CloneEntity() }

// PayloadFields returns the changed-field list carried by a payload.
func PayloadFields(p ActionPayload) []string {
	switch v := p.(type) {
	case *TaskPayload:
		return v.Fields
	case *ProjectPayload:
		return v.Fields
	case *ConnectionPayload:
		return v.Fields
	}
	return nil
}

// MarshalPayload serializes a payload variant for durable queue storage.
func MarshalPayload(p ActionPayload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("nil action payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.PayloadKind(), err)
	}
	return data, nil
}

// UnmarshalPayload reconstructs the payload variant matching entityType.
func UnmarshalPayload(entityType EntityType, data json.RawMessage) (ActionPayload, error) {
	switch entityType {
	case EntityTask:
		var p TaskPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
		}
		return &p, nil
	case EntityProject:
		var p ProjectPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal project payload: %w", err)
		}
		return &p, nil
	case EntityConnection:
		var p ConnectionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal connection payload: %w", err)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("unknown entity type %q", entityType)
}

// QueuedAction is the persisted form of a pending write operation.
type QueuedAction struct {
	ID          UUID            `db:"id" json:"id"`
	Type        ActionType      `db:"type" json:"type"`
	EntityType  EntityType      `db:"entity_type" json:"entity_type"`
	EntityID    UUID            `db:"entity_id" json:"entity_id"`
	ProjectID   UUID            `db:"project_id" json:"project_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Priority    ActionPriority  `db:"priority" json:"priority"`
	Status      ActionStatus    `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	// Seq preserves enqueue order across restarts.
	Seq       int64 `db:"seq" json:"seq"`
	CreatedAt int64 `db:"created_at" json:"created_at"`
	UpdatedAt int64 `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedAction.
func (QueuedAction) TableName() string {
	return "action_queue"
}

// DeadLetter records an action that exhausted its retries or failed on a
// non-retryable error, held for user decision (retry or dismiss).
type DeadLetter struct {
	ID       UUID         `db:"id" json:"id"`
	Action   QueuedAction `db:"-" json:"action"`
	Reason   string       `db:"reason" json:"reason"`
	Code     string       `db:"code" json:"code"`
	FailedAt int64        `db:"failed_at" json:"failed_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}
