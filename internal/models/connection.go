// Package models provides data model definitions for TaskDeck Core.
package models

// Connection represents a directed edge between two tasks on a flow board.
//
// The data layer does not enforce acyclicity; cycle tolerance is a concern
// of whoever renders the graph. Traversals over connections must use
// WalkConnections, which is iterative and depth-bounded.
type Connection struct {
	ID         UUID   `db:"id" json:"id"`
	ProjectID  UUID   `db:"project_id" json:"project_id"`
	FromTaskID UUID   `db:"from_task_id" json:"from_task_id"`
	ToTaskID   UUID   `db:"to_task_id" json:"to_task_id"`
	Label      string `db:"label" json:"label,omitempty"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
	DeletedAt  int64  `db:"deleted_at" json:"deleted_at,omitempty"`
}

// TableName returns the table name for Connection.
func (Connection) TableName() string {
	return "connections"
}

// Touch updates the UpdatedAt timestamp.
func (c *Connection) Touch() {
	c.UpdatedAt = NowMillis()
}

// Deleted reports whether the connection is soft-deleted.
func (c *Connection) Deleted() bool {
	return c.DeletedAt != 0
}

// EntityID implements Entity.
func (c *Connection) EntityID() UUID { return c.ID }

// Kind implements Entity.
func (c *Connection) Kind() EntityType { return EntityConnection }

// ProjectRef implements Entity.
func (c *Connection) ProjectRef() UUID { return c.ProjectID }

// ModifiedAt implements Entity.
func (c *Connection) ModifiedAt() int64 { return c.UpdatedAt }

// RemovedAt implements Entity.
func (c *Connection) RemovedAt() int64 { return c.DeletedAt }

// SetModifiedAt implements Entity.
func (c *Connection) SetModifiedAt(ts int64) { c.UpdatedAt = ts }

// SetRemovedAt implements Entity.
func (c *Connection) SetRemovedAt(ts int64) { c.DeletedAt = ts }

// CloneEntity implements Entity.
func (c *Connection) CloneEntity() Entity {
	cp := *c
	return &cp
}

// MaxWalkDepth bounds breadth-first walks over the connection graph.
const MaxWalkDepth = 64

// WalkConnections performs a breadth-first walk over the connection graph
// starting from a task and returns every reachable task id.
//
// The walk is iterative with an explicit frontier queue and visited set, so
// cyclic graphs terminate and depth is hard-bounded by MaxWalkDepth.
func WalkConnections(edges []*Connection, start UUID) []UUID {
	out := make(map[UUID][]UUID, len(edges))
	for _, e := range edges {
		if e.Deleted() {
			continue
		}
		out[e.FromTaskID] = append(out[e.FromTaskID], e.ToTaskID)
	}

	visited := map[UUID]bool{start: true}
	reached := make([]UUID, 0)
	frontier := []UUID{start}

	for depth := 0; len(frontier) > 0 && depth < MaxWalkDepth; depth++ {
		next := make([]UUID, 0)
		for _, id := range frontier {
			for _, to := range out[id] {
				if visited[to] {
					continue
				}
				visited[to] = true
				reached = append(reached, to)
				next = append(next, to)
			}
		}
		frontier = next
	}

	return reached
}
