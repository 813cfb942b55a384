// Package db provides CRUD repository operations for TaskDeck data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/models"
)

// Repository provides durable storage for entities, sync metadata and
// queue state. The three regions are independently serializable: a corrupt
// queue snapshot never takes down entity data.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Task Operations
// =====================================================

const taskColumns = "id, project_id, parent_id, title, content, stage, status, rank, tags, pos_x, pos_y, created_at, updated_at, deleted_at"

// PutTask upserts a task row. Ids are client-generated, so create and
// update share one write path.
func (r *Repository) PutTask(t *models.Task) error {
	stmt, err := r.PrepareStmt(`
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, parent_id=excluded.parent_id,
			title=excluded.title, content=excluded.content,
			stage=excluded.stage, status=excluded.status,
			rank=excluded.rank, tags=excluded.tags,
			pos_x=excluded.pos_x, pos_y=excluded.pos_y,
			updated_at=excluded.updated_at, deleted_at=excluded.deleted_at`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare task upsert", err)
	}

	_, err = stmt.Exec(t.ID, t.ProjectID, t.ParentID, t.Title, t.Content, t.Stage,
		t.Status, t.Rank, t.Tags, t.PosX, t.PosY, t.CreatedAt, t.UpdatedAt, t.DeletedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert task", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.ParentID, &t.Title, &t.Content, &t.Stage,
		&t.Status, &t.Rank, &t.Tags, &t.PosX, &t.PosY, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask returns a task by id.
func (r *Repository) GetTask(id models.UUID) (*models.Task, error) {
	stmt, err := r.PrepareStmt("SELECT " + taskColumns + " FROM tasks WHERE id = ?")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare task query", err)
	}

	t, err := scanTask(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "task not found: "+id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query task", err)
	}
	return t, nil
}

// ListTasksByProject returns all tasks in a project, optionally including
// soft-deleted rows.
func (r *Repository) ListTasksByProject(projectID models.UUID, includeDeleted bool) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE project_id = ?"
	if !includeDeleted {
		query += " AND deleted_at = 0"
	}
	query += " ORDER BY rank, created_at"

	rows, err := r.db.Query(query, projectID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list tasks", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// =====================================================
// Project Operations
// =====================================================

const projectColumns = "id, name, description, color, rank, created_at, updated_at, deleted_at"

// PutProject upserts a project row.
func (r *Repository) PutProject(p *models.Project) error {
	stmt, err := r.PrepareStmt(`
		INSERT INTO projects (` + projectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description,
			color=excluded.color, rank=excluded.rank,
			updated_at=excluded.updated_at, deleted_at=excluded.deleted_at`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare project upsert", err)
	}

	_, err = stmt.Exec(p.ID, p.Name, p.Description, p.Color, p.Rank,
		p.CreatedAt, p.UpdatedAt, p.DeletedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert project", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...interface{}) error }) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Color, &p.Rank,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject returns a project by id.
func (r *Repository) GetProject(id models.UUID) (*models.Project, error) {
	stmt, err := r.PrepareStmt("SELECT " + projectColumns + " FROM projects WHERE id = ?")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare project query", err)
	}

	p, err := scanProject(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "project not found: "+id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query project", err)
	}
	return p, nil
}

// ListProjects returns all projects, optionally including soft-deleted rows.
func (r *Repository) ListProjects(includeDeleted bool) ([]*models.Project, error) {
	query := "SELECT " + projectColumns + " FROM projects"
	if !includeDeleted {
		query += " WHERE deleted_at = 0"
	}
	query += " ORDER BY rank, created_at"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list projects", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan project", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// =====================================================
// Connection Operations
// =====================================================

const connectionColumns = "id, project_id, from_task_id, to_task_id, label, created_at, updated_at, deleted_at"

// PutConnection upserts a connection row.
func (r *Repository) PutConnection(c *models.Connection) error {
	stmt, err := r.PrepareStmt(`
		INSERT INTO connections (` + connectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id,
			from_task_id=excluded.from_task_id, to_task_id=excluded.to_task_id,
			label=excluded.label,
			updated_at=excluded.updated_at, deleted_at=excluded.deleted_at`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare connection upsert", err)
	}

	_, err = stmt.Exec(c.ID, c.ProjectID, c.FromTaskID, c.ToTaskID, c.Label,
		c.CreatedAt, c.UpdatedAt, c.DeletedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert connection", err)
	}
	return nil
}

func scanConnection(row interface{ Scan(...interface{}) error }) (*models.Connection, error) {
	var c models.Connection
	err := row.Scan(&c.ID, &c.ProjectID, &c.FromTaskID, &c.ToTaskID, &c.Label,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnection returns a connection by id.
func (r *Repository) GetConnection(id models.UUID) (*models.Connection, error) {
	stmt, err := r.PrepareStmt("SELECT " + connectionColumns + " FROM connections WHERE id = ?")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare connection query", err)
	}

	c, err := scanConnection(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, "connection not found: "+id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query connection", err)
	}
	return c, nil
}

// ListConnectionsByProject returns all connections in a project.
func (r *Repository) ListConnectionsByProject(projectID models.UUID, includeDeleted bool) ([]*models.Connection, error) {
	query := "SELECT " + connectionColumns + " FROM connections WHERE project_id = ?"
	if !includeDeleted {
		query += " AND deleted_at = 0"
	}

	rows, err := r.db.Query(query, projectID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list connections", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan connection", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// =====================================================
// Generic Entity Dispatch
// =====================================================

// PutEntity upserts any entity kind.
func (r *Repository) PutEntity(e models.Entity) error {
	switch v := e.(type) {
	case *models.Task:
		return r.PutTask(v)
	case *models.Project:
		return r.PutProject(v)
	case *models.Connection:
		return r.PutConnection(v)
	}
	return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %T", e))
}

// GetEntity returns any entity kind by id.
func (r *Repository) GetEntity(kind models.EntityType, id models.UUID) (models.Entity, error) {
	switch kind {
	case models.EntityTask:
		return r.GetTask(id)
	case models.EntityProject:
		return r.GetProject(id)
	case models.EntityConnection:
		return r.GetConnection(id)
	}
	return nil, apperrors.New(apperrors.ErrInvalid, "unknown entity type "+string(kind))
}

// DeleteEntityRow hard-deletes an entity row. Used for tombstone
// application and retention purging, never for user-initiated deletes
// (those are soft).
func (r *Repository) DeleteEntityRow(kind models.EntityType, id models.UUID) error {
	var table string
	switch kind {
	case models.EntityTask:
		table = models.Task{}.TableName()
	case models.EntityProject:
		table = models.Project{}.TableName()
	case models.EntityConnection:
		table = models.Connection{}.TableName()
	default:
		return apperrors.New(apperrors.ErrInvalid, "unknown entity type "+string(kind))
	}

	if _, err := r.db.Exec("DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete "+string(kind), err)
	}
	return nil
}

// ListAllEntities returns every live and soft-deleted entity, used by the
// portable export.
func (r *Repository) ListAllEntities() ([]models.Entity, error) {
	var all []models.Entity

	projects, err := r.ListProjects(true)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		all = append(all, p)
	}

	for _, p := range projects {
		tasks, err := r.ListTasksByProject(p.ID, true)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			all = append(all, t)
		}

		conns, err := r.ListConnectionsByProject(p.ID, true)
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			all = append(all, c)
		}
	}

	return all, nil
}

// PurgeSoftDeleted hard-deletes soft-deleted rows older than the cutoff
// and returns how many rows were removed.
func (r *Repository) PurgeSoftDeleted(before int64) (int, error) {
	total := 0
	for _, table := range []string{
		models.Task{}.TableName(),
		models.Connection{}.TableName(),
		models.Project{}.TableName(),
	} {
		res, err := r.db.Exec(
			"DELETE FROM "+table+" WHERE deleted_at > 0 AND deleted_at < ?", before)
		if err != nil {
			return total, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge "+table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}
	return total, nil
}

// =====================================================
// Watermark Operations
// =====================================================

// GetWatermark returns the watermark for a sync domain. The second return
// is false when no watermark has been recorded yet.
func (r *Repository) GetWatermark(domain models.SyncDomain) (int64, bool, error) {
	stmt, err := r.PrepareStmt("SELECT timestamp FROM watermarks WHERE domain = ?")
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare watermark query", err)
	}

	var ts int64
	err = stmt.QueryRow(string(domain)).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to query watermark", err)
	}
	return ts, true, nil
}

// SetWatermark upserts the watermark for a sync domain.
func (r *Repository) SetWatermark(domain models.SyncDomain, ts int64) error {
	stmt, err := r.PrepareStmt(`
		INSERT INTO watermarks (domain, timestamp, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			timestamp=excluded.timestamp, updated_at=excluded.updated_at`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare watermark upsert", err)
	}

	if _, err := stmt.Exec(string(domain), ts, models.NowMillis()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert watermark", err)
	}
	return nil
}

// =====================================================
// Tombstone Operations
// =====================================================

// UpsertTombstone records a tombstone in the local cache.
func (r *Repository) UpsertTombstone(t *models.Tombstone) error {
	stmt, err := r.PrepareStmt(`
		INSERT INTO tombstones (entity_id, entity_type, project_id, deleted_at, deleted_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO NOTHING`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare tombstone upsert", err)
	}

	_, err = stmt.Exec(t.EntityID, string(t.EntityType), t.ProjectID, t.DeletedAt, t.DeletedBy)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to upsert tombstone", err)
	}
	return nil
}

// HasTombstone reports whether a tombstone exists for an entity id.
func (r *Repository) HasTombstone(id models.UUID) (bool, error) {
	stmt, err := r.PrepareStmt("SELECT COUNT(*) FROM tombstones WHERE entity_id = ?")
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to prepare tombstone query", err)
	}

	var count int
	if err := stmt.QueryRow(id).Scan(&count); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "failed to query tombstone", err)
	}
	return count > 0, nil
}

// ListTombstones returns all cached tombstones for a project.
func (r *Repository) ListTombstones(projectID models.UUID) ([]*models.Tombstone, error) {
	rows, err := r.db.Query(
		"SELECT entity_id, entity_type, project_id, deleted_at, deleted_by FROM tombstones WHERE project_id = ?",
		projectID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list tombstones", err)
	}
	defer rows.Close()

	var out []*models.Tombstone
	for rows.Next() {
		var t models.Tombstone
		var kind string
		if err := rows.Scan(&t.EntityID, &kind, &t.ProjectID, &t.DeletedAt, &t.DeletedBy); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan tombstone", err)
		}
		t.EntityType = models.EntityType(kind)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ListAllTombstones returns every cached tombstone, used by the portable
// export and by store startup.
func (r *Repository) ListAllTombstones() ([]*models.Tombstone, error) {
	rows, err := r.db.Query(
		"SELECT entity_id, entity_type, project_id, deleted_at, deleted_by FROM tombstones")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list tombstones", err)
	}
	defer rows.Close()

	var out []*models.Tombstone
	for rows.Next() {
		var t models.Tombstone
		var kind string
		if err := rows.Scan(&t.EntityID, &kind, &t.ProjectID, &t.DeletedAt, &t.DeletedBy); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan tombstone", err)
		}
		t.EntityType = models.EntityType(kind)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// =====================================================
// Queue State Operations
// =====================================================

const actionColumns = "id, seq, type, entity_type, entity_id, project_id, payload, priority, status, retry_count, max_retries, next_retry_at, last_error, created_at, updated_at"

// SaveQueueState replaces the durable queue snapshot (pending actions and
// dead letters) in a single transaction. Called after every mutating queue
// operation so a restart resumes exactly where it left off.
func (r *Repository) SaveQueueState(pending []*models.QueuedAction, dead []*models.DeadLetter) error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to begin queue save", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM action_queue"); err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to clear pending queue", err)
	}
	if _, err := tx.Exec("DELETE FROM dead_letters"); err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to clear dead letters", err)
	}

	insertAction, err := tx.Prepare(`
		INSERT INTO action_queue (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to prepare queue insert", err)
	}
	defer insertAction.Close()

	for _, a := range pending {
		_, err := insertAction.Exec(a.ID, a.Seq, string(a.Type), string(a.EntityType),
			a.EntityID, a.ProjectID, string(a.Payload), string(a.Priority), string(a.Status),
			a.RetryCount, a.MaxRetries, a.NextRetryAt, a.LastError, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to insert queued action", err)
		}
	}

	insertDead, err := tx.Prepare(
		"INSERT INTO dead_letters (id, action, reason, code, failed_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to prepare dead-letter insert", err)
	}
	defer insertDead.Close()

	for _, d := range dead {
		actionJSON, err := json.Marshal(d.Action)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to marshal dead letter", err)
		}
		if _, err := insertDead.Exec(d.ID, string(actionJSON), d.Reason, d.Code, d.FailedAt); err != nil {
			return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to insert dead letter", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to commit queue save", err)
	}
	return nil
}

// LoadQueueState reads the durable queue snapshot back, ordered by
// enqueue sequence.
func (r *Repository) LoadQueueState() ([]*models.QueuedAction, []*models.DeadLetter, error) {
	rows, err := r.db.Query("SELECT " + actionColumns + " FROM action_queue ORDER BY seq")
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load pending queue", err)
	}
	defer rows.Close()

	var pending []*models.QueuedAction
	for rows.Next() {
		var a models.QueuedAction
		var payload string
		err := rows.Scan(&a.ID, &a.Seq, &a.Type, &a.EntityType, &a.EntityID, &a.ProjectID,
			&payload, &a.Priority, &a.Status, &a.RetryCount, &a.MaxRetries,
			&a.NextRetryAt, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queued action", err)
		}
		a.Payload = []byte(payload)
		pending = append(pending, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read pending queue", err)
	}

	deadRows, err := r.db.Query("SELECT id, action, reason, code, failed_at FROM dead_letters ORDER BY failed_at")
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load dead letters", err)
	}
	defer deadRows.Close()

	var dead []*models.DeadLetter
	for deadRows.Next() {
		var d models.DeadLetter
		var actionJSON string
		if err := deadRows.Scan(&d.ID, &actionJSON, &d.Reason, &d.Code, &d.FailedAt); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan dead letter", err)
		}
		if err := json.Unmarshal([]byte(actionJSON), &d.Action); err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to unmarshal dead letter", err)
		}
		dead = append(dead, &d)
	}

	return pending, dead, deadRows.Err()
}
