// Package queue provides the durable action queue for offline writes.
//
// Every local mutation becomes a queued action. The queue coalesces
// redundant actions for the same entity, preserves per-entity order,
// retries transient failures with exponential backoff, and parks
// permanently failed actions in a dead-letter list for the user to retry
// or dismiss. The full queue state is persisted after every mutation so a
// crash never loses a pending write.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
	"github.com/kimlan/taskdeck/internal/uuid"
)

// Store persists queue snapshots. Satisfied by db.Repository.
type Store interface {
	SaveQueueState(pending []*models.QueuedAction, dead []*models.DeadLetter) error
	LoadQueueState() ([]*models.QueuedAction, []*models.DeadLetter, error)
}

// Sender delivers one action to the remote store. Satisfied by the sync
// engine's push path.
type Sender interface {
	Send(ctx context.Context, action *models.QueuedAction) error
}

const (
	// DefaultSoftLimit is where the queue starts warning that it is
	// growing; the hard limit is hardLimitFactor times the soft limit.
	DefaultSoftLimit = 500
	hardLimitFactor  = 5

	// DefaultMaxRetries bounds transient-failure retries per action.
	DefaultMaxRetries = 5

	baseBackoff = 2 * time.Second
	maxBackoff  = 5 * time.Minute
)

// Config tunes queue behavior.
type Config struct {
	// SoftLimit is the pending-queue size that triggers warnings.
	// Zero means DefaultSoftLimit.
	SoftLimit int
	// EscapePath is where the queue snapshot is exported when durable
	// persistence fails, so pending writes survive even a broken local
	// database. Empty disables the escape export.
	EscapePath string
}

// ProcessResult summarizes one drain pass.
type ProcessResult struct {
	Sent         int
	Retried      int
	DeadLettered int
}

// Queue is the durable offline action queue. All methods are safe for
// concurrent use; Process holds an internal token so only one drain runs
// at a time.
type Queue struct {
	store Store
	log   *logging.Logger

	softLimit  int
	hardLimit  int
	escapePath string

	mu         sync.Mutex
	pending    []*models.QueuedAction
	dead       []*models.DeadLetter
	nextSeq    int64
	processing bool

	// now is swappable in tests.
	now func() int64
}

// New creates a Queue and restores its durable state. Actions left
// in-progress by a crash are reset to pending.
func New(store Store, cfg Config, log *logging.Logger) (*Queue, error) {
	soft := cfg.SoftLimit
	if soft <= 0 {
		soft = DefaultSoftLimit
	}

	q := &Queue{
		store:      store,
		log:        log.Component("queue"),
		softLimit:  soft,
		hardLimit:  soft * hardLimitFactor,
		escapePath: cfg.EscapePath,
		nextSeq:    1,
		now:        models.NowMillis,
	}

	pending, dead, err := store.LoadQueueState()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueuePersist, "failed to load queue state", err)
	}
	for _, a := range pending {
		if a.Status == models.ActionStatusInProgress {
			a.Status = models.ActionStatusPending
		}
		if a.Seq >= q.nextSeq {
			q.nextSeq = a.Seq + 1
		}
	}
	q.pending = pending
	q.dead = dead

	if len(pending) > 0 || len(dead) > 0 {
		q.log.Info("Queue restored", map[string]interface{}{
			"pending":      len(pending),
			"dead_letters": len(dead),
		})
	}
	return q, nil
}

// Len returns the number of pending actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns copies of the pending actions in seq order.
func (q *Queue) Pending() []*models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.QueuedAction, len(q.pending))
	for i, a := range q.pending {
		c := *a
		out[i] = &c
	}
	return out
}

// PendingFor returns copies of every queued action for one entity,
// including any in flight, in seq order.
func (q *Queue) PendingFor(entityID models.UUID) []*models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.QueuedAction
	for _, a := range q.pending {
		if a.EntityID == entityID {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

// HasPending reports whether the entity has any queued action.
func (q *Queue) HasPending(entityID models.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, a := range q.pending {
		if a.EntityID == entityID {
			return true
		}
	}
	return false
}

// DropFor cancels every pending action for an entity. Called when a
// tombstone for the entity arrives: the entity is permanently gone, so a
// queued stale write must be discarded, never delivered.
func (q *Queue) DropFor(entityID models.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	before := len(q.pending)
	q.removeAllFor(entityID)
	dropped := before - len(q.pending)
	if dropped == 0 {
		return 0, nil
	}

	q.log.Info("Dropped queued actions for tombstoned entity", map[string]interface{}{
		"entity_id": entityID.String(),
		"dropped":   dropped,
	})
	return dropped, q.persistLocked()
}

// Enqueue records a local write for later delivery. Actions for the same
// entity coalesce:
//   - an update folds into a pending create or merges into a pending
//     update, unioning their changed-field sets
//   - a delete absorbs pending updates for the entity
//   - a delete of an entity whose create was never sent cancels both
//
// The returned action is nil when coalescing consumed the new action
// entirely.
func (q *Queue) Enqueue(actionType models.ActionType, payload models.ActionPayload, priority models.ActionPriority) (*models.QueuedAction, error) {
	if payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "action payload is required")
	}
	entity := payload.CloneEntityPayload()
	if entity == nil || entity.EntityID() == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "action payload has no entity id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entityID := entity.EntityID()
	existing := q.pendingFor(entityID)

	switch actionType {
	case models.ActionDelete:
		return q.enqueueDelete(payload, priority, existing)
	case models.ActionUpdate:
		return q.enqueueUpdate(payload, priority, existing)
	case models.ActionCreate:
		if len(existing) > 0 {
			return nil, apperrors.New(apperrors.ErrDuplicate, "entity already has queued actions: "+entityID.String())
		}
		return q.append(models.ActionCreate, payload, priority)
	}
	return nil, apperrors.New(apperrors.ErrInvalid, "unknown action type: "+string(actionType))
}

// pendingFor returns the coalescable actions for one entity in seq order.
// Actions currently in flight are excluded: merging into an action the
// sender already holds would silently lose the merge when it completes.
// Caller holds mu.
func (q *Queue) pendingFor(entityID models.UUID) []*models.QueuedAction {
	var out []*models.QueuedAction
	for _, a := range q.pending {
		if a.EntityID == entityID && a.Status == models.ActionStatusPending {
			out = append(out, a)
		}
	}
	return out
}

// enqueueDelete applies the delete coalescing rules. Caller holds mu.
func (q *Queue) enqueueDelete(payload models.ActionPayload, priority models.ActionPriority, existing []*models.QueuedAction) (*models.QueuedAction, error) {
	entityID := payload.CloneEntityPayload().EntityID()

	hasCreate := false
	for _, a := range existing {
		if a.Type == models.ActionCreate {
			hasCreate = true
		}
		if a.Type == models.ActionDelete {
			// Already queued; nothing more to record.
			return nil, nil
		}
	}

	// Everything queued for the entity is superseded by the delete.
	q.removeAllFor(entityID)

	if hasCreate {
		// The entity never reached the server; the create and the delete
		// cancel out and nothing needs to be sent.
		q.log.Debug("Create and delete annihilated", map[string]interface{}{
			"entity_id": entityID.String(),
		})
		return nil, q.persistLocked()
	}

	return q.append(models.ActionDelete, payload, priority)
}

// enqueueUpdate applies the update coalescing rules. Caller holds mu.
func (q *Queue) enqueueUpdate(payload models.ActionPayload, priority models.ActionPriority, existing []*models.QueuedAction) (*models.QueuedAction, error) {
	for _, a := range existing {
		switch a.Type {
		case models.ActionDelete:
			return nil, apperrors.New(apperrors.ErrInvalid, "entity has a queued delete: "+a.EntityID.String())
		case models.ActionCreate, models.ActionUpdate:
			if err := q.mergeInto(a, payload, priority); err != nil {
				return nil, err
			}
			return a, q.persistLocked()
		}
	}
	return q.append(models.ActionUpdate, payload, priority)
}

// mergeInto folds a new payload into an already-queued action: the
// snapshot is replaced with the newer one, the changed-field sets are
// unioned, and the higher priority wins. Caller holds mu.
func (q *Queue) mergeInto(action *models.QueuedAction, payload models.ActionPayload, priority models.ActionPriority) error {
	old, err := models.UnmarshalPayload(action.EntityType, action.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to decode queued payload", err)
	}

	merged := unionFields(models.PayloadFields(old), models.PayloadFields(payload))
	data, err := models.MarshalPayload(withFields(payload, merged))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode merged payload", err)
	}

	action.Payload = data
	action.UpdatedAt = q.now()
	if priority.Weight() > action.Priority.Weight() {
		action.Priority = priority
	}
	return nil
}

// append creates and persists a new queued action. Caller holds mu.
func (q *Queue) append(actionType models.ActionType, payload models.ActionPayload, priority models.ActionPriority) (*models.QueuedAction, error) {
	if len(q.pending) >= q.hardLimit {
		return nil, apperrors.New(apperrors.ErrQueueFull, "action queue is full")
	}
	if len(q.pending) >= q.softLimit {
		q.log.Warn("Action queue above soft limit", map[string]interface{}{
			"pending": len(q.pending),
			"limit":   q.softLimit,
		})
	}

	data, err := models.MarshalPayload(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode payload", err)
	}

	entity := payload.CloneEntityPayload()
	now := q.now()
	action := &models.QueuedAction{
		ID:         models.UUID(uuid.New()),
		Type:       actionType,
		EntityType: payload.PayloadKind(),
		EntityID:   entity.EntityID(),
		ProjectID:  entity.ProjectRef(),
		Payload:    data,
		Priority:   priority,
		Status:     models.ActionStatusPending,
		MaxRetries: DefaultMaxRetries,
		Seq:        q.nextSeq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.nextSeq++
	q.pending = append(q.pending, action)

	if err := q.persistLocked(); err != nil {
		return nil, err
	}
	return action, nil
}

// Process drains ready actions through the sender. Only one drain runs at
// a time; a concurrent call returns immediately with no work done.
//
// Actions are sent highest priority first, oldest first within a
// priority, with two ordering constraints on top: per-entity FIFO, and no
// action is sent while a create it depends on (its project, parent task,
// or connected tasks) is still queued.
func (q *Queue) Process(ctx context.Context, sender Sender) (*ProcessResult, error) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return &ProcessResult{}, nil
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	result := &ProcessResult{}
	for {
		if ctx.Err() != nil {
			break
		}

		action := q.nextReady()
		if action == nil {
			break
		}

		err := sender.Send(ctx, action)

		q.mu.Lock()
		switch {
		case err == nil:
			q.removeAction(action.ID)
			result.Sent++
		case ctx.Err() != nil:
			// Interrupted; leave the action queued for the next pass.
			action.Status = models.ActionStatusPending
		case !apperrors.Retryable(err):
			q.deadLetterLocked(action, err)
			result.DeadLettered++
			result.DeadLettered += q.deadLetterChainLocked(action, err)
		default:
			action.RetryCount++
			action.LastError = err.Error()
			action.UpdatedAt = q.now()
			if action.RetryCount >= action.MaxRetries {
				q.deadLetterLocked(action, err)
				result.DeadLettered++
				result.DeadLettered += q.deadLetterChainLocked(action, err)
			} else {
				action.Status = models.ActionStatusPending
				action.NextRetryAt = q.now() + backoffDelay(action.RetryCount).Milliseconds()
				result.Retried++
			}
		}
		persistErr := q.persistLocked()
		q.mu.Unlock()

		if persistErr != nil {
			return result, persistErr
		}
		if ctx.Err() != nil {
			break
		}
	}

	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	q.log.Info("Queue drain finished", map[string]interface{}{
		"sent":          result.Sent,
		"retried":       result.Retried,
		"dead_lettered": result.DeadLettered,
		"pending":       pending,
	})
	return result, nil
}

// nextReady picks the next sendable action and marks it in progress.
func (q *Queue) nextReady() *models.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	// Entities whose create has not been delivered yet; nothing that
	// references them may go out first.
	pendingCreates := make(map[models.UUID]bool)
	for _, a := range q.pending {
		if a.Type == models.ActionCreate {
			pendingCreates[a.EntityID] = true
		}
	}

	// Earliest queued seq per entity enforces per-entity FIFO.
	firstSeq := make(map[models.UUID]int64)
	for _, a := range q.pending {
		if s, ok := firstSeq[a.EntityID]; !ok || a.Seq < s {
			firstSeq[a.EntityID] = a.Seq
		}
	}

	candidates := make([]*models.QueuedAction, 0, len(q.pending))
	for _, a := range q.pending {
		if a.Status != models.ActionStatusPending || a.NextRetryAt > now {
			continue
		}
		if a.Seq != firstSeq[a.EntityID] {
			continue
		}
		if q.blockedOnCreate(a, pendingCreates) {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority.Weight() != candidates[j].Priority.Weight() {
			return candidates[i].Priority.Weight() > candidates[j].Priority.Weight()
		}
		return candidates[i].Seq < candidates[j].Seq
	})

	action := candidates[0]
	action.Status = models.ActionStatusInProgress
	action.UpdatedAt = now
	return action
}

// blockedOnCreate reports whether an action references an entity whose
// create is still queued. Caller holds mu.
func (q *Queue) blockedOnCreate(a *models.QueuedAction, pendingCreates map[models.UUID]bool) bool {
	for _, ref := range q.actionRefs(a) {
		if ref != "" && ref != a.EntityID && pendingCreates[ref] {
			return true
		}
	}
	return false
}

// actionRefs returns the ids an action's payload depends on existing
// remotely. Caller holds mu.
func (q *Queue) actionRefs(a *models.QueuedAction) []models.UUID {
	payload, err := models.UnmarshalPayload(a.EntityType, a.Payload)
	if err != nil {
		q.log.Error("Failed to decode queued payload", err, map[string]interface{}{
			"action_id": a.ID.String(),
		})
		return nil
	}
	switch p := payload.(type) {
	case *models.TaskPayload:
		return []models.UUID{p.Task.ProjectID, p.Task.ParentID}
	case *models.ProjectPayload:
		return nil
	case *models.ConnectionPayload:
		return []models.UUID{p.Connection.ProjectID, p.Connection.FromTaskID, p.Connection.ToTaskID}
	}
	return nil
}

// deadLetterLocked moves one action to the dead-letter list. Caller holds mu.
func (q *Queue) deadLetterLocked(action *models.QueuedAction, cause error) {
	q.removeAction(action.ID)
	action.Status = models.ActionStatusDeadLetter
	action.LastError = cause.Error()

	q.dead = append(q.dead, &models.DeadLetter{
		ID:       models.UUID(uuid.New()),
		Action:   *action,
		Reason:   cause.Error(),
		Code:     string(apperrors.CodeOf(cause)),
		FailedAt: q.now(),
	})
	q.log.Warn("Action dead-lettered", map[string]interface{}{
		"action_id": action.ID.String(),
		"entity_id": action.EntityID.String(),
		"type":      string(action.Type),
		"reason":    cause.Error(),
	})
}

// deadLetterChainLocked dead-letters every queued action that can no
// longer succeed after the given action failed permanently: later actions
// for the same entity, and, when a create failed, actions referencing the
// never-created entity. Returns how many were moved. Caller holds mu.
func (q *Queue) deadLetterChainLocked(failed *models.QueuedAction, cause error) int {
	chain := apperrors.New(apperrors.ErrQueueBlocked, "depends on permanently failed action "+failed.ID.String())

	moved := 0
	for {
		var victim *models.QueuedAction
		for _, a := range q.pending {
			if a.EntityID == failed.EntityID {
				victim = a
				break
			}
			if failed.Type == models.ActionCreate && q.refersTo(a, failed.EntityID) {
				victim = a
				break
			}
		}
		if victim == nil {
			return moved
		}
		q.deadLetterLocked(victim, chain)
		moved++
		// A dead-lettered create strands its own dependents.
		if victim.Type == models.ActionCreate {
			moved += q.deadLetterChainLocked(victim, chain)
		}
	}
}

// refersTo reports whether an action's payload references the given id.
// Caller holds mu.
func (q *Queue) refersTo(a *models.QueuedAction, id models.UUID) bool {
	for _, ref := range q.actionRefs(a) {
		if ref == id {
			return true
		}
	}
	return false
}

// removeAction drops an action from the pending slice. Caller holds mu.
func (q *Queue) removeAction(id models.UUID) {
	for i, a := range q.pending {
		if a.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// removeAllFor drops every coalescable action for an entity. In-flight
// actions stay; per-entity FIFO already orders anything queued after them.
// Caller holds mu.
func (q *Queue) removeAllFor(entityID models.UUID) {
	kept := q.pending[:0]
	for _, a := range q.pending {
		if a.EntityID != entityID || a.Status != models.ActionStatusPending {
			kept = append(kept, a)
		}
	}
	q.pending = kept
}

// DeadLetters returns copies of the dead-letter list, newest last.
func (q *Queue) DeadLetters() []*models.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.DeadLetter, len(q.dead))
	for i, d := range q.dead {
		c := *d
		out[i] = &c
	}
	return out
}

// RetryDeadLetter moves a dead letter back into the pending queue with a
// fresh retry budget.
func (q *Queue) RetryDeadLetter(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, d := range q.dead {
		if d.ID != id {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)

		action := d.Action
		action.Status = models.ActionStatusPending
		action.RetryCount = 0
		action.NextRetryAt = 0
		action.LastError = ""
		action.Seq = q.nextSeq
		action.UpdatedAt = q.now()
		q.nextSeq++
		q.pending = append(q.pending, &action)
		return q.persistLocked()
	}
	return apperrors.New(apperrors.ErrNotFound, "dead letter not found: "+id.String())
}

// DismissDeadLetter drops a dead letter permanently.
func (q *Queue) DismissDeadLetter(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, d := range q.dead {
		if d.ID == id {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return q.persistLocked()
		}
	}
	return apperrors.New(apperrors.ErrNotFound, "dead letter not found: "+id.String())
}

// persistLocked writes the queue snapshot durably. If the database write
// fails the snapshot is exported to the escape file instead, so the
// pending actions survive a broken local database. Caller holds mu.
func (q *Queue) persistLocked() error {
	err := q.store.SaveQueueState(q.pending, q.dead)
	if err == nil {
		return nil
	}

	q.log.Error("Failed to persist queue state", err, nil)
	if q.escapePath != "" {
		if expErr := q.exportLocked(q.escapePath); expErr != nil {
			q.log.Error("Escape export failed", expErr, map[string]interface{}{
				"path": q.escapePath,
			})
		} else {
			q.log.Warn("Queue snapshot exported to escape file", map[string]interface{}{
				"path": q.escapePath,
			})
		}
	}
	return apperrors.Wrap(apperrors.ErrQueuePersist, "failed to persist queue state", err)
}

// snapshot is the escape-export wire format.
type snapshot struct {
	ExportedAt int64                  `json:"exported_at"`
	Pending    []*models.QueuedAction `json:"pending"`
	Dead       []*models.DeadLetter   `json:"dead_letters"`
}

// Export writes the current queue snapshot to a file atomically.
func (q *Queue) Export(path string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.exportLocked(path)
}

// exportLocked writes the snapshot via an atomic rename so a crash mid
// write never leaves a truncated file. Caller holds mu.
func (q *Queue) exportLocked(path string) error {
	data, err := json.MarshalIndent(snapshot{
		ExportedAt: q.now(),
		Pending:    q.pending,
		Dead:       q.dead,
	}, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to encode queue snapshot", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write queue snapshot", err)
	}
	return nil
}

// unionFields merges two changed-field lists. An empty list means "whole
// snapshot changed" and stays empty, since it already covers everything.
func unionFields(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a)+len(b))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		set[f] = true
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// withFields returns a payload variant carrying the given field list.
func withFields(p models.ActionPayload, fields []string) models.ActionPayload {
	switch v := p.(type) {
	case *models.TaskPayload:
		return &models.TaskPayload{Task: v.Task, Fields: fields}
	case *models.ProjectPayload:
		return &models.ProjectPayload{Project: v.Project, Fields: fields}
	case *models.ConnectionPayload:
		return &models.ConnectionPayload{Connection: v.Connection, Fields: fields}
	}
	return p
}

// backoffDelay returns the retry delay after the given attempt count,
// doubling from baseBackoff up to maxBackoff.
func backoffDelay(retryCount int) time.Duration {
	d := baseBackoff
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
