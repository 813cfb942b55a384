package sync

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
	"github.com/kimlan/taskdeck/internal/store"
	"github.com/kimlan/taskdeck/internal/sync/conflict"
	"github.com/kimlan/taskdeck/internal/sync/queue"
	"github.com/kimlan/taskdeck/internal/sync/tracker"
)

// Status is the externally visible engine state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Timeouts holds the per-operation deadline tiers. Quick covers cheap
// metadata calls, Standard covers body transfers, Heavy bounds a whole
// sync cycle.
type Timeouts struct {
	Quick    time.Duration
	Standard time.Duration
	Heavy    time.Duration
}

// DefaultTimeouts returns the standard deadline tiers.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Quick:    5 * time.Second,
		Standard: 30 * time.Second,
		Heavy:    2 * time.Minute,
	}
}

// Result summarizes one sync cycle.
type Result struct {
	Pulled       int
	Pushed       int
	Conflicts    int
	Retried      int
	DeadLettered int
	Duration     time.Duration
}

// Engine coordinates pull, conflict resolution, and push between the local
// store and the remote store.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	tracker  *tracker.Tracker
	resolver *conflict.Resolver
	remote   RemoteStore
	log      *logging.Logger
	timeouts Timeouts

	mu      sync.Mutex
	status  Status
	running bool
	lastErr error
}

// NewEngine wires an Engine from its parts.
func NewEngine(
	st *store.Store,
	q *queue.Queue,
	tr *tracker.Tracker,
	res *conflict.Resolver,
	remote RemoteStore,
	timeouts Timeouts,
	log *logging.Logger,
) *Engine {
	return &Engine{
		store:    st,
		queue:    q,
		tracker:  tr,
		resolver: res,
		remote:   remote,
		log:      log.Component("engine"),
		timeouts: timeouts,
		status:   StatusIdle,
	}
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastError returns the error from the most recent failed cycle, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// begin claims the single sync slot. Returns false if a cycle is running.
func (e *Engine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return false
	}
	e.running = true
	e.status = StatusSyncing
	return true
}

// finish releases the sync slot and records the outcome.
func (e *Engine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.lastErr = err
	switch {
	case err == nil:
		e.status = StatusIdle
	case isOffline(err):
		e.status = StatusOffline
	default:
		e.status = StatusError
	}
}

// isOffline reports whether an error means the server is unreachable
// rather than refusing.
func isOffline(err error) bool {
	code := apperrors.CodeOf(err)
	return code == apperrors.ErrSyncOffline || code == apperrors.ErrSyncTimeout
}

// Sync runs one full cycle for the given domains: sample clock skew, pull
// remote changes through conflict resolution, then push the action queue.
// With no domains it syncs the user aggregate. Only one cycle runs at a
// time; a concurrent call fails immediately.
func (e *Engine) Sync(ctx context.Context, domains ...models.SyncDomain) (*Result, error) {
	return e.cycle(ctx, false, domains)
}

// Resume runs a cycle ordered for coming back online: pending local
// actions are pushed before pulling, so the user's offline edits are
// visible to other devices as soon as possible. Both orderings converge
// to the same state; only latency of the user's own edits differs.
func (e *Engine) Resume(ctx context.Context, domains ...models.SyncDomain) (*Result, error) {
	return e.cycle(ctx, true, domains)
}

func (e *Engine) cycle(ctx context.Context, pushFirst bool, domains []models.SyncDomain) (*Result, error) {
	if !e.begin() {
		return nil, apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")
	}

	if len(domains) == 0 {
		domains = []models.SyncDomain{models.DomainUser}
	}

	start := time.Now()
	result := &Result{}

	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Heavy)
	defer cancel()

	err := e.run(ctx, pushFirst, domains, result)
	result.Duration = time.Since(start)
	e.finish(err)

	e.log.Info("Sync cycle finished", map[string]interface{}{
		"pulled":        result.Pulled,
		"pushed":        result.Pushed,
		"conflicts":     result.Conflicts,
		"dead_lettered": result.DeadLettered,
		"duration_ms":   result.Duration.Milliseconds(),
		"status":        string(e.Status()),
	})
	return result, err
}

func (e *Engine) run(ctx context.Context, pushFirst bool, domains []models.SyncDomain, result *Result) error {
	if err := e.SampleSkew(ctx); err != nil {
		return err
	}

	if pushFirst {
		if err := e.push(ctx, result); err != nil {
			return err
		}
	}
	for _, d := range domains {
		if err := e.pull(ctx, d, result); err != nil {
			return err
		}
	}
	if !pushFirst {
		if err := e.push(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// SampleSkew measures the offset between the server clock and the local
// clock and feeds it to the conflict resolver. The local timestamp is
// taken as the midpoint of the round trip, which cancels symmetric
// network delay.
func (e *Engine) SampleSkew(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, e.timeouts.Quick)
	defer cancel()

	before := models.NowMillis()
	serverNow, err := e.remote.ServerTime(qctx)
	if err != nil {
		return err
	}
	after := models.NowMillis()

	offset := serverNow - (before+after)/2
	e.resolver.SetSkewOffset(offset)

	e.log.Debug("Clock skew sampled", map[string]interface{}{
		"offset_ms":     offset,
		"round_trip_ms": after - before,
	})
	return nil
}

// pull brings one domain up to date. Change detection is heads-first: the
// cheap descriptor list decides whether the full change set is fetched at
// all. The watermark advances only after every change is durably merged,
// so an interrupted pull re-fetches rather than skips.
func (e *Engine) pull(ctx context.Context, domain models.SyncDomain, result *Result) error {
	since, _ := e.store.GetWatermark(domain)

	qctx, cancel := context.WithTimeout(ctx, e.timeouts.Quick)
	heads, err := e.remote.ListChangedHeads(qctx, domain, since)
	cancel()
	if err != nil {
		return err
	}

	if !e.anyHeadDiffers(heads) {
		// Nothing to merge; still advance the watermark so the next
		// heads call starts from the server's current position.
		qctx, cancel := context.WithTimeout(ctx, e.timeouts.Quick)
		wm, err := e.remote.GetWatermark(qctx, domain)
		cancel()
		if err != nil {
			return err
		}
		return e.store.SetWatermark(domain, wm)
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeouts.Standard)
	cs, err := e.remote.FetchSince(sctx, domain, since)
	cancel()
	if err != nil {
		return err
	}

	// Tombstones first: a deletion beats any concurrent edit, local or
	// queued, regardless of timestamps. Queued actions for the entity are
	// dropped so the push phase never transmits a stale write.
	for _, stone := range cs.Tombstones {
		if err := e.store.ApplyTombstone(stone); err != nil {
			return err
		}
		if _, err := e.queue.DropFor(stone.EntityID); err != nil {
			return err
		}
		e.tracker.ClearChanges(stone.EntityID)
		result.Pulled++
	}

	for _, remote := range cs.Entities() {
		applied, conflicted, err := e.applyRemote(remote)
		if err != nil {
			return err
		}
		if applied {
			result.Pulled++
		}
		if conflicted {
			result.Conflicts++
		}
	}

	return e.store.SetWatermark(domain, cs.Watermark)
}

// anyHeadDiffers reports whether at least one remote head differs from
// the local version.
func (e *Engine) anyHeadDiffers(heads []Head) bool {
	for _, h := range heads {
		if e.store.HasTombstone(h.EntityID) {
			continue
		}
		local := e.store.Get(h.EntityID)
		if local == nil || local.ModifiedAt() != h.UpdatedAt {
			return true
		}
	}
	return false
}

// applyRemote merges one remote entity into the local store. Returns
// whether the local state changed and whether a conflict was resolved.
func (e *Engine) applyRemote(remote models.Entity) (bool, bool, error) {
	id := remote.EntityID()
	if e.store.HasTombstone(id) {
		return false, false, nil
	}

	local := e.store.Get(id)
	if local == nil {
		if err := e.store.Put(remote.CloneEntity()); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	if local.ModifiedAt() == remote.ModifiedAt() && local.RemovedAt() == remote.RemovedAt() {
		// Same version; nothing to do.
		return false, false, nil
	}

	res, err := e.resolver.Resolve(&conflict.Conflict{
		Local:        local,
		Remote:       remote,
		LockedFields: e.tracker.LockedFields(id),
	})
	if err != nil {
		return false, false, err
	}

	if res.Winner == conflict.SideLocal {
		// The queued local action will carry this version to the server.
		return false, true, nil
	}

	if err := e.store.Put(res.Merged); err != nil {
		return false, false, err
	}
	if len(res.KeptFields) == 0 {
		e.tracker.ClearChanges(id)
	}
	return true, true, nil
}

// push drains the action queue through the remote store.
func (e *Engine) push(ctx context.Context, result *Result) error {
	pr, err := e.queue.Process(ctx, e)
	if pr != nil {
		result.Pushed += pr.Sent
		result.Retried += pr.Retried
		result.DeadLettered += pr.DeadLettered
	}
	return err
}

// Send delivers one queued action to the remote store. It implements
// queue.Sender.
func (e *Engine) Send(ctx context.Context, action *models.QueuedAction) error {
	sctx, cancel := context.WithTimeout(ctx, e.timeouts.Standard)
	defer cancel()

	var err error
	switch action.Type {
	case models.ActionDelete:
		err = e.remote.Purge(sctx, []*models.Tombstone{{
			EntityID:   action.EntityID,
			EntityType: action.EntityType,
			ProjectID:  action.ProjectID,
			DeletedAt:  action.UpdatedAt,
		}})
	default:
		var payload models.ActionPayload
		payload, err = models.UnmarshalPayload(action.EntityType, action.Payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to decode action payload", err)
		}
		err = e.remote.BulkUpsert(sctx, []models.Entity{payload.CloneEntityPayload()})
	}
	if err != nil {
		return err
	}

	e.tracker.ClearChanges(action.EntityID)
	return nil
}
