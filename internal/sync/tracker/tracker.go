// Package tracker records which entities and fields changed locally since
// the last successful sync. The conflict resolver consults it to decide
// which local edits survive a remote-winning merge.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/kimlan/taskdeck/internal/models"
)

// FieldLockTTL is how long an explicit field lock protects a field after
// the user stops editing it. A lock held past this window is considered
// abandoned (the editor crashed or the user walked away) and expires.
const FieldLockTTL = 30 * time.Second

// Tracker accumulates dirty-field sets per entity and explicit field locks.
// All methods are safe for concurrent use and never fail: tracking state is
// advisory, losing it degrades merges but never corrupts data.
type Tracker struct {
	mu      sync.Mutex
	changes map[models.UUID]map[string]bool
	locks   map[models.UUID]map[string]time.Time

	// now is swappable in tests to drive lock expiry.
	now func() time.Time
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		changes: make(map[models.UUID]map[string]bool),
		locks:   make(map[models.UUID]map[string]time.Time),
		now:     time.Now,
	}
}

// TrackUpdate records that the given fields of an entity changed locally.
// Repeated calls for the same entity coalesce into one dirty set.
func (t *Tracker) TrackUpdate(entityID models.UUID, fields []string) {
	if entityID == "" || len(fields) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.changes[entityID]
	if set == nil {
		set = make(map[string]bool)
		t.changes[entityID] = set
	}
	for _, f := range fields {
		set[f] = true
	}
}

// LockField marks a field as actively edited. While locked, the field's
// local value survives even a remote-winning merge. Re-locking refreshes
// the expiry.
func (t *Tracker) LockField(entityID models.UUID, field string) {
	if entityID == "" || field == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.locks[entityID]
	if m == nil {
		m = make(map[string]time.Time)
		t.locks[entityID] = m
	}
	m[field] = t.now().Add(FieldLockTTL)
}

// UnlockField releases an explicit field lock.
func (t *Tracker) UnlockField(entityID models.UUID, field string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m := t.locks[entityID]; m != nil {
		delete(m, field)
		if len(m) == 0 {
			delete(t.locks, entityID)
		}
	}
}

// LockedFields returns the currently locked, unexpired fields of an entity
// in sorted order. Expired locks are pruned as a side effect.
func (t *Tracker) LockedFields(entityID models.UUID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.locks[entityID]
	if len(m) == 0 {
		return nil
	}

	now := t.now()
	out := make([]string, 0, len(m))
	for f, expiry := range m {
		if now.After(expiry) {
			delete(m, f)
			continue
		}
		out = append(out, f)
	}
	if len(m) == 0 {
		delete(t.locks, entityID)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// ChangedFields returns the dirty fields of an entity in sorted order, or
// nil if nothing changed since the last ClearChanges.
func (t *Tracker) ChangedFields(entityID models.UUID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.changes[entityID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ChangeSummary returns the dirty-field sets of all tracked entities.
func (t *Tracker) ChangeSummary() map[models.UUID][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[models.UUID][]string, len(t.changes))
	for id, set := range t.changes {
		if len(set) == 0 {
			continue
		}
		fields := make([]string, 0, len(set))
		for f := range set {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		out[id] = fields
	}
	return out
}

// ClearChanges drops the dirty set of an entity, typically after its
// changes were pushed or merged.
func (t *Tracker) ClearChanges(entityID models.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.changes, entityID)
}

// ClearAll resets all tracking state, used after a full successful sync.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = make(map[models.UUID]map[string]bool)
	t.locks = make(map[models.UUID]map[string]time.Time)
}
