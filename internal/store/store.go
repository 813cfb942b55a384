// Package store provides the local durable entity store.
//
// The store owns all entity state on the client. Writes go to SQLite first
// and then update an in-memory indexed view (map keyed by id, secondary
// index by project) that the reactive surface publishes from, so the UI
// never waits on disk or network to observe a change. Optimistic writes
// always land here before any remote call is attempted.
package store

import (
	"sync"

	"github.com/kimlan/taskdeck/internal/db"
	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
)

// EventType identifies a store change notification.
type EventType string

const (
	EventPut       EventType = "put"
	EventDelete    EventType = "delete"
	EventTombstone EventType = "tombstone"
)

// Event is published on every store mutation. Entity is a clone; observers
// may hold it without racing the index.
type Event struct {
	Type       EventType
	EntityType models.EntityType
	EntityID   models.UUID
	ProjectID  models.UUID
	Entity     models.Entity
}

// subscriber channels are buffered; a slow observer loses events rather
// than blocking store writes.
const subscriberBuffer = 64

// Store is the process-wide local durable store. All mutation goes through
// its public methods, which serialize conflicting writes internally.
type Store struct {
	repo *db.Repository
	log  *logging.Logger

	mu         sync.RWMutex
	entities   map[models.UUID]models.Entity
	byProject  map[models.UUID]map[models.UUID]models.Entity
	tombstones map[models.UUID]bool
	watermarks map[models.SyncDomain]int64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a Store and loads the durable state into the in-memory view.
func New(repo *db.Repository, log *logging.Logger) (*Store, error) {
	s := &Store{
		repo:       repo,
		log:        log.Component("store"),
		entities:   make(map[models.UUID]models.Entity),
		byProject:  make(map[models.UUID]map[models.UUID]models.Entity),
		tombstones: make(map[models.UUID]bool),
		watermarks: make(map[models.SyncDomain]int64),
		subs:       make(map[int]chan Event),
	}

	all, err := repo.ListAllEntities()
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		s.index(e)
	}

	stones, err := repo.ListAllTombstones()
	if err != nil {
		return nil, err
	}
	for _, t := range stones {
		s.tombstones[t.EntityID] = true
	}

	s.log.Info("Store loaded", map[string]interface{}{
		"entities":   len(s.entities),
		"tombstones": len(s.tombstones),
	})
	return s, nil
}

// index inserts an entity into the in-memory maps. Caller holds mu.
func (s *Store) index(e models.Entity) {
	s.entities[e.EntityID()] = e
	proj := e.ProjectRef()
	if s.byProject[proj] == nil {
		s.byProject[proj] = make(map[models.UUID]models.Entity)
	}
	s.byProject[proj][e.EntityID()] = e
}

// unindex removes an entity from the in-memory maps. Caller holds mu.
func (s *Store) unindex(id models.UUID) {
	e, ok := s.entities[id]
	if !ok {
		return
	}
	delete(s.entities, id)
	if m := s.byProject[e.ProjectRef()]; m != nil {
		delete(m, id)
	}
}

// Get returns a clone of the entity with the given id, or nil if the id is
// unknown or tombstoned. Soft-deleted entities are still returned, with
// their DeletedAt set; filtering them is the caller's choice.
func (s *Store) Get(id models.UUID) models.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tombstones[id] {
		return nil
	}
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	return e.CloneEntity()
}

// Put writes an entity durably and updates the reactive view.
// Writes carrying a tombstoned id are discarded: a tombstone represents an
// irreversible remote decision and nothing may resurrect the entity.
func (s *Store) Put(e models.Entity) error {
	if !e.Kind().IsValid() || e.EntityID() == "" {
		return apperrors.New(apperrors.ErrInvalid, "entity missing id or kind")
	}

	s.mu.Lock()
	if s.tombstones[e.EntityID()] {
		s.mu.Unlock()
		s.log.Warn("Discarding write for tombstoned entity", map[string]interface{}{
			"entity_id": e.EntityID().String(),
		})
		return apperrors.New(apperrors.ErrSyncTombstone, "entity is tombstoned: "+e.EntityID().String())
	}

	clone := e.CloneEntity()
	if err := s.repo.PutEntity(clone); err != nil {
		s.mu.Unlock()
		return err
	}
	s.index(clone)
	s.mu.Unlock()

	s.publish(Event{
		Type:       EventPut,
		EntityType: e.Kind(),
		EntityID:   e.EntityID(),
		ProjectID:  e.ProjectRef(),
		Entity:     e.CloneEntity(),
	})
	return nil
}

// Delete soft-deletes an entity: it sets DeletedAt, bumps UpdatedAt so the
// deletion propagates through LWW, and keeps the row for the retention
// window.
func (s *Store) Delete(id models.UUID) error {
	s.mu.Lock()
	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrNotFound, "entity not found: "+id.String())
	}

	now := models.NowMillis()
	clone := e.CloneEntity()
	clone.SetRemovedAt(now)
	clone.SetModifiedAt(now)

	if err := s.repo.PutEntity(clone); err != nil {
		s.mu.Unlock()
		return err
	}
	s.index(clone)
	s.mu.Unlock()

	s.publish(Event{
		Type:       EventDelete,
		EntityType: clone.Kind(),
		EntityID:   id,
		ProjectID:  clone.ProjectRef(),
		Entity:     clone.CloneEntity(),
	})
	return nil
}

// QueryByProject returns clones of all live entities in a project.
func (s *Store) QueryByProject(projectID models.UUID) []models.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.byProject[projectID]
	out := make([]models.Entity, 0, len(m))
	for id, e := range m {
		if s.tombstones[id] || e.RemovedAt() != 0 {
			continue
		}
		out = append(out, e.CloneEntity())
	}
	return out
}

// All returns clones of every entity, including soft-deleted ones.
// Used by the portable export.
func (s *Store) All() []models.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Entity, 0, len(s.entities))
	for id, e := range s.entities {
		if s.tombstones[id] {
			continue
		}
		out = append(out, e.CloneEntity())
	}
	return out
}

// GetWatermark returns the watermark for a sync domain.
func (s *Store) GetWatermark(domain models.SyncDomain) (int64, bool) {
	s.mu.RLock()
	if ts, ok := s.watermarks[domain]; ok {
		s.mu.RUnlock()
		return ts, true
	}
	s.mu.RUnlock()

	ts, ok, err := s.repo.GetWatermark(domain)
	if err != nil {
		s.log.Error("Failed to read watermark", err, map[string]interface{}{
			"domain": string(domain),
		})
		return 0, false
	}
	if ok {
		s.mu.Lock()
		s.watermarks[domain] = ts
		s.mu.Unlock()
	}
	return ts, ok
}

// SetWatermark advances the watermark for a sync domain. Watermarks only
// move forward; a smaller timestamp is ignored so a late or replayed pull
// can never rewind change detection.
func (s *Store) SetWatermark(domain models.SyncDomain, ts int64) error {
	current, ok := s.GetWatermark(domain)
	if ok && ts <= current {
		return nil
	}

	if err := s.repo.SetWatermark(domain, ts); err != nil {
		return err
	}

	s.mu.Lock()
	s.watermarks[domain] = ts
	s.mu.Unlock()
	return nil
}

// ApplyTombstone removes an entity unconditionally and remembers the
// tombstone so the id can never be written again. Local state is
// irrelevant: the tombstone is an irreversible remote decision.
func (s *Store) ApplyTombstone(t *models.Tombstone) error {
	if err := s.repo.UpsertTombstone(t); err != nil {
		return err
	}

	s.mu.Lock()
	s.tombstones[t.EntityID] = true
	_, existed := s.entities[t.EntityID]
	if existed {
		if err := s.repo.DeleteEntityRow(t.EntityType, t.EntityID); err != nil {
			s.mu.Unlock()
			return err
		}
		s.unindex(t.EntityID)
	}
	s.mu.Unlock()

	if existed {
		s.publish(Event{
			Type:       EventTombstone,
			EntityType: t.EntityType,
			EntityID:   t.EntityID,
			ProjectID:  t.ProjectID,
		})
	}
	return nil
}

// HasTombstone reports whether an id is known to be tombstoned.
func (s *Store) HasTombstone(id models.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones[id]
}

// PurgeExpired hard-deletes soft-deleted entities older than the retention
// window and returns how many were removed.
func (s *Store) PurgeExpired(now int64) (int, error) {
	cutoff := now - models.RetentionWindow.Milliseconds()

	n, err := s.repo.PurgeSoftDeleted(cutoff)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for id, e := range s.entities {
		if e.RemovedAt() != 0 && e.RemovedAt() < cutoff {
			s.unindex(id)
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.log.Info("Purged expired soft-deleted entities", map[string]interface{}{
			"count": n,
		})
	}
	return n, nil
}

// Subscribe registers a reactive observer. The returned cancel function
// must be called to release the subscription.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish fans an event out to all subscribers without blocking; a full
// subscriber buffer drops the event for that observer.
func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
