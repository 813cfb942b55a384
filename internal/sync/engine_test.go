package sync

import (
	"context"
	"sync"
	"testing"

	"github.com/kimlan/taskdeck/internal/db"
	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
	"github.com/kimlan/taskdeck/internal/store"
	"github.com/kimlan/taskdeck/internal/sync/conflict"
	"github.com/kimlan/taskdeck/internal/sync/queue"
	"github.com/kimlan/taskdeck/internal/sync/tracker"
)

// fakeRemote is an in-memory RemoteStore recording every call.
type fakeRemote struct {
	mu         sync.Mutex
	heads      map[models.SyncDomain][]Head
	changes    map[models.SyncDomain]*ChangeSet
	watermarks map[models.SyncDomain]int64
	upserts    []models.Entity
	purged     []*models.Tombstone
	failWith   error
	calls      []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		heads:      make(map[models.SyncDomain][]Head),
		changes:    make(map[models.SyncDomain]*ChangeSet),
		watermarks: make(map[models.SyncDomain]int64),
	}
}

func (f *fakeRemote) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failWith
}

func (f *fakeRemote) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRemote) ServerTime(context.Context) (int64, error) {
	if err := f.record("ServerTime"); err != nil {
		return 0, err
	}
	return models.NowMillis(), nil
}

func (f *fakeRemote) ListChangedHeads(_ context.Context, domain models.SyncDomain, _ int64) ([]Head, error) {
	if err := f.record("ListChangedHeads"); err != nil {
		return nil, err
	}
	return f.heads[domain], nil
}

func (f *fakeRemote) FetchSince(_ context.Context, domain models.SyncDomain, _ int64) (*ChangeSet, error) {
	if err := f.record("FetchSince"); err != nil {
		return nil, err
	}
	if cs := f.changes[domain]; cs != nil {
		return cs, nil
	}
	return &ChangeSet{}, nil
}

func (f *fakeRemote) GetWatermark(_ context.Context, domain models.SyncDomain) (int64, error) {
	if err := f.record("GetWatermark"); err != nil {
		return 0, err
	}
	return f.watermarks[domain], nil
}

func (f *fakeRemote) BulkUpsert(_ context.Context, entities []models.Entity) error {
	if err := f.record("BulkUpsert"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, entities...)
	return nil
}

func (f *fakeRemote) Purge(_ context.Context, tombstones []*models.Tombstone) error {
	if err := f.record("Purge"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, tombstones...)
	return nil
}

type testRig struct {
	engine  *Engine
	store   *store.Store
	queue   *queue.Queue
	tracker *tracker.Tracker
	remote  *fakeRemote
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	log := logging.Get()
	st, err := store.New(repo, log)
	if err != nil {
		t.Fatalf("New store failed: %v", err)
	}
	q, err := queue.New(repo, queue.Config{}, log)
	if err != nil {
		t.Fatalf("New queue failed: %v", err)
	}

	tr := tracker.New()
	remote := newFakeRemote()
	engine := NewEngine(st, q, tr, conflict.NewResolver(log), remote, DefaultTimeouts(), log)

	return &testRig{engine: engine, store: st, queue: q, tracker: tr, remote: remote}
}

// TestSyncPullsNewEntities tests a first pull into an empty store.
func TestSyncPullsNewEntities(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.heads[models.DomainUser] = []Head{{EntityID: "t1", EntityType: models.EntityTask, UpdatedAt: 100}}
	rig.remote.changes[models.DomainUser] = &ChangeSet{
		Projects:  []*models.Project{{ID: "p1", Name: "board", CreatedAt: 50, UpdatedAt: 50}},
		Tasks:     []*models.Task{{ID: "t1", ProjectID: "p1", Title: "pulled", CreatedAt: 100, UpdatedAt: 100}},
		Watermark: 100,
	}

	result, err := rig.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if result.Pulled != 2 {
		t.Errorf("Expected 2 pulled, got %d", result.Pulled)
	}
	if rig.store.Get("t1") == nil || rig.store.Get("p1") == nil {
		t.Error("Expected pulled entities in the store")
	}
	if wm, _ := rig.store.GetWatermark(models.DomainUser); wm != 100 {
		t.Errorf("Expected watermark 100, got %d", wm)
	}
	if rig.engine.Status() != StatusIdle {
		t.Errorf("Expected idle status, got %s", rig.engine.Status())
	}
}

// TestSyncIsIdempotent tests that re-syncing unchanged state fetches no
// bodies and changes nothing.
func TestSyncIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.heads[models.DomainUser] = []Head{{EntityID: "t1", EntityType: models.EntityTask, UpdatedAt: 100}}
	rig.remote.changes[models.DomainUser] = &ChangeSet{
		Tasks:     []*models.Task{{ID: "t1", ProjectID: "p1", Title: "pulled", CreatedAt: 100, UpdatedAt: 100}},
		Watermark: 100,
	}
	rig.remote.watermarks[models.DomainUser] = 100

	if _, err := rig.engine.Sync(context.Background()); err != nil {
		t.Fatalf("First sync failed: %v", err)
	}

	result, err := rig.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Second sync failed: %v", err)
	}
	if result.Pulled != 0 || result.Conflicts != 0 {
		t.Errorf("Second sync should be a no-op, got %+v", result)
	}
	if rig.remote.callCount("FetchSince") != 1 {
		t.Errorf("Matching heads must skip the body fetch, got %d fetches", rig.remote.callCount("FetchSince"))
	}
}

// TestSyncRemoteWinsConflict tests LWW with a newer remote version.
func TestSyncRemoteWinsConflict(t *testing.T) {
	rig := newTestRig(t)
	rig.store.Put(&models.Task{ID: "t1", ProjectID: "p1", Title: "local", CreatedAt: 1, UpdatedAt: 100})

	rig.remote.heads[models.DomainUser] = []Head{{EntityID: "t1", EntityType: models.EntityTask, UpdatedAt: 200}}
	rig.remote.changes[models.DomainUser] = &ChangeSet{
		Tasks:     []*models.Task{{ID: "t1", ProjectID: "p1", Title: "remote", CreatedAt: 1, UpdatedAt: 200}},
		Watermark: 200,
	}

	result, err := rig.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Conflicts != 1 {
		t.Errorf("Expected 1 conflict, got %d", result.Conflicts)
	}
	if got := rig.store.Get("t1").(*models.Task); got.Title != "remote" {
		t.Errorf("Expected remote version, got %q", got.Title)
	}
}

// TestSyncLocalWinsConflict tests that a strictly newer local version
// survives a pull.
func TestSyncLocalWinsConflict(t *testing.T) {
	rig := newTestRig(t)
	rig.store.Put(&models.Task{ID: "t1", ProjectID: "p1", Title: "local", CreatedAt: 1, UpdatedAt: 300})

	rig.remote.heads[models.DomainUser] = []Head{{EntityID: "t1", EntityType: models.EntityTask, UpdatedAt: 200}}
	rig.remote.changes[models.DomainUser] = &ChangeSet{
		Tasks:     []*models.Task{{ID: "t1", ProjectID: "p1", Title: "remote", CreatedAt: 1, UpdatedAt: 200}},
		Watermark: 200,
	}

	result, err := rig.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Conflicts != 1 || result.Pulled != 0 {
		t.Errorf("Expected local win counted as conflict only, got %+v", result)
	}
	if got := rig.store.Get("t1").(*models.Task); got.Title != "local" {
		t.Errorf("Expected local version kept, got %q", got.Title)
	}
}

// TestSyncTombstoneBeatsLocalEdit tests that a pulled deletion wins over
// any local state.
func TestSyncTombstoneBeatsLocalEdit(t *testing.T) {
	rig := newTestRig(t)
	rig.store.Put(&models.Task{ID: "t1", ProjectID: "p1", Title: "edited offline", CreatedAt: 1, UpdatedAt: 999_999})

	rig.remote.heads[models.DomainUser] = []Head{{EntityID: "t1", EntityType: models.EntityTask, UpdatedAt: 100}}
	rig.remote.changes[models.DomainUser] = &ChangeSet{
		Tombstones: []*models.Tombstone{{EntityID: "t1", EntityType: models.EntityTask, ProjectID: "p1", DeletedAt: 100}},
		// A stale copy of the entity in the same set must not resurrect it.
		Tasks:     []*models.Task{{ID: "t1", ProjectID: "p1", Title: "stale", CreatedAt: 1, UpdatedAt: 150}},
		Watermark: 150,
	}

	if _, err := rig.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if rig.store.Get("t1") != nil {
		t.Error("Tombstoned entity must be gone despite the newer local edit")
	}
	if !rig.store.HasTombstone("t1") {
		t.Error("Expected tombstone recorded")
	}
}

// TestSyncTombstoneDropsQueuedUpdate tests that a pulled deletion cancels
// the entity's queued actions before the push phase, so a stale offline
// edit of a deleted entity is discarded rather than transmitted.
func TestSyncTombstoneDropsQueuedUpdate(t *testing.T) {
	rig := newTestRig(t)
	rig.store.Put(&models.Task{ID: "t1", ProjectID: "p1", Title: "edited offline", CreatedAt: 1, UpdatedAt: 500})
	rig.queue.Enqueue(models.ActionUpdate, &models.TaskPayload{
		Task:   &models.Task{ID: "t1", ProjectID: "p1", Title: "edited offline", CreatedAt: 1, UpdatedAt: 500},
		Fields: []string{"title"},
	}, models.PriorityNormal)
	rig.tracker.TrackUpdate("t1", []string{"title"})

	rig.remote.heads[models.DomainUser] = []Head{{EntityID: "t1", EntityType: models.EntityTask, UpdatedAt: 100}}
	rig.remote.changes[models.DomainUser] = &ChangeSet{
		Tombstones: []*models.Tombstone{{EntityID: "t1", EntityType: models.EntityTask, ProjectID: "p1", DeletedAt: 100}},
		Watermark:  100,
	}

	if _, err := rig.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(rig.remote.upserts) != 0 {
		t.Errorf("Stale update for a tombstoned entity was transmitted: %+v", rig.remote.upserts)
	}
	if rig.queue.Len() != 0 {
		t.Errorf("Expected queued actions dropped, got %d pending", rig.queue.Len())
	}
	if rig.tracker.ChangedFields("t1") != nil {
		t.Error("Expected tracked changes cleared for tombstoned entity")
	}
	if rig.store.Get("t1") != nil {
		t.Error("Tombstoned entity must be gone from the store")
	}
}

// TestSyncLockedFieldSurvivesPull tests the field-lock override end to end.
func TestSyncLockedFieldSurvivesPull(t *testing.T) {
	rig := newTestRig(t)
	rig.store.Put(&models.Task{ID: "t1", ProjectID: "p1", Title: "typing...", Content: "local notes", CreatedAt: 1, UpdatedAt: 100})
	rig.tracker.LockField("t1", "title")

	rig.remote.heads[models.DomainUser] = []Head{{EntityID: "t1", EntityType: models.EntityTask, UpdatedAt: 200}}
	rig.remote.changes[models.DomainUser] = &ChangeSet{
		Tasks:     []*models.Task{{ID: "t1", ProjectID: "p1", Title: "remote title", Content: "remote notes", CreatedAt: 1, UpdatedAt: 200}},
		Watermark: 200,
	}

	if _, err := rig.engine.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	got := rig.store.Get("t1").(*models.Task)
	if got.Title != "typing..." {
		t.Errorf("Locked title lost: %q", got.Title)
	}
	if got.Content != "remote notes" {
		t.Errorf("Unlocked field should take remote value: %q", got.Content)
	}
}

// TestSyncPushesQueue tests that a cycle drains the action queue.
func TestSyncPushesQueue(t *testing.T) {
	rig := newTestRig(t)

	rig.queue.Enqueue(models.ActionCreate, &models.TaskPayload{
		Task: &models.Task{ID: "t1", ProjectID: "p1", Title: "mine", CreatedAt: 1, UpdatedAt: 1},
	}, models.PriorityNormal)
	rig.queue.Enqueue(models.ActionDelete, &models.TaskPayload{
		Task: &models.Task{ID: "t2", ProjectID: "p1", Title: "gone", CreatedAt: 1, UpdatedAt: 2},
	}, models.PriorityNormal)
	rig.tracker.TrackUpdate("t1", []string{"title"})

	result, err := rig.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Pushed != 2 {
		t.Errorf("Expected 2 pushed, got %d", result.Pushed)
	}
	if len(rig.remote.upserts) != 1 || rig.remote.upserts[0].EntityID() != "t1" {
		t.Errorf("Expected t1 upserted, got %+v", rig.remote.upserts)
	}
	if len(rig.remote.purged) != 1 || rig.remote.purged[0].EntityID != "t2" {
		t.Errorf("Expected t2 purged, got %+v", rig.remote.purged)
	}
	if rig.queue.Len() != 0 {
		t.Errorf("Expected drained queue, got %d", rig.queue.Len())
	}
	// Delivered changes are no longer dirty.
	if rig.tracker.ChangedFields("t1") != nil {
		t.Error("Expected tracked changes cleared after push")
	}
}

// TestSyncPushesParentBeforeChildKeepsIds tests two offline creates with a
// parent link: reconnecting sends exactly two creates, parent first, and
// the child still references the parent's original id.
func TestSyncPushesParentBeforeChildKeepsIds(t *testing.T) {
	rig := newTestRig(t)
	rig.queue.Enqueue(models.ActionCreate, &models.TaskPayload{
		Task: &models.Task{ID: "b1", ProjectID: "p1", ParentID: "a1", Title: "child", CreatedAt: 2, UpdatedAt: 2},
	}, models.PriorityNormal)
	rig.queue.Enqueue(models.ActionCreate, &models.TaskPayload{
		Task: &models.Task{ID: "a1", ProjectID: "p1", Title: "parent", CreatedAt: 1, UpdatedAt: 1},
	}, models.PriorityNormal)

	result, err := rig.engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Pushed != 2 {
		t.Errorf("Expected exactly 2 pushed, got %d", result.Pushed)
	}
	if len(rig.remote.upserts) != 2 {
		t.Fatalf("Expected 2 upserts, got %d", len(rig.remote.upserts))
	}
	if rig.remote.upserts[0].EntityID() != "a1" || rig.remote.upserts[1].EntityID() != "b1" {
		t.Errorf("Parent create must go out first: %s, %s",
			rig.remote.upserts[0].EntityID(), rig.remote.upserts[1].EntityID())
	}
	child := rig.remote.upserts[1].(*models.Task)
	if child.ParentID != "a1" {
		t.Errorf("Child must keep its original parent id, got %q", child.ParentID)
	}
}

// TestSyncOfflineStatus tests offline classification.
func TestSyncOfflineStatus(t *testing.T) {
	rig := newTestRig(t)
	rig.remote.failWith = apperrors.New(apperrors.ErrSyncOffline, "no route to host")

	_, err := rig.engine.Sync(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncOffline) {
		t.Fatalf("Expected SYNC_OFFLINE, got %v", err)
	}
	if rig.engine.Status() != StatusOffline {
		t.Errorf("Expected offline status, got %s", rig.engine.Status())
	}
	if rig.engine.LastError() == nil {
		t.Error("Expected last error recorded")
	}
}

// TestSyncMutualExclusion tests that a second concurrent cycle is refused.
func TestSyncMutualExclusion(t *testing.T) {
	rig := newTestRig(t)

	if !rig.engine.begin() {
		t.Fatal("begin should claim the slot")
	}
	_, err := rig.engine.Sync(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncFailed) {
		t.Errorf("Expected SYNC_FAILED while a cycle runs, got %v", err)
	}
	rig.engine.finish(nil)

	if _, err := rig.engine.Sync(context.Background()); err != nil {
		t.Errorf("Sync after release failed: %v", err)
	}
}

// TestResumePushesBeforePull tests the interaction-first ordering.
func TestResumePushesBeforePull(t *testing.T) {
	rig := newTestRig(t)
	rig.queue.Enqueue(models.ActionCreate, &models.TaskPayload{
		Task: &models.Task{ID: "t1", ProjectID: "p1", Title: "offline edit", CreatedAt: 1, UpdatedAt: 1},
	}, models.PriorityNormal)

	if _, err := rig.engine.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	pushIdx, pullIdx := -1, -1
	for i, c := range rig.remote.calls {
		if c == "BulkUpsert" && pushIdx == -1 {
			pushIdx = i
		}
		if c == "ListChangedHeads" && pullIdx == -1 {
			pullIdx = i
		}
	}
	if pushIdx == -1 || pullIdx == -1 || pushIdx > pullIdx {
		t.Errorf("Resume must push before pulling: calls=%v", rig.remote.calls)
	}
}

// TestSkewSampling tests that the measured offset reaches the resolver.
func TestSkewSampling(t *testing.T) {
	rig := newTestRig(t)

	resolver := conflict.NewResolver(logging.Get())
	engine := NewEngine(rig.store, rig.queue, rig.tracker, resolver, rig.remote, DefaultTimeouts(), logging.Get())

	if err := engine.SampleSkew(context.Background()); err != nil {
		t.Fatalf("SampleSkew failed: %v", err)
	}
	// The fake server shares the local clock, so the offset is near zero.
	if off := resolver.SkewOffset(); off < -1000 || off > 1000 {
		t.Errorf("Expected near-zero skew, got %d", off)
	}
}
