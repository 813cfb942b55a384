// Package sync coordinates synchronization between the local durable store
// and a remote store: pulling remote changes through conflict resolution,
// pushing the offline action queue, and keeping per-domain watermarks.
package sync

import (
	"context"

	"github.com/kimlan/taskdeck/internal/models"
)

// Head is a lightweight change descriptor: enough to decide whether a full
// fetch is needed without moving entity bodies.
type Head struct {
	EntityID   models.UUID       `json:"entity_id"`
	EntityType models.EntityType `json:"entity_type"`
	UpdatedAt  int64             `json:"updated_at"`
}

// ChangeSet is everything that changed in one domain since a watermark.
type ChangeSet struct {
	Tasks       []*models.Task       `json:"tasks,omitempty"`
	Projects    []*models.Project    `json:"projects,omitempty"`
	Connections []*models.Connection `json:"connections,omitempty"`
	Tombstones  []*models.Tombstone  `json:"tombstones,omitempty"`
	// Watermark is the server-side high-water timestamp covering this set.
	Watermark int64 `json:"watermark"`
}

// Entities returns the change set's entities as the generic interface, in
// dependency order: projects before tasks before connections.
func (cs *ChangeSet) Entities() []models.Entity {
	out := make([]models.Entity, 0, len(cs.Projects)+len(cs.Tasks)+len(cs.Connections))
	for _, p := range cs.Projects {
		out = append(out, p)
	}
	for _, t := range cs.Tasks {
		out = append(out, t)
	}
	for _, c := range cs.Connections {
		out = append(out, c)
	}
	return out
}

// RemoteStore is the server-side counterpart of the local store. All calls
// take a context; implementations must honor cancellation and classify
// connectivity failures as SYNC_OFFLINE so the engine can tell "server
// unreachable" from "server said no".
type RemoteStore interface {
	// ServerTime returns the server's current wall clock in unix millis,
	// used for clock-skew sampling.
	ServerTime(ctx context.Context) (int64, error)

	// ListChangedHeads returns change descriptors for a domain since the
	// given watermark.
	ListChangedHeads(ctx context.Context, domain models.SyncDomain, since int64) ([]Head, error)

	// FetchSince returns the full change set for a domain since the given
	// watermark.
	FetchSince(ctx context.Context, domain models.SyncDomain, since int64) (*ChangeSet, error)

	// GetWatermark returns the server's current high-water timestamp for
	// a domain.
	GetWatermark(ctx context.Context, domain models.SyncDomain) (int64, error)

	// BulkUpsert writes entities to the remote store.
	BulkUpsert(ctx context.Context, entities []models.Entity) error

	// Purge propagates deletions to the remote store.
	Purge(ctx context.Context, tombstones []*models.Tombstone) error
}
