// Package export provides portable JSON snapshots of the local store, so
// a user can move their data between machines or keep offline backups
// independent of the SQLite file.
package export

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/natefinch/atomic"

	"github.com/kimlan/taskdeck/internal/db"
	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
	"github.com/kimlan/taskdeck/internal/store"
)

// FormatVersion is bumped when the snapshot shape changes incompatibly.
const FormatVersion = 1

// Snapshot is the portable file format. Tombstones travel with the data:
// restoring a snapshot must not resurrect entities deleted elsewhere.
type Snapshot struct {
	Version     int                  `json:"version"`
	ExportedAt  int64                `json:"exported_at"`
	Projects    []*models.Project    `json:"projects,omitempty"`
	Tasks       []*models.Task       `json:"tasks,omitempty"`
	Connections []*models.Connection `json:"connections,omitempty"`
	Tombstones  []*models.Tombstone  `json:"tombstones,omitempty"`
}

// Porter exports and imports snapshots against the local store.
type Porter struct {
	store *store.Store
	repo  *db.Repository
	log   *logging.Logger
}

// New creates a Porter.
func New(st *store.Store, repo *db.Repository, log *logging.Logger) *Porter {
	return &Porter{store: st, repo: repo, log: log.Component("export")}
}

// Build assembles a snapshot of the current local state, including
// soft-deleted entities still inside the retention window.
func (p *Porter) Build() (*Snapshot, error) {
	snap := &Snapshot{
		Version:    FormatVersion,
		ExportedAt: models.NowMillis(),
	}

	for _, e := range p.store.All() {
		switch v := e.(type) {
		case *models.Project:
			snap.Projects = append(snap.Projects, v)
		case *models.Task:
			snap.Tasks = append(snap.Tasks, v)
		case *models.Connection:
			snap.Connections = append(snap.Connections, v)
		}
	}

	stones, err := p.repo.ListAllTombstones()
	if err != nil {
		return nil, err
	}
	snap.Tombstones = stones
	return snap, nil
}

// Export writes a snapshot to path via an atomic rename, so an interrupted
// export never leaves a truncated file where a good backup used to be.
func (p *Porter) Export(path string) error {
	snap, err := p.Build()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to encode snapshot", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return apperrors.Wrap(apperrors.ErrExportFailed, "failed to write snapshot", err)
	}

	p.log.Info("Snapshot exported", map[string]interface{}{
		"path":     path,
		"projects": len(snap.Projects),
		"tasks":    len(snap.Tasks),
	})
	return nil
}

// ImportResult counts what an import did.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Import merges a snapshot file into the local store. Tombstones are
// applied first; entities whose ids are tombstoned, here or in the
// snapshot, are skipped rather than resurrected.
func (p *Porter) Import(path string) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "failed to read snapshot", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "snapshot is not valid JSON", err)
	}
	if snap.Version != FormatVersion {
		return nil, apperrors.New(apperrors.ErrImportFailed, "unsupported snapshot version")
	}

	result := &ImportResult{}

	for _, stone := range snap.Tombstones {
		if err := p.store.ApplyTombstone(stone); err != nil {
			return result, err
		}
	}

	entities := make([]models.Entity, 0, len(snap.Projects)+len(snap.Tasks)+len(snap.Connections))
	for _, v := range snap.Projects {
		entities = append(entities, v)
	}
	for _, v := range snap.Tasks {
		entities = append(entities, v)
	}
	for _, v := range snap.Connections {
		entities = append(entities, v)
	}

	for _, e := range entities {
		err := p.store.Put(e)
		switch {
		case err == nil:
			result.Imported++
		case apperrors.Is(err, apperrors.ErrSyncTombstone):
			result.Skipped++
		default:
			return result, err
		}
	}

	p.log.Info("Snapshot imported", map[string]interface{}{
		"path":     path,
		"imported": result.Imported,
		"skipped":  result.Skipped,
	})
	return result, nil
}
