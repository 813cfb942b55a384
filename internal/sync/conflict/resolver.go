// Package conflict provides conflict resolution for multi-device
// synchronization using a "last write wins" strategy over entity
// timestamps, with field locks as an override for values the user is
// actively editing.
package conflict

import (
	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
)

// Side identifies which version of an entity won a conflict.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Conflict represents a detected divergence between the local and remote
// version of one entity.
type Conflict struct {
	Local  models.Entity
	Remote models.Entity
	// LockedFields are local fields protected by an active edit lock.
	LockedFields []string
}

// Result is the outcome of resolving a conflict. Merged is the entity that
// must be written locally; it is always a clone, never an alias of either
// input.
type Result struct {
	Winner Side
	Merged models.Entity
	// KeptFields lists locked local fields re-applied onto a remote win.
	KeptFields []string

	LocalTimestamp  int64
	RemoteTimestamp int64
}

// Resolver resolves conflicts between local and remote entity versions.
//
// Timestamps come from different wall clocks, so the resolver carries a
// skew offset (server time minus local time, sampled by the sync engine)
// and compares local timestamps in the server's frame.
type Resolver struct {
	log *logging.Logger

	// skewMillis is added to local timestamps before comparison.
	skewMillis int64
}

// NewResolver creates a Resolver with no skew correction.
func NewResolver(log *logging.Logger) *Resolver {
	return &Resolver{log: log.Component("conflict")}
}

// SetSkewOffset updates the clock-skew correction, in milliseconds of
// server time minus local time.
func (r *Resolver) SetSkewOffset(millis int64) {
	r.skewMillis = millis
}

// SkewOffset returns the current skew correction in milliseconds.
func (r *Resolver) SkewOffset() int64 {
	return r.skewMillis
}

// Resolve resolves a conflict using last-write-wins over skew-corrected
// timestamps. The local version wins only when it is strictly later; on an
// exact tie the remote version wins, so every device that observes the
// same pair converges on the same value regardless of which side it holds.
//
// When the remote version wins but the user holds field locks, the locked
// local values are re-applied on top of the remote entity.
func (r *Resolver) Resolve(c *Conflict) (*Result, error) {
	if c.Local == nil || c.Remote == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict requires both a local and a remote entity")
	}
	if c.Local.EntityID() != c.Remote.EntityID() {
		return nil, apperrors.New(apperrors.ErrInvalid,
			"conflict entity ids differ: "+c.Local.EntityID().String()+" vs "+c.Remote.EntityID().String())
	}
	if c.Local.Kind() != c.Remote.Kind() {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict entity kinds differ")
	}

	localTS := c.Local.ModifiedAt() + r.skewMillis
	remoteTS := c.Remote.ModifiedAt()

	result := &Result{
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
	}

	if localTS > remoteTS {
		result.Winner = SideLocal
		result.Merged = c.Local.CloneEntity()
	} else {
		result.Winner = SideRemote
		result.Merged = c.Remote.CloneEntity()
		if len(c.LockedFields) > 0 {
			kept, err := overlayFields(result.Merged, c.Local, c.LockedFields)
			if err != nil {
				return nil, err
			}
			result.KeptFields = kept
		}
	}

	r.log.Info("Conflict resolved", map[string]interface{}{
		"entity_id":        c.Local.EntityID().String(),
		"winner":           string(result.Winner),
		"local_timestamp":  localTS,
		"remote_timestamp": remoteTS,
		"kept_fields":      len(result.KeptFields),
	})
	return result, nil
}

// overlayFields copies the named fields from src onto dst and returns the
// names actually applied. Unknown field names are skipped; a lock on a
// field the entity does not have is stale tracker state, not an error.
func overlayFields(dst, src models.Entity, fields []string) ([]string, error) {
	applied := make([]string, 0, len(fields))
	for _, f := range fields {
		ok, err := overlayField(dst, src, f)
		if err != nil {
			return nil, err
		}
		if ok {
			applied = append(applied, f)
		}
	}
	if len(applied) == 0 {
		return nil, nil
	}
	return applied, nil
}

// overlayField copies one named field. Field names follow the wire names
// of each entity.
func overlayField(dst, src models.Entity, field string) (bool, error) {
	switch d := dst.(type) {
	case *models.Task:
		s, ok := src.(*models.Task)
		if !ok {
			return false, apperrors.New(apperrors.ErrInternal, "entity type mismatch during field overlay")
		}
		return overlayTaskField(d, s, field), nil
	case *models.Project:
		s, ok := src.(*models.Project)
		if !ok {
			return false, apperrors.New(apperrors.ErrInternal, "entity type mismatch during field overlay")
		}
		return overlayProjectField(d, s, field), nil
	case *models.Connection:
		s, ok := src.(*models.Connection)
		if !ok {
			return false, apperrors.New(apperrors.ErrInternal, "entity type mismatch during field overlay")
		}
		return overlayConnectionField(d, s, field), nil
	}
	return false, apperrors.New(apperrors.ErrInternal, "unknown entity type during field overlay")
}

func overlayTaskField(dst, src *models.Task, field string) bool {
	switch field {
	case "title":
		dst.Title = src.Title
	case "content":
		dst.Content = src.Content
	case "stage":
		dst.Stage = src.Stage
	case "status":
		dst.Status = src.Status
	case "rank":
		dst.Rank = src.Rank
	case "tags":
		dst.Tags = src.Tags
	case "parent_id":
		dst.ParentID = src.ParentID
	case "pos_x":
		dst.PosX = src.PosX
	case "pos_y":
		dst.PosY = src.PosY
	default:
		return false
	}
	return true
}

func overlayProjectField(dst, src *models.Project, field string) bool {
	switch field {
	case "name":
		dst.Name = src.Name
	case "description":
		dst.Description = src.Description
	case "color":
		dst.Color = src.Color
	case "rank":
		dst.Rank = src.Rank
	default:
		return false
	}
	return true
}

func overlayConnectionField(dst, src *models.Connection, field string) bool {
	switch field {
	case "label":
		dst.Label = src.Label
	case "from_task_id":
		dst.FromTaskID = src.FromTaskID
	case "to_task_id":
		dst.ToTaskID = src.ToTaskID
	default:
		return false
	}
	return true
}
