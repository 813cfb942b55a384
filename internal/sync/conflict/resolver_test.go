package conflict

import (
	"reflect"
	"testing"

	apperrors "github.com/kimlan/taskdeck/internal/errors"
	"github.com/kimlan/taskdeck/internal/logging"
	"github.com/kimlan/taskdeck/internal/models"
)

func newResolver() *Resolver {
	return NewResolver(logging.Get())
}

// TestLocalWinsWhenStrictlyLater tests the basic LWW rule.
func TestLocalWinsWhenStrictlyLater(t *testing.T) {
	r := newResolver()

	local := &models.Task{ID: "t1", ProjectID: "p1", Title: "local", UpdatedAt: 200}
	remote := &models.Task{ID: "t1", ProjectID: "p1", Title: "remote", UpdatedAt: 100}

	result, err := r.Resolve(&Conflict{Local: local, Remote: remote})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Winner != SideLocal {
		t.Errorf("Expected local win, got %s", result.Winner)
	}
	if result.Merged.(*models.Task).Title != "local" {
		t.Errorf("Expected local title, got %s", result.Merged.(*models.Task).Title)
	}

	// Merged is a clone, not an alias.
	result.Merged.(*models.Task).Title = "mutated"
	if local.Title != "local" {
		t.Error("Resolve aliased the local entity")
	}
}

// TestRemoteWinsWhenLater tests the remote side of LWW.
func TestRemoteWinsWhenLater(t *testing.T) {
	r := newResolver()

	local := &models.Task{ID: "t1", ProjectID: "p1", Title: "local", UpdatedAt: 100}
	remote := &models.Task{ID: "t1", ProjectID: "p1", Title: "remote", UpdatedAt: 200}

	result, err := r.Resolve(&Conflict{Local: local, Remote: remote})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Winner != SideRemote {
		t.Errorf("Expected remote win, got %s", result.Winner)
	}
	if result.Merged.(*models.Task).Title != "remote" {
		t.Errorf("Expected remote title, got %s", result.Merged.(*models.Task).Title)
	}
}

// TestExactTieGoesToRemote tests that an exact timestamp tie converges on
// the remote version on every device.
func TestExactTieGoesToRemote(t *testing.T) {
	r := newResolver()

	local := &models.Task{ID: "t1", ProjectID: "p1", Title: "local", UpdatedAt: 500}
	remote := &models.Task{ID: "t1", ProjectID: "p1", Title: "remote", UpdatedAt: 500}

	result, err := r.Resolve(&Conflict{Local: local, Remote: remote})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Winner != SideRemote {
		t.Errorf("Tie must go to remote, got %s", result.Winner)
	}
}

// TestSkewCorrection tests that local timestamps are compared in the
// server's clock frame.
func TestSkewCorrection(t *testing.T) {
	r := newResolver()

	// Local clock runs 1s behind the server. Raw comparison would let the
	// remote win; corrected comparison lets the local edit win.
	local := &models.Task{ID: "t1", ProjectID: "p1", Title: "local", UpdatedAt: 1500}
	remote := &models.Task{ID: "t1", ProjectID: "p1", Title: "remote", UpdatedAt: 2000}

	result, _ := r.Resolve(&Conflict{Local: local, Remote: remote})
	if result.Winner != SideRemote {
		t.Fatalf("Uncorrected comparison should favor remote, got %s", result.Winner)
	}

	r.SetSkewOffset(1000)
	result, err := r.Resolve(&Conflict{Local: local, Remote: remote})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Winner != SideLocal {
		t.Errorf("Skew-corrected comparison should favor local, got %s", result.Winner)
	}
	if result.LocalTimestamp != 2500 {
		t.Errorf("Expected corrected local timestamp 2500, got %d", result.LocalTimestamp)
	}
}

// TestLockedFieldsSurviveRemoteWin tests the field-lock override.
func TestLockedFieldsSurviveRemoteWin(t *testing.T) {
	r := newResolver()

	local := &models.Task{ID: "t1", ProjectID: "p1", Title: "my title", Content: "my notes", Status: models.TaskStatusOpen, UpdatedAt: 100}
	remote := &models.Task{ID: "t1", ProjectID: "p1", Title: "their title", Content: "their notes", Status: models.TaskStatusDone, UpdatedAt: 200}

	result, err := r.Resolve(&Conflict{
		Local: local, Remote: remote,
		LockedFields: []string{"title", "content"},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Winner != SideRemote {
		t.Fatalf("Expected remote win, got %s", result.Winner)
	}

	merged := result.Merged.(*models.Task)
	if merged.Title != "my title" || merged.Content != "my notes" {
		t.Errorf("Locked fields lost: title=%q content=%q", merged.Title, merged.Content)
	}
	if merged.Status != models.TaskStatusDone {
		t.Errorf("Unlocked field should take the remote value, got %s", merged.Status)
	}
	if !reflect.DeepEqual(result.KeptFields, []string{"title", "content"}) {
		t.Errorf("Unexpected kept fields: %v", result.KeptFields)
	}
}

// TestLocksIgnoredOnLocalWin tests that locks only matter on a remote win.
func TestLocksIgnoredOnLocalWin(t *testing.T) {
	r := newResolver()

	local := &models.Task{ID: "t1", ProjectID: "p1", Title: "local", UpdatedAt: 300}
	remote := &models.Task{ID: "t1", ProjectID: "p1", Title: "remote", UpdatedAt: 100}

	result, err := r.Resolve(&Conflict{
		Local: local, Remote: remote,
		LockedFields: []string{"title"},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Winner != SideLocal || result.KeptFields != nil {
		t.Errorf("Local win should not report kept fields: %v", result.KeptFields)
	}
}

// TestUnknownLockedFieldSkipped tests that stale lock names are harmless.
func TestUnknownLockedFieldSkipped(t *testing.T) {
	r := newResolver()

	local := &models.Project{ID: "p1", Name: "mine", UpdatedAt: 100}
	remote := &models.Project{ID: "p1", Name: "theirs", UpdatedAt: 200}

	result, err := r.Resolve(&Conflict{
		Local: local, Remote: remote,
		LockedFields: []string{"name", "no_such_field"},
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Merged.(*models.Project).Name != "mine" {
		t.Error("Locked name should survive")
	}
	if !reflect.DeepEqual(result.KeptFields, []string{"name"}) {
		t.Errorf("Expected only known field kept, got %v", result.KeptFields)
	}
}

// TestResolveValidation tests malformed conflict inputs.
func TestResolveValidation(t *testing.T) {
	r := newResolver()

	cases := []struct {
		name     string
		conflict *Conflict
	}{
		{"missing local", &Conflict{Remote: &models.Task{ID: "t1"}}},
		{"missing remote", &Conflict{Local: &models.Task{ID: "t1"}}},
		{"id mismatch", &Conflict{Local: &models.Task{ID: "t1"}, Remote: &models.Task{ID: "t2"}}},
		{"kind mismatch", &Conflict{Local: &models.Task{ID: "x"}, Remote: &models.Project{ID: "x"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Resolve(tc.conflict); !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("Expected INVALID, got %v", err)
			}
		})
	}
}

// TestConnectionFieldOverlay tests the connection field table.
func TestConnectionFieldOverlay(t *testing.T) {
	r := newResolver()

	local := &models.Connection{ID: "c1", ProjectID: "p1", FromTaskID: "a", ToTaskID: "b", Label: "blocks", UpdatedAt: 100}
	remote := &models.Connection{ID: "c1", ProjectID: "p1", FromTaskID: "a", ToTaskID: "c", Label: "relates", UpdatedAt: 200}

	result, err := r.Resolve(&Conflict{Local: local, Remote: remote, LockedFields: []string{"label"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	merged := result.Merged.(*models.Connection)
	if merged.Label != "blocks" {
		t.Errorf("Locked label should survive, got %q", merged.Label)
	}
	if merged.ToTaskID != "c" {
		t.Errorf("Unlocked endpoint should take remote value, got %s", merged.ToTaskID)
	}
}
