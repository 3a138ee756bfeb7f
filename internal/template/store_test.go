package template

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/onboardhq/gatekeeper/internal/storage"
	"github.com/onboardhq/gatekeeper/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func validSections() []types.Section {
	return []types.Section{
		{
			ID:    "company",
			Title: "Company Details",
			Order: 1,
			Fields: []types.Field{
				{ID: "name", Type: types.FieldShortText, Label: "Company name", Required: true, Order: 1},
				{ID: "registered", Type: types.FieldSingleChoice, Label: "Registered?", Options: []string{"Yes", "No"}, Order: 2},
			},
			PassFail: &types.PassFailCriteria{
				Type: types.CriteriaAutomatic,
				Rules: []types.Rule{
					{FieldID: "registered", Operator: types.OpEquals, Operand: types.StringOperand("Yes"), Message: "company must be registered"},
				},
			},
		},
	}
}

func TestSave_FirstVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	result, err := store.Save(ctx, "tpl-intake", validSections(), types.GateCriteria{}, "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if result.Template.Version != 1 {
		t.Errorf("version = %d, want 1", result.Template.Version)
	}
	if result.PreviousVersion != nil {
		t.Errorf("first save has no prior snapshot, got version %d", result.PreviousVersion.Version)
	}

	current, err := store.GetCurrent(ctx, "tpl-intake")
	if err != nil {
		t.Fatal(err)
	}
	if current.Version != 1 || len(current.Sections) != 1 {
		t.Errorf("current = v%d with %d sections", current.Version, len(current.Sections))
	}
}

func TestSave_IncrementsByExactlyOneAndSnapshotsPrevious(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "tpl-intake", validSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	// Second save: drop the rule and mark a field removed.
	edited := validSections()
	edited[0].Fields[1].Removed = true
	result, err := store.Save(ctx, "tpl-intake", edited, types.GateCriteria{}, "ops")
	if err != nil {
		t.Fatal(err)
	}
	if result.Template.Version != 2 {
		t.Errorf("version = %d, want 2", result.Template.Version)
	}
	if result.PreviousVersion == nil || result.PreviousVersion.Version != 1 {
		t.Fatalf("previous snapshot = %+v, want version 1", result.PreviousVersion)
	}

	// The snapshot holds the version-1 definition, not the edited one.
	snap, err := store.GetVersion(ctx, "tpl-intake", 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 {
		t.Errorf("snapshot version = %d, want 1", snap.Version)
	}
	if snap.Sections[0].Fields[1].Removed {
		t.Error("snapshot must hold the pre-edit definition")
	}
}

func TestSave_ValidationRejectsAllViolationsBeforeAnyWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bad := []types.Section{
		{
			ID: "s",
			Fields: []types.Field{
				{ID: "a", Type: types.FieldShortText, Label: ""},
				{ID: "a", Type: types.FieldSingleSelect, Label: "Dup"},
			},
		},
	}

	_, err := store.Save(ctx, "tpl-bad", bad, types.GateCriteria{}, "ops")
	var vErr *ValidationFailedError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want ValidationFailedError", err)
	}
	// Empty label, duplicate id, and missing options all reported together.
	if len(vErr.Violations) != 3 {
		t.Errorf("violations = %v, want 3", vErr.Violations)
	}

	// Nothing was written.
	if _, err := store.GetCurrent(ctx, "tpl-bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after rejected save", err)
	}
}

func TestSave_ConcurrentSavesOneWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "tpl-intake", validSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	const savers = 6
	var wg sync.WaitGroup
	results := make(chan error, savers)

	// Every saver bases its write on version 1; exactly one may produce
	// version 2.
	for i := 0; i < savers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Save(ctx, "tpl-intake", validSections(), types.GateCriteria{}, "ops")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, conflicted := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrVersionConflict):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded+conflicted != savers {
		t.Fatalf("accounted for %d of %d savers", succeeded+conflicted, savers)
	}
	if succeeded < 1 {
		t.Fatal("no saver succeeded")
	}

	// Version numbers are never skipped or reused: final version is
	// 1 + number of successful saves.
	current, err := store.GetCurrent(ctx, "tpl-intake")
	if err != nil {
		t.Fatal(err)
	}
	if current.Version != 1+succeeded {
		t.Errorf("version = %d, want %d after %d successful saves", current.Version, 1+succeeded, succeeded)
	}
}

func TestGetCurrent_NotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetCurrent(context.Background(), "tpl-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetVersion_MissingSnapshotFallsBackToCurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "tpl-intake", validSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	// Version 7 was never created; read degrades to the current template.
	snap, err := store.GetVersion(ctx, "tpl-intake", 7)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 {
		t.Errorf("fallback version = %d, want current version 1", snap.Version)
	}
}

func TestGetVersion_CurrentVersionWithoutSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "tpl-intake", validSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	// Version 1 is current; it has no snapshot blob yet but must resolve.
	snap, err := store.GetVersion(ctx, "tpl-intake", 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Version != 1 || len(snap.Sections) != 1 {
		t.Errorf("snapshot = v%d with %d sections", snap.Version, len(snap.Sections))
	}
}

func TestResolveForSubmission(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Save(ctx, "tpl-intake", validSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	// A submission pinned to version 1 resolves the snapshot even after a
	// second save.
	sub := &types.Submission{ID: "s-1", TemplateVersion: 1}

	edited := validSections()
	edited[0].Title = "Company Details (revised)"
	if _, err := store.Save(ctx, "tpl-intake", edited, types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	resolved, err := store.ResolveForSubmission(ctx, "tpl-intake", sub)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Version != 1 {
		t.Errorf("resolved version = %d, want 1", resolved.Version)
	}
	if resolved.Sections[0].Title != "Company Details" {
		t.Errorf("resolved title = %q, want the version-1 definition", resolved.Sections[0].Title)
	}

	// A submission without a version resolves the current template.
	unpinned := &types.Submission{ID: "s-2"}
	resolved, err = store.ResolveForSubmission(ctx, "tpl-intake", unpinned)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Version != 2 {
		t.Errorf("resolved version = %d, want current version 2", resolved.Version)
	}
}

func TestActiveFieldsExcludeRemoved_RenderFieldsKeepThem(t *testing.T) {
	sections := validSections()
	sections[0].Fields[1].Removed = true

	tpl := &types.Template{ID: "tpl", Version: 2, Sections: sections}
	active := tpl.ActiveFields()
	if len(active) != 1 || active[0].ID != "name" {
		t.Errorf("active fields = %v, want removed field excluded", active)
	}

	snap := &types.TemplateVersion{TemplateID: "tpl", Version: 2, Sections: sections}
	all := snap.AllFieldsForRender()
	if len(all) != 2 {
		t.Errorf("render fields = %v, want removed field included", all)
	}
}
