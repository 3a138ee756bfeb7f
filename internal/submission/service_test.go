package submission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onboardhq/gatekeeper/internal/gate"
	"github.com/onboardhq/gatekeeper/internal/storage"
	"github.com/onboardhq/gatekeeper/internal/template"
	"github.com/onboardhq/gatekeeper/internal/types"
)

func newTestService(t *testing.T) (*Service, *template.Store) {
	t.Helper()
	db, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	templates := template.NewStore(db)
	plan := gate.Plan{Gates: []gate.PlanGate{
		{
			ID:             "intake",
			Questionnaires: []gate.Questionnaire{{ID: "q-intake", TemplateID: "tpl-intake"}},
		},
		{
			ID:             "diligence",
			Questionnaires: []gate.Questionnaire{{ID: "q-diligence", TemplateID: "tpl-diligence"}},
			Criteria: types.GateCriteria{
				Policy:                 types.PolicyThreshold,
				MinimumPassingSections: 1,
				OverrideFieldID:        "committedVolume",
				OverrideThreshold:      50_000_000,
			},
		},
	}}
	return NewService(db, templates, plan), templates
}

// twoSectionSections is the template backing the end-to-end scenario:
// two sections, each gated by one equals rule.
func twoSectionSections() []types.Section {
	return []types.Section{
		{
			ID:    "sectionA",
			Title: "Section A",
			Order: 1,
			Fields: []types.Field{
				{ID: "fieldA", Type: types.FieldSingleChoice, Label: "Field A", Options: []string{"Yes", "No"}, Order: 1},
			},
			PassFail: &types.PassFailCriteria{
				Type: types.CriteriaAutomatic,
				Rules: []types.Rule{
					{FieldID: "fieldA", Operator: types.OpEquals, Operand: types.StringOperand("Yes"), Message: "field A must be Yes"},
				},
			},
		},
		{
			ID:    "sectionB",
			Title: "Section B",
			Order: 2,
			Fields: []types.Field{
				{ID: "fieldB", Type: types.FieldSingleChoice, Label: "Field B", Options: []string{"Yes", "No"}, Order: 1},
			},
			PassFail: &types.PassFailCriteria{
				Type: types.CriteriaAutomatic,
				Rules: []types.Rule{
					{FieldID: "fieldB", Operator: types.OpEquals, Operand: types.StringOperand("Yes"), Message: "field B must be Yes"},
				},
			},
		},
	}
}

func saveIntakeTemplate(t *testing.T, templates *template.Store) {
	t.Helper()
	if _, err := templates.Save(context.Background(), "tpl-intake", twoSectionSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}
}

func TestCreate_PinsTemplateVersionAndStartsGate(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	sub, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes"},
		SubmittedBy:     "partner@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.TemplateVersion != 1 {
		t.Errorf("templateVersion = %d, want 1", sub.TemplateVersion)
	}
	if sub.ID == "" {
		t.Error("submission id not assigned")
	}
	if len(sub.Sections) != 2 {
		t.Errorf("sections = %d, want 2", len(sub.Sections))
	}

	partner, err := svc.GetPartner(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	gp := partner.Gate("intake")
	if gp == nil || gp.Status != types.GateInProgress {
		t.Fatalf("intake gate = %+v, want in-progress", gp)
	}
	if gp.Submissions["q-intake"] != sub.ID {
		t.Errorf("gate submission link = %q, want %q", gp.Submissions["q-intake"], sub.ID)
	}
}

func TestCreate_ExcludesRemovedFields(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()

	sections := twoSectionSections()
	sections[0].Fields[0].Removed = true
	if _, err := templates.Save(ctx, "tpl-intake", sections, types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	sub, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes", "fieldB": "No"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := sub.Section("sectionA").Fields["fieldA"]; ok {
		t.Error("removed field must not enter a new submission")
	}
	if _, ok := sub.Section("sectionB").Fields["fieldB"]; !ok {
		t.Error("active field missing from new submission")
	}
}

func TestCreate_SecondGateLockedUntilFirstPassed(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	if _, err := templates.Save(ctx, "tpl-diligence", twoSectionSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Create(ctx, CreateInput{PartnerID: "p-1", QuestionnaireID: "q-diligence"})
	if !errors.Is(err, gate.ErrPriorGateNotPassed) {
		t.Fatalf("err = %v, want ErrPriorGateNotPassed", err)
	}
}

func TestEdit_UpdatesInPlace(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	created, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "No"},
	})
	if err != nil {
		t.Fatal(err)
	}

	edited, err := svc.Edit(ctx, created.ID, EditInput{
		Basis:  created.UpdatedAt,
		Fields: map[string]types.FieldValues{"sectionA": {"fieldA": "Yes"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if edited.ID != created.ID {
		t.Errorf("id changed on edit: %q -> %q", created.ID, edited.ID)
	}
	if !edited.CreatedAt.Equal(created.CreatedAt) {
		t.Error("createdAt changed on edit")
	}
	if !edited.UpdatedAt.After(edited.CreatedAt) {
		t.Errorf("updatedAt %v not strictly after createdAt %v", edited.UpdatedAt, edited.CreatedAt)
	}
	if edited.Section("sectionA").Fields["fieldA"] != "Yes" {
		t.Error("field edit not applied")
	}

	// Still exactly one record for this logical submission.
	fetched, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.Section("sectionA").Fields["fieldA"] != "Yes" {
		t.Error("edit not persisted")
	}
}

func TestEdit_StaleBasisRejected(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	created, err := svc.Create(ctx, CreateInput{PartnerID: "p-1", QuestionnaireID: "q-intake"})
	if err != nil {
		t.Fatal(err)
	}

	// First editor wins.
	if _, err := svc.Edit(ctx, created.ID, EditInput{
		Basis:  created.UpdatedAt,
		Fields: map[string]types.FieldValues{"sectionA": {"fieldA": "Yes"}},
	}); err != nil {
		t.Fatal(err)
	}

	// Second editor based on the original read is rejected.
	_, err = svc.Edit(ctx, created.ID, EditInput{
		Basis:  created.UpdatedAt,
		Fields: map[string]types.FieldValues{"sectionA": {"fieldA": "No"}},
	})
	if !errors.Is(err, ErrStaleEdit) {
		t.Fatalf("err = %v, want ErrStaleEdit", err)
	}

	// The losing edit was not applied.
	fetched, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.Section("sectionA").Fields["fieldA"] != "Yes" {
		t.Errorf("value = %v, want the first editor's write preserved", fetched.Section("sectionA").Fields["fieldA"])
	}
}

// End-to-end: two sections with one equals rule each; fieldB answered "No"
// fails its section, the gate qualifier requires all sections, and the gate
// transitions to failed with the qualification reason as a blocker.
func TestSubmit_EndToEndFailurePath(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	created, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes", "fieldB": "No"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.Submit(ctx, created.ID, SubmitInput{
		Signature:   &types.Signature{Name: "Pat Doe", SignedAt: time.Now()},
		SubmittedBy: "pat@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := result.Submission
	if got := sub.SectionStatuses["sectionA"].Result; got != types.ResultPass {
		t.Errorf("sectionA result = %q, want pass", got)
	}
	statusB := sub.SectionStatuses["sectionB"]
	if statusB.Result != types.ResultFail {
		t.Errorf("sectionB result = %q, want fail", statusB.Result)
	}
	if len(statusB.FailureReasons) != 1 || statusB.FailureReasons[0] != "field B must be Yes" {
		t.Errorf("sectionB failureReasons = %v", statusB.FailureReasons)
	}
	if sub.OverallStatus != types.OverallFail {
		t.Errorf("overallStatus = %q, want fail", sub.OverallStatus)
	}
	if result.Qualification.Qualifies {
		t.Error("gate must not qualify with a failing section")
	}
	if result.GateProgress.Status != types.GateFailed {
		t.Errorf("gate status = %q, want failed", result.GateProgress.Status)
	}
	if len(result.GateProgress.Blockers) != 1 || result.GateProgress.Blockers[0] != result.Qualification.Reason {
		t.Errorf("blockers = %v, want the qualification reason", result.GateProgress.Blockers)
	}
}

func TestSubmit_PassUnlocksNextGate(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)
	if _, err := templates.Save(ctx, "tpl-diligence", twoSectionSections(), types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	created, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes", "fieldB": "Yes"},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.Submit(ctx, created.ID, SubmitInput{})
	if err != nil {
		t.Fatal(err)
	}
	if result.GateProgress.Status != types.GatePassed {
		t.Fatalf("gate status = %q, want passed", result.GateProgress.Status)
	}
	if result.GateProgress.CompletedDate == nil {
		t.Error("CompletedDate not stamped on pass")
	}

	// The diligence gate now opens.
	if _, err := svc.Create(ctx, CreateInput{PartnerID: "p-1", QuestionnaireID: "q-diligence"}); err != nil {
		t.Fatalf("diligence should open after intake passed: %v", err)
	}
}

func TestSubmit_FailedGateAllowsResubmission(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	created, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes", "fieldB": "No"},
	})
	if err != nil {
		t.Fatal(err)
	}

	first, err := svc.Submit(ctx, created.ID, SubmitInput{})
	if err != nil {
		t.Fatal(err)
	}
	if first.GateProgress.Status != types.GateFailed {
		t.Fatalf("gate status = %q, want failed", first.GateProgress.Status)
	}

	// Fix the answer and resubmit.
	edited, err := svc.Edit(ctx, created.ID, EditInput{
		Basis:  first.Submission.UpdatedAt,
		Fields: map[string]types.FieldValues{"sectionB": {"fieldB": "Yes"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := svc.Submit(ctx, edited.ID, SubmitInput{})
	if err != nil {
		t.Fatal(err)
	}
	if second.GateProgress.Status != types.GatePassed {
		t.Errorf("gate status = %q, want passed after resubmission", second.GateProgress.Status)
	}
	if second.Submission.ID != created.ID {
		t.Error("resubmission must reuse the same record")
	}
}

// End-to-end: a submission keeps scoring against the template version it
// was created under, even after the template is saved again.
func TestSubmit_TemplateVersionImmutableAcrossSaves(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	created, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes", "fieldB": "Yes"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Save version 2: invert the rule and mark fieldA removed.
	revised := twoSectionSections()
	revised[0].Fields[0].Removed = true
	revised[0].PassFail.Rules[0].Operand = types.StringOperand("No")
	if _, err := templates.Save(ctx, "tpl-intake", revised, types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	// Editing after the template change must not move the pinned version.
	edited, err := svc.Edit(ctx, created.ID, EditInput{Basis: created.UpdatedAt})
	if err != nil {
		t.Fatal(err)
	}
	if edited.TemplateVersion != 1 {
		t.Fatalf("templateVersion = %d after edit, want 1", edited.TemplateVersion)
	}

	// The effective template is the version-1 snapshot, removed field included.
	tv, err := svc.ResolveTemplate(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if tv.Version != 1 {
		t.Fatalf("resolved version = %d, want 1", tv.Version)
	}
	fields := tv.AllFieldsForRender()
	if len(fields) != 2 {
		t.Errorf("render fields = %d, want both fields visible", len(fields))
	}
	for _, f := range fields {
		if f.Removed {
			t.Errorf("version-1 snapshot should predate the removal, field %q marked removed", f.ID)
		}
	}

	// Scoring still uses the version-1 rules: "Yes" passes.
	result, err := svc.Submit(ctx, created.ID, SubmitInput{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Submission.OverallStatus != types.OverallPass {
		t.Errorf("overallStatus = %q, want pass under the version-1 rules", result.Submission.OverallStatus)
	}
}

func TestSubmit_ThresholdGateOverride(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	// Diligence template: one manual section plus a volume question, so the
	// section count alone cannot reach the minimum before adjudication.
	diligence := []types.Section{
		{
			ID:    "volume",
			Title: "Volume Commitment",
			Fields: []types.Field{
				{ID: "committedVolume", Type: types.FieldNumber, Label: "Committed annual volume"},
			},
			PassFail: &types.PassFailCriteria{Type: types.CriteriaManual},
		},
	}
	if _, err := templates.Save(ctx, "tpl-diligence", diligence, types.GateCriteria{}, "ops"); err != nil {
		t.Fatal(err)
	}

	// Pass intake first.
	intake, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes", "fieldB": "Yes"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(ctx, intake.ID, SubmitInput{}); err != nil {
		t.Fatal(err)
	}

	created, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-diligence",
		Fields:          types.FieldValues{"committedVolume": float64(50_000_000)},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.Submit(ctx, created.ID, SubmitInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Qualification.Qualifies {
		t.Fatalf("override at threshold should qualify, reason %q", result.Qualification.Reason)
	}
	if result.GateProgress.Status != types.GatePassed {
		t.Errorf("gate status = %q, want passed via override", result.GateProgress.Status)
	}
}

func TestBlockGate_RejectsSubmissionStart(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	if _, err := svc.BlockGate(ctx, "p-1", "intake", "compliance hold"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Create(ctx, CreateInput{PartnerID: "p-1", QuestionnaireID: "q-intake"})
	if !errors.Is(err, gate.ErrGateBlocked) {
		t.Fatalf("err = %v, want ErrGateBlocked", err)
	}
}

func TestSubmit_BlockedGateLeavesSubmissionUnscored(t *testing.T) {
	svc, templates := newTestService(t)
	ctx := context.Background()
	saveIntakeTemplate(t, templates)

	created, err := svc.Create(ctx, CreateInput{
		PartnerID:       "p-1",
		QuestionnaireID: "q-intake",
		Fields:          types.FieldValues{"fieldA": "Yes", "fieldB": "Yes"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.BlockGate(ctx, "p-1", "intake", "compliance hold"); err != nil {
		t.Fatal(err)
	}

	_, err = svc.Submit(ctx, created.ID, SubmitInput{SubmittedBy: "pat@example.com"})
	if !errors.Is(err, gate.ErrGateBlocked) {
		t.Fatalf("err = %v, want ErrGateBlocked", err)
	}

	// The rejected submit must not have persisted any scoring state.
	stored, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SubmittedAt != nil {
		t.Errorf("submittedAt = %v, want nil after rejected submit", stored.SubmittedAt)
	}
	if stored.OverallStatus != "" {
		t.Errorf("overallStatus = %q, want unset", stored.OverallStatus)
	}
	if len(stored.SectionStatuses) != 0 {
		t.Errorf("sectionStatuses = %v, want empty", stored.SectionStatuses)
	}
	if !stored.UpdatedAt.Equal(created.UpdatedAt) {
		t.Errorf("updatedAt = %v, want unchanged %v", stored.UpdatedAt, created.UpdatedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
