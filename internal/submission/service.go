// Package submission manages partner submissions and their scoring:
// creation pinned to the template version in force, in-place edits with
// optimistic concurrency, and the submit path that scores sections,
// qualifies the gate, and advances the partner's progression.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/onboardhq/gatekeeper/internal/gate"
	"github.com/onboardhq/gatekeeper/internal/scoring"
	"github.com/onboardhq/gatekeeper/internal/storage"
	"github.com/onboardhq/gatekeeper/internal/template"
	"github.com/onboardhq/gatekeeper/internal/types"
)

var (
	// ErrNotFound is returned when a submission or partner does not exist.
	ErrNotFound = errors.New("submission not found")

	// ErrStaleEdit is returned when an edit is based on an outdated read of
	// the submission. The caller should reload and retry.
	ErrStaleEdit = errors.New("submission changed since read")
)

// Service coordinates submissions, partners, and gate progression.
type Service struct {
	storage   storage.Store
	templates *template.Store
	plan      gate.Plan
}

// NewService creates a submission service.
func NewService(s storage.Store, templates *template.Store, plan gate.Plan) *Service {
	return &Service{storage: s, templates: templates, plan: plan}
}

// CreateInput is the request to open a new submission.
type CreateInput struct {
	PartnerID       string            `json:"partnerId"`
	QuestionnaireID string            `json:"questionnaireId"`
	Fields          types.FieldValues `json:"fields"`
	SubmittedBy     string            `json:"submittedBy"`
	SubmittedByRole string            `json:"submittedByRole"`
}

// Create opens a submission for a questionnaire, pinning it to the template
// version currently in force. Fields marked removed never enter a new
// submission. The owning gate moves to in-progress on this first save,
// which also enforces the linear gate order.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.Submission, error) {
	planGate, err := s.plan.GateForQuestionnaire(in.QuestionnaireID)
	if err != nil {
		return nil, err
	}
	templateID := templateIDFor(planGate, in.QuestionnaireID)

	current, err := s.templates.GetCurrent(ctx, templateID)
	if err != nil {
		return nil, err
	}

	partner, partnerRev, err := s.loadOrInitPartner(ctx, in.PartnerID)
	if err != nil {
		return nil, err
	}
	gp, err := s.plan.Start(partner, planGate.ID, time.Now())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &types.Submission{
		ID:              ulid.Make().String(),
		QuestionnaireID: in.QuestionnaireID,
		PartnerID:       in.PartnerID,
		TemplateVersion: current.Version,
		Sections:        buildSections(current, in.Fields),
		SectionStatuses: map[string]types.SectionStatus{},
		SubmittedBy:     in.SubmittedBy,
		SubmittedByRole: in.SubmittedByRole,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.writeSubmission(ctx, sub, 0); err != nil {
		return nil, err
	}

	gp.Submissions[in.QuestionnaireID] = sub.ID
	if err := s.writePartner(ctx, partner, partnerRev); err != nil {
		return nil, err
	}

	slog.Info("submission created",
		"submission_id", sub.ID,
		"partner_id", in.PartnerID,
		"questionnaire_id", in.QuestionnaireID,
		"template_version", sub.TemplateVersion,
	)
	return sub, nil
}

// EditInput is the request to update a submission's answers in place.
// Basis is the UpdatedAt value the editor read before editing; a stale
// basis rejects the write so two editors cannot silently overwrite each
// other.
type EditInput struct {
	Basis  time.Time                    `json:"basis"`
	Fields map[string]types.FieldValues `json:"fields"` // section id -> field values
}

// Edit updates a submission's answers. The record is updated in place:
// id, createdAt, and templateVersion never change, and updatedAt is bumped
// past its previous value.
func (s *Service) Edit(ctx context.Context, id string, in EditInput) (*types.Submission, error) {
	sub, revision, err := s.loadSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	if !in.Basis.Equal(sub.UpdatedAt) {
		return nil, fmt.Errorf("%w: basis %s, stored %s",
			ErrStaleEdit, in.Basis.Format(time.RFC3339Nano), sub.UpdatedAt.Format(time.RFC3339Nano))
	}

	for sectionID, fields := range in.Fields {
		ss := sub.Section(sectionID)
		if ss == nil {
			sub.Sections = append(sub.Sections, types.SubmissionSection{
				SectionID: sectionID,
				Fields:    fields,
			})
			continue
		}
		if ss.Fields == nil {
			ss.Fields = types.FieldValues{}
		}
		for fieldID, value := range fields {
			ss.Fields[fieldID] = value
		}
	}

	sub.UpdatedAt = bumpedClock(sub.UpdatedAt)

	if err := s.writeSubmission(ctx, sub, revision); err != nil {
		return nil, err
	}
	return sub, nil
}

// SubmitInput finalizes a submission attempt.
type SubmitInput struct {
	Signature       *types.Signature `json:"signature,omitempty"`
	SubmittedBy     string           `json:"submittedBy"`
	SubmittedByRole string           `json:"submittedByRole"`
}

// SubmitResult is the outcome of scoring a submission and advancing the gate.
type SubmitResult struct {
	Submission    *types.Submission   `json:"submission"`
	Qualification types.Qualification `json:"qualification"`
	GateProgress  *types.GateProgress `json:"gateProgress"`
}

// Submit scores the submission against the template version it was created
// under, qualifies the owning gate, and advances the partner's progression.
// The whole evaluation runs within this one call; template edits made after
// the submission was created never affect its scoring.
func (s *Service) Submit(ctx context.Context, id string, in SubmitInput) (*SubmitResult, error) {
	sub, revision, err := s.loadSubmission(ctx, id)
	if err != nil {
		return nil, err
	}

	planGate, err := s.plan.GateForQuestionnaire(sub.QuestionnaireID)
	if err != nil {
		return nil, err
	}
	templateID := templateIDFor(planGate, sub.QuestionnaireID)

	tv, err := s.templates.ResolveForSubmission(ctx, templateID, sub)
	if err != nil {
		return nil, err
	}

	statuses := scoring.ScoreAll(tv, sub)
	qual := gate.Qualify(planGate.Criteria, statuses, sub.AllFieldValues())

	now := time.Now().UTC()
	sub.SectionStatuses = statuses
	for i := range sub.Sections {
		if st, ok := statuses[sub.Sections[i].SectionID]; ok {
			sub.Sections[i].Status = st
		}
	}
	sub.OverallStatus = scoring.Overall(statuses)
	sub.SubmittedAt = &now
	if in.Signature != nil {
		sub.Signature = in.Signature
	}
	if in.SubmittedBy != "" {
		sub.SubmittedBy = in.SubmittedBy
	}
	if in.SubmittedByRole != "" {
		sub.SubmittedByRole = in.SubmittedByRole
	}
	sub.UpdatedAt = bumpedClock(sub.UpdatedAt)

	// Advance the gate in memory before persisting anything, so a blocked
	// gate or invalid transition leaves the submission untouched.
	partner, partnerRev, err := s.loadOrInitPartner(ctx, sub.PartnerID)
	if err != nil {
		return nil, err
	}
	gp := gate.EnsureProgress(partner, planGate.ID)
	gp.Submissions[sub.QuestionnaireID] = sub.ID
	if err := gate.Advance(gp, qual, now); err != nil {
		return nil, err
	}

	if err := s.writeSubmission(ctx, sub, revision); err != nil {
		return nil, err
	}
	if err := s.writePartner(ctx, partner, partnerRev); err != nil {
		return nil, fmt.Errorf("submission %s scored but gate %s not advanced: %w",
			sub.ID, planGate.ID, err)
	}

	slog.Info("submission scored",
		"submission_id", sub.ID,
		"partner_id", sub.PartnerID,
		"gate_id", planGate.ID,
		"overall_status", string(sub.OverallStatus),
		"qualifies", qual.Qualifies,
	)

	return &SubmitResult{Submission: sub, Qualification: qual, GateProgress: gp}, nil
}

// Get returns a submission by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Submission, error) {
	sub, _, err := s.loadSubmission(ctx, id)
	return sub, err
}

// ResolveTemplate returns the template definition the submission renders
// and scores against.
func (s *Service) ResolveTemplate(ctx context.Context, id string) (*types.TemplateVersion, error) {
	sub, _, err := s.loadSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	planGate, err := s.plan.GateForQuestionnaire(sub.QuestionnaireID)
	if err != nil {
		return nil, err
	}
	return s.templates.ResolveForSubmission(ctx, templateIDFor(planGate, sub.QuestionnaireID), sub)
}

// StartGate opens a gate for the partner without creating a submission.
func (s *Service) StartGate(ctx context.Context, partnerID, gateID string) (*types.GateProgress, error) {
	partner, revision, err := s.loadOrInitPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	gp, err := s.plan.Start(partner, gateID, time.Now())
	if err != nil {
		return nil, err
	}
	if err := s.writePartner(ctx, partner, revision); err != nil {
		return nil, err
	}
	return gp, nil
}

// BlockGate imposes the blocked state on a partner's gate.
func (s *Service) BlockGate(ctx context.Context, partnerID, gateID, reason string) (*types.GateProgress, error) {
	partner, revision, err := s.loadOrInitPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.plan.Gate(gateID); err != nil {
		return nil, err
	}
	gp := gate.EnsureProgress(partner, gateID)
	gate.Block(gp, reason)
	if err := s.writePartner(ctx, partner, revision); err != nil {
		return nil, err
	}
	return gp, nil
}

// GetPartner returns a partner and its gate progress.
func (s *Service) GetPartner(ctx context.Context, partnerID string) (*types.Partner, error) {
	rec, err := s.storage.Get(ctx, storage.PartnerKey(partnerID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: partner %q", ErrNotFound, partnerID)
		}
		return nil, fmt.Errorf("get partner: %w", err)
	}
	var partner types.Partner
	if err := json.Unmarshal(rec.Value, &partner); err != nil {
		return nil, fmt.Errorf("unmarshal partner: %w", err)
	}
	return &partner, nil
}

func (s *Service) loadSubmission(ctx context.Context, id string) (*types.Submission, int64, error) {
	rec, err := s.storage.Get(ctx, storage.SubmissionKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, 0, fmt.Errorf("get submission: %w", err)
	}

	var sub types.Submission
	if err := json.Unmarshal(rec.Value, &sub); err != nil {
		return nil, 0, fmt.Errorf("unmarshal submission: %w", err)
	}
	return &sub, rec.Revision, nil
}

func (s *Service) writeSubmission(ctx context.Context, sub *types.Submission, revision int64) error {
	value, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	if err := s.storage.SetIfRevision(ctx, storage.SubmissionKey(sub.ID), value, revision); err != nil {
		if errors.Is(err, storage.ErrRevisionMismatch) {
			return fmt.Errorf("%w: submission %q", ErrStaleEdit, sub.ID)
		}
		return fmt.Errorf("persist submission: %w", err)
	}
	return nil
}

// loadOrInitPartner returns the partner record and its storage revision,
// creating a fresh record (all plan gates not-started) on first touch.
func (s *Service) loadOrInitPartner(ctx context.Context, partnerID string) (*types.Partner, int64, error) {
	rec, err := s.storage.Get(ctx, storage.PartnerKey(partnerID))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("get partner: %w", err)
		}
		now := time.Now().UTC()
		partner := &types.Partner{
			ID:        partnerID,
			Gates:     map[string]*types.GateProgress{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, g := range s.plan.Gates {
			gate.EnsureProgress(partner, g.ID)
		}
		return partner, 0, nil
	}

	var partner types.Partner
	if err := json.Unmarshal(rec.Value, &partner); err != nil {
		return nil, 0, fmt.Errorf("unmarshal partner: %w", err)
	}
	return &partner, rec.Revision, nil
}

func (s *Service) writePartner(ctx context.Context, partner *types.Partner, revision int64) error {
	partner.UpdatedAt = time.Now().UTC()
	value, err := json.Marshal(partner)
	if err != nil {
		return fmt.Errorf("marshal partner: %w", err)
	}
	if err := s.storage.SetIfRevision(ctx, storage.PartnerKey(partner.ID), value, revision); err != nil {
		if errors.Is(err, storage.ErrRevisionMismatch) {
			return fmt.Errorf("%w: partner %q", ErrStaleEdit, partner.ID)
		}
		return fmt.Errorf("persist partner: %w", err)
	}
	return nil
}

// buildSections lays out the submission's sections from the template's
// active fields only; removed fields stay out of new submissions.
func buildSections(tpl *types.Template, values types.FieldValues) []types.SubmissionSection {
	sections := make([]types.SubmissionSection, 0, len(tpl.Sections))
	for _, section := range tpl.Sections {
		fields := types.FieldValues{}
		for _, f := range section.Fields {
			if f.Removed {
				continue
			}
			if v, ok := values[f.ID]; ok {
				fields[f.ID] = v
			}
		}
		sections = append(sections, types.SubmissionSection{
			SectionID: section.ID,
			Fields:    fields,
			Status:    types.SectionStatus{Result: types.ResultPending},
		})
	}
	return sections
}

// bumpedClock returns the current time, nudged forward when the wall clock
// has not advanced past the previous timestamp, so updatedAt is strictly
// monotonic per record.
func bumpedClock(previous time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(previous) {
		return previous.Add(time.Millisecond)
	}
	return now
}

// templateIDFor resolves the template backing a questionnaire, defaulting
// to the questionnaire id when the plan does not name one.
func templateIDFor(g gate.PlanGate, questionnaireID string) string {
	for _, q := range g.Questionnaires {
		if q.ID == questionnaireID && q.TemplateID != "" {
			return q.TemplateID
		}
	}
	return questionnaireID
}
