// Package template maintains the current definition of each questionnaire
// and an immutable history of prior versions. Snapshot-on-save keeps every
// historical submission scoreable exactly as it was at submission time:
// without it, editing a template would silently reinterpret old answers
// against new rules.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onboardhq/gatekeeper/internal/storage"
	"github.com/onboardhq/gatekeeper/internal/types"
	"github.com/onboardhq/gatekeeper/internal/validation"
)

var (
	// ErrNotFound is returned when a template does not exist.
	ErrNotFound = errors.New("template not found")

	// ErrVersionConflict is returned when a concurrent save wins the race.
	// The caller should reload and retry; the losing write is never applied.
	ErrVersionConflict = errors.New("template version conflict")
)

// ValidationFailedError reports every violation found in a rejected save.
type ValidationFailedError struct {
	Violations []validation.ValidationError
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("template validation failed with %d violation(s)", len(e.Violations))
}

// SaveResult is the outcome of a successful template save.
type SaveResult struct {
	Template        *types.Template        `json:"template"`
	PreviousVersion *types.TemplateVersion `json:"previousVersion,omitempty"`
}

// Store persists templates and their version snapshots in the blob store.
type Store struct {
	storage storage.Store
}

// NewStore creates a template store over the given blob storage.
func NewStore(s storage.Store) *Store {
	return &Store{storage: s}
}

// Save validates the new definition, increments the template's version by
// exactly 1, persists it, and snapshots the previous version's definition
// under its version number. The very first save creates version 1 with no
// prior snapshot. The current-template write is conditional on the revision
// the save was based on; a competing writer that loses the race receives
// ErrVersionConflict rather than silently overwriting.
func (s *Store) Save(ctx context.Context, templateID string, sections []types.Section, criteria types.GateCriteria, updatedBy string) (*SaveResult, error) {
	if violations := validation.ValidateTemplateSections(sections); len(violations) > 0 {
		return nil, &ValidationFailedError{Violations: violations}
	}

	key := storage.TemplateCurrentKey(templateID)
	now := time.Now().UTC()

	current, revision, err := s.loadCurrent(ctx, templateID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	next := &types.Template{
		ID:        templateID,
		Version:   1,
		Sections:  sections,
		Gate:      criteria,
		UpdatedBy: updatedBy,
		UpdatedAt: now,
	}

	var previous *types.TemplateVersion
	if current != nil {
		next.Version = current.Version + 1
		previous = &types.TemplateVersion{
			TemplateID: templateID,
			Version:    current.Version,
			Sections:   current.Sections,
			Gate:       current.Gate,
			CreatedAt:  now,
		}

		snapBytes, err := json.Marshal(previous)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot: %w", err)
		}
		// Racing savers snapshot the same previous definition; an existing
		// snapshot stays untouched.
		snapKey := storage.TemplateVersionKey(templateID, current.Version)
		if err := s.storage.SetIfRevision(ctx, snapKey, snapBytes, 0); err != nil && !errors.Is(err, storage.ErrRevisionMismatch) {
			return nil, fmt.Errorf("persist snapshot: %w", err)
		}
	}

	value, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}

	if err := s.storage.SetIfRevision(ctx, key, value, revision); err != nil {
		if errors.Is(err, storage.ErrRevisionMismatch) {
			return nil, fmt.Errorf("%w: template %q changed since read", ErrVersionConflict, templateID)
		}
		return nil, fmt.Errorf("persist template: %w", err)
	}

	slog.Info("template saved",
		"template_id", templateID,
		"version", next.Version,
		"updated_by", updatedBy,
	)

	return &SaveResult{Template: next, PreviousVersion: previous}, nil
}

// GetCurrent returns the template at its latest version.
func (s *Store) GetCurrent(ctx context.Context, templateID string) (*types.Template, error) {
	tpl, _, err := s.loadCurrent(ctx, templateID)
	return tpl, err
}

// GetVersion returns the immutable snapshot for the given version. A missing
// snapshot degrades gracefully: it falls back to the current template with a
// logged warning instead of failing the read path.
func (s *Store) GetVersion(ctx context.Context, templateID string, version int) (*types.TemplateVersion, error) {
	rec, err := s.storage.Get(ctx, storage.TemplateVersionKey(templateID, version))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get snapshot: %w", err)
		}

		current, _, err := s.loadCurrent(ctx, templateID)
		if err != nil {
			return nil, err
		}
		if current.Version == version {
			// The requested version is still current; no snapshot exists yet.
			return snapshotOfCurrent(current), nil
		}

		slog.Warn("template version not found, falling back to current",
			"template_id", templateID,
			"requested_version", version,
			"current_version", current.Version,
		)
		return snapshotOfCurrent(current), nil
	}

	var snapshot types.TemplateVersion
	if err := json.Unmarshal(rec.Value, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// ResolveForSubmission returns the template definition a submission must be
// rendered and scored against: the snapshot its templateVersion references,
// or the current template for a submission that carries none.
func (s *Store) ResolveForSubmission(ctx context.Context, templateID string, sub *types.Submission) (*types.TemplateVersion, error) {
	if sub != nil && sub.TemplateVersion > 0 {
		return s.GetVersion(ctx, templateID, sub.TemplateVersion)
	}

	current, _, err := s.loadCurrent(ctx, templateID)
	if err != nil {
		return nil, err
	}
	return snapshotOfCurrent(current), nil
}

// loadCurrent reads the current template and the storage revision it sits
// at, which conditional saves use as their write basis.
func (s *Store) loadCurrent(ctx context.Context, templateID string) (*types.Template, int64, error) {
	rec, err := s.storage.Get(ctx, storage.TemplateCurrentKey(templateID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: %q", ErrNotFound, templateID)
		}
		return nil, 0, fmt.Errorf("get template: %w", err)
	}

	var tpl types.Template
	if err := json.Unmarshal(rec.Value, &tpl); err != nil {
		return nil, 0, fmt.Errorf("unmarshal template: %w", err)
	}
	return &tpl, rec.Revision, nil
}

func snapshotOfCurrent(tpl *types.Template) *types.TemplateVersion {
	return &types.TemplateVersion{
		TemplateID: tpl.ID,
		Version:    tpl.Version,
		Sections:   tpl.Sections,
		Gate:       tpl.Gate,
		CreatedAt:  tpl.UpdatedAt,
	}
}
