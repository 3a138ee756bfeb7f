// Package scoring applies a section's pass/fail criteria to submitted
// field values.
package scoring

import (
	"fmt"
	"time"

	"github.com/onboardhq/gatekeeper/internal/rules"
	"github.com/onboardhq/gatekeeper/internal/types"
)

// ScoreSection evaluates one section against the submitted field values.
//
// Manual criteria (or absent criteria) always produce a pending result; a
// human must adjudicate. Automatic criteria pass only when every rule is
// satisfied; every failing rule contributes its message, so the caller sees
// the complete set of failures rather than the first. An automatic section
// with no rules passes: there is nothing to fail.
func ScoreSection(section types.Section, fields types.FieldValues) types.SectionStatus {
	if section.PassFail == nil || section.PassFail.Type != types.CriteriaAutomatic {
		return types.SectionStatus{Result: types.ResultPending}
	}

	now := time.Now().UTC()
	status := types.SectionStatus{
		Result:      types.ResultPass,
		EvaluatedAt: &now,
	}

	for _, rule := range section.PassFail.Rules {
		value, present := fields[rule.FieldID]
		if present && rules.Satisfied(value, rule) {
			continue
		}
		status.Result = types.ResultFail
		status.FailureReasons = append(status.FailureReasons, failureMessage(section, rule))
	}

	return status
}

// ScoreAll scores every section of the template version against the
// submission's answers, keyed by section id. Sections present in the
// template but absent from the submission are scored against empty values,
// which fails their rules closed.
func ScoreAll(tv *types.TemplateVersion, sub *types.Submission) map[string]types.SectionStatus {
	statuses := make(map[string]types.SectionStatus, len(tv.Sections))
	for _, section := range tv.Sections {
		fields := types.FieldValues{}
		if ss := sub.Section(section.ID); ss != nil {
			fields = ss.Fields
		}
		statuses[section.ID] = ScoreSection(section, fields)
	}
	return statuses
}

// Overall folds section results into the submission-level status:
// pass when every section passed, fail when any section failed, partial
// otherwise (some sections still pending).
func Overall(statuses map[string]types.SectionStatus) types.OverallStatus {
	if len(statuses) == 0 {
		return types.OverallPartial
	}

	passed := 0
	for _, s := range statuses {
		switch s.Result {
		case types.ResultFail:
			return types.OverallFail
		case types.ResultPass:
			passed++
		}
	}
	if passed == len(statuses) {
		return types.OverallPass
	}
	return types.OverallPartial
}

func failureMessage(section types.Section, rule types.Rule) string {
	if rule.Message != "" {
		return rule.Message
	}
	return fmt.Sprintf("%s: requirement on field %q not met", section.Title, rule.FieldID)
}
