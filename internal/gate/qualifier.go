// Package gate decides gate-level qualification from section results and
// governs a partner's progression across the ordered onboarding gates.
package gate

import (
	"fmt"

	"github.com/onboardhq/gatekeeper/internal/rules"
	"github.com/onboardhq/gatekeeper/internal/types"
)

// Qualify aggregates section statuses into the gate-level decision.
//
// The default policy requires every section to pass. The threshold policy
// qualifies on a minimum passing-section count, and may carry a numeric
// override: when the override field meets its threshold the partner
// qualifies regardless of section outcomes, and the reason records that the
// override path fired. The returned reason and counts feed GateProgress
// blockers when qualification fails.
func Qualify(criteria types.GateCriteria, statuses map[string]types.SectionStatus, fields types.FieldValues) types.Qualification {
	passed := 0
	for _, s := range statuses {
		if s.Result == types.ResultPass {
			passed++
		}
	}
	total := len(statuses)

	qual := types.Qualification{
		PassedSections: passed,
		TotalSections:  total,
	}

	if criteria.Policy == types.PolicyThreshold {
		if criteria.OverrideFieldID != "" {
			if v, ok := rules.Number(fields[criteria.OverrideFieldID]); ok && v >= criteria.OverrideThreshold {
				qual.Qualifies = true
				qual.Reason = fmt.Sprintf("override: field %q value %s meets threshold %s",
					criteria.OverrideFieldID, formatNumber(v), formatNumber(criteria.OverrideThreshold))
				return qual
			}
		}

		if passed >= criteria.MinimumPassingSections {
			qual.Qualifies = true
			qual.Reason = fmt.Sprintf("%d of %d sections passed; minimum %d met",
				passed, total, criteria.MinimumPassingSections)
		} else {
			qual.Reason = fmt.Sprintf("%d of %d sections passed; minimum %d required",
				passed, total, criteria.MinimumPassingSections)
		}
		return qual
	}

	// Default: strict AND across all sections.
	if passed == total {
		qual.Qualifies = true
		qual.Reason = fmt.Sprintf("all %d sections passed", total)
	} else {
		qual.Reason = fmt.Sprintf("%d of %d sections passed; all required", passed, total)
	}
	return qual
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
