// Package rules evaluates automatic pass/fail rules against submitted
// field values. Evaluation is fail-closed: a rule that cannot be evaluated
// (unknown operator, operand kind mismatch, non-numeric input to a numeric
// comparison) counts as not satisfied, because blocking gate progression is
// lower-risk than an incorrect pass. Nothing in this package panics on
// malformed input.
package rules

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/onboardhq/gatekeeper/internal/types"
)

// Satisfied reports whether the submitted value satisfies the rule.
func Satisfied(value any, rule types.Rule) bool {
	switch rule.Operator {
	case types.OpEquals:
		eq, ok := strictEqual(value, rule.Operand)
		return ok && eq
	case types.OpNotEquals:
		eq, ok := strictEqual(value, rule.Operand)
		return ok && !eq
	case types.OpGreaterThan:
		return compareNumeric(value, rule, func(v, o float64) bool { return v > o })
	case types.OpLessThan:
		return compareNumeric(value, rule, func(v, o float64) bool { return v < o })
	case types.OpGreaterThanOrEqual:
		return compareNumeric(value, rule, func(v, o float64) bool { return v >= o })
	case types.OpLessThanOrEqual:
		return compareNumeric(value, rule, func(v, o float64) bool { return v <= o })
	case types.OpContains:
		contained, ok := contains(value, rule.Operand)
		if !ok {
			logUnevaluable(rule, "operand not usable for contains")
			return false
		}
		return contained
	case types.OpNotContains:
		contained, ok := contains(value, rule.Operand)
		if !ok {
			logUnevaluable(rule, "operand not usable for contains")
			return false
		}
		return !contained
	case types.OpIn:
		if rule.Operand.Kind != types.OperandList {
			logUnevaluable(rule, "in operator requires a list operand")
			return false
		}
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, member := range rule.Operand.List {
			if s == member {
				return true
			}
		}
		return false
	}

	logUnevaluable(rule, "unknown operator")
	return false
}

// strictEqual compares the submitted value against the operand with no
// coercion. ok is false when the operand kind cannot participate in
// equality (a list operand), which fails the rule for both equals and
// notEquals.
func strictEqual(value any, operand types.Operand) (eq, ok bool) {
	switch operand.Kind {
	case types.OperandNumber:
		n, isNum := value.(float64)
		return isNum && n == operand.Number, true
	case types.OperandString:
		s, isStr := value.(string)
		return isStr && s == operand.String, true
	}
	return false, false
}

// compareNumeric coerces the submitted value to a number and applies cmp
// against a number operand. Non-numeric input never satisfies the
// comparison.
func compareNumeric(value any, rule types.Rule, cmp func(v, o float64) bool) bool {
	if rule.Operand.Kind != types.OperandNumber {
		logUnevaluable(rule, "numeric operator requires a number operand")
		return false
	}
	v, ok := Number(value)
	if !ok {
		return false
	}
	return cmp(v, rule.Operand.Number)
}

// contains tests list membership when the submitted value is a list, and
// substring presence on the stringified value otherwise.
func contains(value any, operand types.Operand) (contained, ok bool) {
	needle, ok := operandText(operand)
	if !ok {
		return false, false
	}

	switch v := value.(type) {
	case []any:
		for _, member := range v {
			if s, isStr := member.(string); isStr && s == needle {
				return true, true
			}
		}
		return false, true
	case []string:
		for _, member := range v {
			if member == needle {
				return true, true
			}
		}
		return false, true
	}

	return strings.Contains(stringify(value), needle), true
}

func operandText(operand types.Operand) (string, bool) {
	switch operand.Kind {
	case types.OperandString:
		return operand.String, true
	case types.OperandNumber:
		return strconv.FormatFloat(operand.Number, 'f', -1, 64), true
	}
	return "", false
}

// Number coerces a submitted field value to a float64.
// Returns ok=false for anything that does not parse as a number.
func Number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	}
	return ""
}

func logUnevaluable(rule types.Rule, reason string) {
	slog.Warn("unevaluable rule treated as failed",
		"field_id", rule.FieldID,
		"operator", string(rule.Operator),
		"reason", reason,
	)
}
