package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FieldType classifies a questionnaire question.
type FieldType string

const (
	FieldShortText    FieldType = "shortText"
	FieldEmail        FieldType = "email"
	FieldDate         FieldType = "date"
	FieldNumber       FieldType = "number"
	FieldSingleSelect FieldType = "singleSelect"
	FieldMultiSelect  FieldType = "multiSelect"
	FieldSingleChoice FieldType = "singleChoice"
	FieldFreeText     FieldType = "freeText"
)

// Valid reports whether t is one of the known field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldShortText, FieldEmail, FieldDate, FieldNumber,
		FieldSingleSelect, FieldMultiSelect, FieldSingleChoice, FieldFreeText:
		return true
	}
	return false
}

// RequiresOptions reports whether t is a selection type that must carry options.
func (t FieldType) RequiresOptions() bool {
	switch t {
	case FieldSingleSelect, FieldMultiSelect, FieldSingleChoice:
		return true
	}
	return false
}

// Field is a single question in a questionnaire template.
// Removed marks a soft-deleted field: it never appears in new submissions
// but stays renderable for submissions created before the removal.
type Field struct {
	ID       string    `json:"id"`
	Type     FieldType `json:"type"`
	Label    string    `json:"label"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"`
	Order    int       `json:"order"`
	Removed  bool      `json:"removed,omitempty"`
}

// RuleOperator identifies a comparison applied by an automatic rule.
type RuleOperator string

const (
	OpEquals             RuleOperator = "equals"
	OpNotEquals          RuleOperator = "notEquals"
	OpGreaterThan        RuleOperator = "greaterThan"
	OpLessThan           RuleOperator = "lessThan"
	OpGreaterThanOrEqual RuleOperator = "greaterThanOrEqual"
	OpLessThanOrEqual    RuleOperator = "lessThanOrEqual"
	OpContains           RuleOperator = "contains"
	OpNotContains        RuleOperator = "notContains"
	OpIn                 RuleOperator = "in"
)

// OperandKind tags the resolved type of a rule operand.
type OperandKind string

const (
	OperandNumber OperandKind = "number"
	OperandString OperandKind = "string"
	OperandList   OperandKind = "list"
)

// Operand is the comparison value of a rule, resolved to a concrete kind at
// authoring time so the evaluator dispatches on Kind instead of sniffing the
// submitted value's runtime type.
type Operand struct {
	Kind   OperandKind
	Number float64
	String string
	List   []string
}

// NumberOperand returns an operand holding n.
func NumberOperand(n float64) Operand {
	return Operand{Kind: OperandNumber, Number: n}
}

// StringOperand returns an operand holding s.
func StringOperand(s string) Operand {
	return Operand{Kind: OperandString, String: s}
}

// ListOperand returns an operand holding the given members.
func ListOperand(members ...string) Operand {
	return Operand{Kind: OperandList, List: members}
}

// UnmarshalJSON resolves the operand kind from the JSON value type:
// numbers become NumberOperand, strings StringOperand, arrays ListOperand.
func (o *Operand) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*o = NumberOperand(v)
	case string:
		*o = StringOperand(v)
	case []any:
		members := make([]string, 0, len(v))
		for _, m := range v {
			s, ok := m.(string)
			if !ok {
				return fmt.Errorf("operand list members must be strings, got %T", m)
			}
			members = append(members, s)
		}
		*o = Operand{Kind: OperandList, List: members}
	default:
		return fmt.Errorf("operand must be a number, string, or string list, got %T", raw)
	}
	return nil
}

// MarshalJSON emits the operand in its raw JSON form.
func (o Operand) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OperandNumber:
		return json.Marshal(o.Number)
	case OperandString:
		return json.Marshal(o.String)
	case OperandList:
		if o.List == nil {
			return json.Marshal([]string{})
		}
		return json.Marshal(o.List)
	}
	return nil, fmt.Errorf("operand has unknown kind %q", o.Kind)
}

// Rule is one automatic pass/fail check against a submitted field value.
type Rule struct {
	FieldID  string       `json:"fieldId"`
	Operator RuleOperator `json:"operator"`
	Operand  Operand      `json:"operand"`
	Message  string       `json:"message,omitempty"`
}

// CriteriaType distinguishes manual adjudication from automatic rule scoring.
type CriteriaType string

const (
	CriteriaManual    CriteriaType = "manual"
	CriteriaAutomatic CriteriaType = "automatic"
)

// PassFailCriteria defines how a section is scored.
type PassFailCriteria struct {
	Type  CriteriaType `json:"type"`
	Rules []Rule       `json:"rules,omitempty"`
}

// Section is a named, ordered group of fields scored as a unit.
type Section struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Order    int               `json:"order"`
	Fields   []Field           `json:"fields"`
	PassFail *PassFailCriteria `json:"passFailCriteria,omitempty"`
}

// GatePolicy selects the qualification rule a gate applies.
type GatePolicy string

const (
	// PolicyAllSections qualifies only when every section passes.
	PolicyAllSections GatePolicy = "all"
	// PolicyThreshold qualifies on a minimum passing-section count,
	// optionally bypassed by a numeric override field.
	PolicyThreshold GatePolicy = "threshold"
)

// GateCriteria carries a gate's qualification settings.
// The zero value means PolicyAllSections.
type GateCriteria struct {
	Policy                 GatePolicy `json:"policy,omitempty"`
	MinimumPassingSections int        `json:"minimumPassingSections,omitempty"`
	OverrideFieldID        string     `json:"overrideFieldId,omitempty"`
	OverrideThreshold      float64    `json:"overrideThreshold,omitempty"`
}

// Template is the current editable definition of a questionnaire.
// It is mutated only through the template store's Save, which bumps Version.
type Template struct {
	ID        string       `json:"id"`
	Version   int          `json:"version"`
	Sections  []Section    `json:"sections"`
	Gate      GateCriteria `json:"gateCriteria"`
	UpdatedBy string       `json:"updatedBy,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// ActiveFields returns the template's non-removed fields in section and
// field order. New submissions are built from this view only.
func (t *Template) ActiveFields() []Field {
	return collectFields(t.Sections, false)
}

// Section returns the section with the given id, or nil.
func (t *Template) Section(id string) *Section {
	for i := range t.Sections {
		if t.Sections[i].ID == id {
			return &t.Sections[i]
		}
	}
	return nil
}

// TemplateVersion is an immutable snapshot of a template's definition,
// keyed by (TemplateID, Version). Never mutated after creation.
type TemplateVersion struct {
	TemplateID string       `json:"templateId"`
	Version    int          `json:"version"`
	Sections   []Section    `json:"sections"`
	Gate       GateCriteria `json:"gateCriteria"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// AllFieldsForRender returns every field in the snapshot, removed ones
// included, so historical submissions render the fields they were
// answered against.
func (v *TemplateVersion) AllFieldsForRender() []Field {
	return collectFields(v.Sections, true)
}

// Section returns the snapshot section with the given id, or nil.
func (v *TemplateVersion) Section(id string) *Section {
	for i := range v.Sections {
		if v.Sections[i].ID == id {
			return &v.Sections[i]
		}
	}
	return nil
}

func collectFields(sections []Section, includeRemoved bool) []Field {
	ordered := make([]Section, len(sections))
	copy(ordered, sections)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	var fields []Field
	for _, s := range ordered {
		sf := make([]Field, len(s.Fields))
		copy(sf, s.Fields)
		sort.SliceStable(sf, func(i, j int) bool { return sf[i].Order < sf[j].Order })
		for _, f := range sf {
			if f.Removed && !includeRemoved {
				continue
			}
			fields = append(fields, f)
		}
	}
	return fields
}

// SectionResult is the outcome of scoring one section.
type SectionResult string

const (
	ResultPass    SectionResult = "pass"
	ResultFail    SectionResult = "fail"
	ResultPending SectionResult = "pending"
)

// SectionStatus is the scored state of one submitted section.
type SectionStatus struct {
	Result         SectionResult `json:"result"`
	FailureReasons []string      `json:"failureReasons,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	EvaluatedBy    string        `json:"evaluatedBy,omitempty"`
	EvaluatedAt    *time.Time    `json:"evaluatedAt,omitempty"`
}

// OverallStatus aggregates a submission's section results.
type OverallStatus string

const (
	OverallPass    OverallStatus = "pass"
	OverallFail    OverallStatus = "fail"
	OverallPartial OverallStatus = "partial"
)

// FieldValues maps field id to the submitted answer.
type FieldValues map[string]any

// SubmissionSection holds one section's answers and scored status.
type SubmissionSection struct {
	SectionID string        `json:"sectionId"`
	Fields    FieldValues   `json:"fields"`
	Status    SectionStatus `json:"status"`
}

// Signature records the sign-off captured with a submission. The image is
// an opaque data URL produced by the capture UI; this service never decodes it.
type Signature struct {
	Name     string    `json:"name"`
	SignedAt time.Time `json:"signedAt"`
	Image    string    `json:"image,omitempty"`
}

// Submission is one partner's answers for one questionnaire attempt.
// ID, CreatedAt, and TemplateVersion are immutable after creation;
// edits update the record in place and bump UpdatedAt.
type Submission struct {
	ID              string                   `json:"id"`
	QuestionnaireID string                   `json:"questionnaireId"`
	PartnerID       string                   `json:"partnerId"`
	TemplateVersion int                      `json:"templateVersion"`
	Sections        []SubmissionSection      `json:"sections"`
	SectionStatuses map[string]SectionStatus `json:"sectionStatuses"`
	OverallStatus   OverallStatus            `json:"overallStatus,omitempty"`
	Signature       *Signature               `json:"signature,omitempty"`
	SubmittedBy     string                   `json:"submittedBy,omitempty"`
	SubmittedByRole string                   `json:"submittedByRole,omitempty"`
	SubmittedAt     *time.Time               `json:"submittedAt,omitempty"`
	CreatedAt       time.Time                `json:"createdAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
}

// Section returns the submission section with the given id, or nil.
func (s *Submission) Section(id string) *SubmissionSection {
	for i := range s.Sections {
		if s.Sections[i].SectionID == id {
			return &s.Sections[i]
		}
	}
	return nil
}

// AllFieldValues flattens every section's answers into one map.
// Used by gate qualification overrides that reference raw fields.
func (s *Submission) AllFieldValues() FieldValues {
	values := FieldValues{}
	for _, sec := range s.Sections {
		for id, v := range sec.Fields {
			values[id] = v
		}
	}
	return values
}

// MarshalJSON ensures nil slices/maps in Submission marshal as empty, not null.
func (s Submission) MarshalJSON() ([]byte, error) {
	if s.Sections == nil {
		s.Sections = []SubmissionSection{}
	}
	if s.SectionStatuses == nil {
		s.SectionStatuses = map[string]SectionStatus{}
	}
	type Alias Submission
	return json.Marshal(Alias(s))
}

// GateStatus is a partner's progression state for one gate.
type GateStatus string

const (
	GateNotStarted GateStatus = "not-started"
	GateInProgress GateStatus = "in-progress"
	GatePassed     GateStatus = "passed"
	GateFailed     GateStatus = "failed"
	GateBlocked    GateStatus = "blocked"
)

// GateProgress tracks one partner's advancement through one gate.
type GateProgress struct {
	GateID        string            `json:"gateId"`
	Status        GateStatus        `json:"status"`
	StartedDate   *time.Time        `json:"startedDate,omitempty"`
	CompletedDate *time.Time        `json:"completedDate,omitempty"`
	Submissions   map[string]string `json:"submissions"` // questionnaire id -> submission id
	Blockers      []string          `json:"blockers,omitempty"`
}

// MarshalJSON ensures a nil submission map marshals as {} not null.
func (g GateProgress) MarshalJSON() ([]byte, error) {
	if g.Submissions == nil {
		g.Submissions = map[string]string{}
	}
	type Alias GateProgress
	return json.Marshal(Alias(g))
}

// Partner is one onboarding party and its per-gate progress.
type Partner struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name,omitempty"`
	Gates     map[string]*GateProgress `json:"gates"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

// Gate returns the partner's progress for the given gate, or nil.
func (p *Partner) Gate(id string) *GateProgress {
	if p.Gates == nil {
		return nil
	}
	return p.Gates[id]
}

// Qualification is the gate-level decision derived from section results.
type Qualification struct {
	Qualifies      bool   `json:"qualifies"`
	Reason         string `json:"reason"`
	PassedSections int    `json:"passedSections"`
	TotalSections  int    `json:"totalSections"`
}
