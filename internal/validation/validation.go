package validation

import (
	"fmt"

	"github.com/onboardhq/gatekeeper/internal/types"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// Addf appends a validation error built from a format string.
func (c *Collector) Addf(field, format string, args ...any) {
	c.errors = append(c.errors, ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateTemplateSections checks a template's section/field definitions
// before a save. Every violation is collected, not just the first:
// duplicate section ids, duplicate field ids (template-wide), unknown
// field types, empty labels, and selection-type fields without options.
func ValidateTemplateSections(sections []types.Section) []ValidationError {
	var c Collector

	sectionIDs := map[string]bool{}
	fieldIDs := map[string]bool{}

	for si, section := range sections {
		sectionRef := fmt.Sprintf("sections[%d]", si)
		if section.ID == "" {
			c.Addf(sectionRef+".id", "section id must not be empty")
		} else if sectionIDs[section.ID] {
			c.Addf(sectionRef+".id", "duplicate section id %q", section.ID)
		}
		sectionIDs[section.ID] = true

		if section.PassFail != nil {
			switch section.PassFail.Type {
			case types.CriteriaManual, types.CriteriaAutomatic:
			default:
				c.Addf(sectionRef+".passFailCriteria.type", "unknown criteria type %q", section.PassFail.Type)
			}
		}

		for fi, field := range section.Fields {
			fieldRef := fmt.Sprintf("%s.fields[%d]", sectionRef, fi)

			if field.ID == "" {
				c.Addf(fieldRef+".id", "field id must not be empty")
			} else if fieldIDs[field.ID] {
				c.Addf(fieldRef+".id", "duplicate field id %q", field.ID)
			}
			fieldIDs[field.ID] = true

			if field.Label == "" {
				c.Addf(fieldRef+".label", "field label must not be empty")
			}
			if !field.Type.Valid() {
				c.Addf(fieldRef+".type", "unknown field type %q", field.Type)
			}
			if field.Type.RequiresOptions() && len(field.Options) == 0 {
				c.Addf(fieldRef+".options", "field type %q requires a non-empty options list", field.Type)
			}
		}
	}

	return c.Errors()
}
