package storage

import "fmt"

// Key layout for the engine's persisted records.
const (
	TemplateCurrentPrefix = "templates/current/"
	TemplateVersionPrefix = "templates/versions/"
	SubmissionPrefix      = "submissions/"
	PartnerPrefix         = "partners/"
)

// TemplateCurrentKey is the key of a template's latest definition.
func TemplateCurrentKey(templateID string) string {
	return TemplateCurrentPrefix + templateID
}

// TemplateVersionKey is the key of an immutable template snapshot.
func TemplateVersionKey(templateID string, version int) string {
	return fmt.Sprintf("%s%s/%d", TemplateVersionPrefix, templateID, version)
}

// SubmissionKey is the key of a submission record.
func SubmissionKey(id string) string {
	return SubmissionPrefix + id
}

// PartnerKey is the key of a partner record.
func PartnerKey(id string) string {
	return PartnerPrefix + id
}
