package conformance

import (
	"context"

	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/fhirmodel"
)

// Validator implements the minimal $validate operation: structural checks
// plus the same search-parameter registry used for conformance, rather
// than a full FHIR profile/StructureDefinition validator (out of scope).
type Validator struct {
	builder *Builder
}

func NewValidator(b *Builder) *Validator {
	return &Validator{builder: b}
}

// Validate checks body against resourceType and returns an OperationOutcome
// describing every issue found; an empty issue list means the resource is
// structurally valid. It never returns an error for a malformed resource —
// that is exactly what $validate exists to report — only for failures of
// validation itself (e.g. the database being unreachable).
func (v *Validator) Validate(ctx context.Context, resourceType string, body map[string]interface{}) (*fhirmodel.OperationOutcome, error) {
	var issues []fhirmodel.OperationOutcomeIssue

	env := fhirmodel.ExtractEnvelope(body)
	if env.ResourceType == "" {
		issues = append(issues, fhirmodel.OperationOutcomeIssue{
			Severity: fhirmodel.SeverityError, Code: fhirmodel.IssueRequired,
			Diagnostics: "resourceType is required", Expression: []string{"resourceType"},
		})
	} else if env.ResourceType != resourceType {
		issues = append(issues, fhirmodel.OperationOutcomeIssue{
			Severity: fhirmodel.SeverityError, Code: fhirmodel.IssueInvalid,
			Diagnostics: "resourceType " + env.ResourceType + " does not match the requested type " + resourceType,
			Expression:  []string{"resourceType"},
		})
	}

	if id, ok := body["id"]; ok {
		if _, isString := id.(string); !isString {
			issues = append(issues, fhirmodel.OperationOutcomeIssue{
				Severity: fhirmodel.SeverityError, Code: fhirmodel.IssueValue,
				Diagnostics: "id must be a string", Expression: []string{"id"},
			})
		}
	}

	registered, err := v.isRegisteredType(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	if !registered {
		issues = append(issues, fhirmodel.OperationOutcomeIssue{
			Severity: fhirmodel.SeverityWarning, Code: fhirmodel.IssueNotFound,
			Diagnostics: "no search parameters are registered for resource type " + resourceType,
		})
	}

	if len(issues) == 0 {
		issues = append(issues, fhirmodel.OperationOutcomeIssue{
			Severity: fhirmodel.SeverityInformation, Code: "informational",
			Diagnostics: "no issues detected",
		})
	}
	return fhirmodel.MultiIssueOutcome(issues), nil
}

func (v *Validator) isRegisteredType(ctx context.Context, resourceType string) (bool, error) {
	var exists bool
	err := v.builder.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM search_parameters WHERE resource_type = $1)`,
		resourceType,
	).Scan(&exists)
	if err != nil {
		return false, fhirerr.Database(err)
	}
	return exists, nil
}
