package fhir

// OperationOutcome is the error payload returned to API callers.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

func ErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", code, diagnostics)
}

// ForbiddenOutcome is the single redacted payload used for both authorization
// failures and unresolvable reference targets, so callers cannot distinguish
// "exists but forbidden" from "does not exist".
func ForbiddenOutcome() *OperationOutcome {
	return NewOperationOutcome("error", "forbidden", "Access denied")
}
