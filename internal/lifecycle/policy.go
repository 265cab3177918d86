package lifecycle

import (
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/refs"
)

// ReferenceRevalidationPolicy decides, per reference, whether an update must
// re-validate it. Creates always validate everything; the policy only applies
// on the update path.
type ReferenceRevalidationPolicy interface {
	Revalidate(updated fhir.Resource, ref refs.Reference, kind refs.Kind) bool
}

// RevalidateAll re-checks every reference on every update.
type RevalidateAll struct{}

func (RevalidateAll) Revalidate(fhir.Resource, refs.Reference, refs.Kind) bool { return true }

// TerminalStateExemption skips re-validation of external literal references
// when the updated resource has reached a terminal status. The referenced
// remote resource may legitimately be gone by then and re-fetching it would
// block closing out the workflow. Everything local is still re-checked.
type TerminalStateExemption struct{}

var terminalStatus = map[string]map[string]bool{
	"Task": {
		"completed": true, "failed": true, "cancelled": true, "entered-in-error": true,
	},
	"QuestionnaireResponse": {
		"completed": true, "stopped": true, "entered-in-error": true,
	},
}

func (TerminalStateExemption) Revalidate(updated fhir.Resource, _ refs.Reference, kind refs.Kind) bool {
	switch kind {
	case refs.KindLiteralExternal, refs.KindRelatedArtifactLiteralExternal, refs.KindAttachmentLiteralExternal:
	default:
		return true
	}
	status, _ := updated["status"].(string)
	return !terminalStatus[updated.Type()][status]
}
