package fhir

import "fmt"

// ViolationCode enumerates the recoverable failure classes a request can end
// in. Everything here is translated into a structured result at the service
// boundary instead of propagating as a bare error.
type ViolationCode string

const (
	ViolationStructural      ViolationCode = "structural-invalid"
	ViolationUnauthorized    ViolationCode = "unauthorized"
	ViolationTargetNotFound  ViolationCode = "target-not-found"
	ViolationVersionConflict ViolationCode = "version-conflict"
	ViolationDuplicate       ViolationCode = "duplicate-resource"
	ViolationStorage         ViolationCode = "storage-fault"
)

// Violation carries enough structure to render a deny reason without echoing
// the forbidden target's content.
type Violation struct {
	Code         ViolationCode
	ResourceType string
	// Location is the element path of the offending reference, when the
	// violation concerns one.
	Location string
	RefKind  string
	Target   string
	Reason   string
}

func (v *Violation) Error() string {
	if v.Location != "" {
		return fmt.Sprintf("%s: %s at %s: %s", v.Code, v.ResourceType, v.Location, v.Reason)
	}
	if v.ResourceType != "" {
		return fmt.Sprintf("%s: %s: %s", v.Code, v.ResourceType, v.Reason)
	}
	return fmt.Sprintf("%s: %s", v.Code, v.Reason)
}

// Outcome renders the violation as an OperationOutcome. Unauthorized and
// target-not-found share one opaque payload so the error shape cannot be used
// to probe for resource existence.
func (v *Violation) Outcome() *OperationOutcome {
	switch v.Code {
	case ViolationUnauthorized, ViolationTargetNotFound:
		return ForbiddenOutcome()
	case ViolationStructural:
		return ErrorOutcome("invalid", v.Reason)
	case ViolationVersionConflict:
		return ErrorOutcome("conflict", v.Reason)
	case ViolationDuplicate:
		return ErrorOutcome("duplicate", v.Reason)
	default:
		return ErrorOutcome("transient", "request could not be processed")
	}
}
