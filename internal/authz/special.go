package authz

import (
	"context"
	"strings"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/readaccess"
)

// taskRule lets remote organizations file tasks against this server and read
// the tasks they requested, on top of the default tag behavior.
type taskRule struct{}

func (t *taskRule) ReasonCreateAllowed(_ context.Context, _ Reader, identity auth.Identity, r fhir.Resource) (string, bool) {
	if !identity.HasRole(auth.RoleCreate) {
		return "", false
	}
	if identity.Local {
		return "local identity with create role", true
	}
	status, _ := r["status"].(string)
	if status != "requested" {
		return "", false
	}
	if !requesterMatches(r, identity) {
		return "", false
	}
	return "remote requester filing a requested task", true
}

func (t *taskRule) ReasonReadAllowed(ctx context.Context, _ Reader, identity auth.Identity, r fhir.Resource) (string, bool) {
	if !identity.HasRole(auth.RoleRead) {
		return "", false
	}
	if reason, ok := readableByTags(ctx, identity, r); ok {
		return reason, true
	}
	if requesterMatches(r, identity) {
		return "task requester", true
	}
	return "", false
}

func (t *taskRule) ReasonUpdateAllowed(_ context.Context, _ Reader, identity auth.Identity, existing, updated fhir.Resource) (string, bool) {
	if !identity.HasRole(auth.RoleUpdate) {
		return "", false
	}
	if identity.Local {
		return "local identity with update role", true
	}
	// a remote requester may only withdraw its own still-requested task
	existingStatus, _ := existing["status"].(string)
	updatedStatus, _ := updated["status"].(string)
	if requesterMatches(existing, identity) && existingStatus == "requested" && updatedStatus == "cancelled" {
		return "requester cancelling own requested task", true
	}
	return "", false
}

func (t *taskRule) ReasonDeleteAllowed(_ context.Context, _ Reader, identity auth.Identity, _ fhir.Resource) (string, bool) {
	if !identity.Local || !identity.HasRole(auth.RoleDelete) {
		return "", false
	}
	return "local identity with delete role", true
}

func (t *taskRule) ReasonSearchAllowed(_ context.Context, identity auth.Identity) (string, bool) {
	if !identity.HasRole(auth.RoleSearch) {
		return "", false
	}
	return "identity with search role, matches filtered per resource", true
}

func (t *taskRule) ReasonHistoryAllowed(_ context.Context, identity auth.Identity) (string, bool) {
	if !identity.HasRole(auth.RoleHistory) {
		return "", false
	}
	return "identity with history role, entries filtered per resource", true
}

func (t *taskRule) ReasonPermanentDeleteAllowed(_ context.Context, _ Reader, identity auth.Identity, _ fhir.Resource) (string, bool) {
	if !identity.Local || !identity.HasRole(auth.RolePermanentDelete) {
		return "", false
	}
	return "local identity with permanent delete role", true
}

func requesterMatches(task fhir.Resource, identity auth.Identity) bool {
	requester, ok := task["requester"].(map[string]interface{})
	if !ok {
		return false
	}
	identifier, ok := requester["identifier"].(map[string]interface{})
	if !ok {
		return false
	}
	system, _ := identifier["system"].(string)
	value, _ := identifier["value"].(string)
	return system == readaccess.OrganizationIdentifierSystem && value == identity.Organization
}

// questionnaireResponseRule is the default rule plus a status gate: a
// response can only be updated while it is still in progress.
type questionnaireResponseRule struct {
	metaTagRule
}

func (q *questionnaireResponseRule) ReasonUpdateAllowed(_ context.Context, _ Reader, identity auth.Identity, existing, _ fhir.Resource) (string, bool) {
	if !identity.Local || !identity.HasRole(auth.RoleUpdate) {
		return "", false
	}
	status, _ := existing["status"].(string)
	if status != "in-progress" {
		return "", false
	}
	return "local identity updating in-progress response", true
}

// binaryRule reads are granted either by the binary's own tags or by the
// security context reference: whoever may read the referenced resource may
// read the binary content.
type binaryRule struct {
	engine *Engine
	metaTagRule
}

func (b *binaryRule) ReasonReadAllowed(ctx context.Context, reader Reader, identity auth.Identity, r fhir.Resource) (string, bool) {
	if !identity.HasRole(auth.RoleRead) {
		return "", false
	}
	if reason, ok := readableByTags(ctx, identity, r); ok {
		return reason, true
	}

	securityContext, ok := r["securityContext"].(map[string]interface{})
	if !ok {
		return "", false
	}
	literal, _ := securityContext["reference"].(string)
	typ, id, ok := splitLocalReference(literal)
	if !ok {
		return "", false
	}
	target, err := reader.Read(ctx, typ, id)
	if err != nil {
		return "", false
	}
	if reason, ok := b.engine.ReasonReadAllowed(ctx, reader, identity, target); ok {
		return "security context readable: " + reason, true
	}
	return "", false
}

func splitLocalReference(literal string) (string, string, bool) {
	typ, id, ok := strings.Cut(literal, "/")
	if !ok || typ == "" || id == "" || !fhir.KnownType(typ) {
		return "", "", false
	}
	return typ, id, true
}

// bundleRule treats a bundle as a composite: without own tags, the caller
// must be independently allowed to read every entry resource.
type bundleRule struct {
	engine *Engine
	metaTagRule
}

func (b *bundleRule) ReasonReadAllowed(ctx context.Context, reader Reader, identity auth.Identity, r fhir.Resource) (string, bool) {
	if !identity.HasRole(auth.RoleRead) {
		return "", false
	}
	if reason, ok := readableByTags(ctx, identity, r); ok {
		return reason, true
	}

	entries, ok := r["entry"].([]interface{})
	if !ok || len(entries) == 0 {
		return "", false
	}
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return "", false
		}
		inner, ok := m["resource"].(map[string]interface{})
		if !ok {
			return "", false
		}
		if _, ok := b.engine.ReasonReadAllowed(ctx, reader, identity, fhir.Resource(inner)); !ok {
			return "", false
		}
	}
	return "every bundle entry readable", true
}
