package authz

import (
	"context"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/readaccess"
)

// metaTagRule is the default rule: writes are reserved to local identities,
// reads follow the read access tags on the resource itself.
type metaTagRule struct{}

func (m *metaTagRule) ReasonCreateAllowed(_ context.Context, _ Reader, identity auth.Identity, _ fhir.Resource) (string, bool) {
	if !identity.Local || !identity.HasRole(auth.RoleCreate) {
		return "", false
	}
	return "local identity with create role", true
}

func (m *metaTagRule) ReasonReadAllowed(ctx context.Context, _ Reader, identity auth.Identity, r fhir.Resource) (string, bool) {
	if !identity.HasRole(auth.RoleRead) {
		return "", false
	}
	return readableByTags(ctx, identity, r)
}

func (m *metaTagRule) ReasonUpdateAllowed(_ context.Context, _ Reader, identity auth.Identity, _, _ fhir.Resource) (string, bool) {
	if !identity.Local || !identity.HasRole(auth.RoleUpdate) {
		return "", false
	}
	return "local identity with update role", true
}

func (m *metaTagRule) ReasonDeleteAllowed(_ context.Context, _ Reader, identity auth.Identity, _ fhir.Resource) (string, bool) {
	if !identity.Local || !identity.HasRole(auth.RoleDelete) {
		return "", false
	}
	return "local identity with delete role", true
}

func (m *metaTagRule) ReasonSearchAllowed(_ context.Context, identity auth.Identity) (string, bool) {
	if !identity.HasRole(auth.RoleSearch) {
		return "", false
	}
	return "identity with search role, matches filtered per resource", true
}

func (m *metaTagRule) ReasonHistoryAllowed(_ context.Context, identity auth.Identity) (string, bool) {
	if !identity.HasRole(auth.RoleHistory) {
		return "", false
	}
	return "identity with history role, entries filtered per resource", true
}

func (m *metaTagRule) ReasonPermanentDeleteAllowed(_ context.Context, _ Reader, identity auth.Identity, _ fhir.Resource) (string, bool) {
	if !identity.Local || !identity.HasRole(auth.RolePermanentDelete) {
		return "", false
	}
	return "local identity with permanent delete role", true
}

// readableByTags is the shared tag evaluation: ALL wins, local identities see
// everything carrying LOCAL, remote identities need an ORGANIZATION or ROLE
// grant.
func readableByTags(_ context.Context, identity auth.Identity, r fhir.Resource) (string, bool) {
	if readaccess.HasAll(r) {
		return "resource readable by everyone", true
	}
	if identity.Local && readaccess.HasLocal(r) {
		return "local identity reading local resource", true
	}
	if readaccess.HasOrganization(r, identity.Organization) {
		return "organization grant for " + identity.Organization, true
	}
	for _, affiliation := range identity.Affiliations {
		if readaccess.HasRole(r, affiliation.ParentOrganization, affiliation.RoleSystem, affiliation.RoleCode) {
			return "role grant via " + affiliation.ParentOrganization, true
		}
	}
	return "", false
}
