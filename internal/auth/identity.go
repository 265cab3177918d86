// Package auth resolves and represents the caller identity for one request.
// Identity is derived from transport-level credentials, never from the
// request payload.
package auth

import (
	"context"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// ServerRole is a coarse permission granted to an identity.
type ServerRole string

const (
	RoleCreate          ServerRole = "create"
	RoleRead            ServerRole = "read"
	RoleUpdate          ServerRole = "update"
	RoleDelete          ServerRole = "delete"
	RoleSearch          ServerRole = "search"
	RoleHistory         ServerRole = "history"
	RolePermanentDelete ServerRole = "permanent-delete"
)

// Affiliation records one role the identity's organization holds under a
// parent organization (consortium).
type Affiliation struct {
	ParentOrganization string
	RoleSystem         string
	RoleCode           string
}

// Identity is the authenticated caller's resolved organization and role
// context for one request. Immutable once constructed.
type Identity struct {
	// Organization is the stable organization identifier
	// (readaccess.OrganizationIdentifierSystem), not an internal row id.
	Organization string

	// Local is true when the caller is the hosting organization itself.
	// Remote organizations reach this server through the federation and
	// are never local.
	Local bool

	// Affiliations lists the roles the organization holds under its
	// parent organizations, resolved from the directory at request time.
	Affiliations []Affiliation

	roles map[ServerRole]bool
}

// NewLocalIdentity returns an identity for the hosting organization with the
// full set of server roles.
func NewLocalIdentity(organization string, affiliations ...Affiliation) Identity {
	return Identity{
		Organization: organization,
		Local:        true,
		Affiliations: affiliations,
		roles: map[ServerRole]bool{
			RoleCreate: true, RoleRead: true, RoleUpdate: true, RoleDelete: true,
			RoleSearch: true, RoleHistory: true, RolePermanentDelete: true,
		},
	}
}

// NewRemoteIdentity returns an identity for a remote member organization.
// Remote identities hold create and update alongside the read roles; the
// per-type rules decide what a remote may actually do with them, which today
// is filing tasks and withdrawing their own. Delete and permanent delete stay
// local-only.
func NewRemoteIdentity(organization string, affiliations ...Affiliation) Identity {
	return Identity{
		Organization: organization,
		Affiliations: affiliations,
		roles: map[ServerRole]bool{
			RoleCreate: true, RoleRead: true, RoleUpdate: true,
			RoleSearch: true, RoleHistory: true,
		},
	}
}

// HasRole reports whether the identity holds the given server role.
func (i Identity) HasRole(role ServerRole) bool {
	return i.roles[role]
}

// Name returns a loggable identity name.
func (i Identity) Name() string {
	if i.Organization != "" {
		return i.Organization
	}
	return "anonymous"
}

// OrganizationIdentifier returns the identity's organization as a typed
// identifier pair.
func (i Identity) OrganizationIdentifier() fhir.Identifier {
	return fhir.Identifier{
		System: "http://dsf.dev/sid/organization-identifier",
		Value:  i.Organization,
	}
}

type contextKey struct{}

// WithIdentity stores the identity in the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retrieves the request identity. The second return is false when
// no identity was resolved, which only happens before the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
