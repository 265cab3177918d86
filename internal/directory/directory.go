// Package directory provides read-only access to the organization / role
// reference data this server consults but never mutates: organization
// identifiers, parent (consortium) memberships and member role codes.
package directory

import (
	"context"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// Provider answers existence questions for organizations and roles and lists
// an organization's affiliations. Implementations must be safe for concurrent
// use; the directory is read-mostly reference data.
type Provider interface {
	// OrganizationExists reports whether an active organization carries
	// the given stable identifier.
	OrganizationExists(ctx context.Context, identifier fhir.Identifier) bool

	// RoleExists reports whether the given role coding is a known member
	// role within the federation.
	RoleExists(ctx context.Context, role fhir.Coding) bool

	// Affiliations lists the active affiliations of the organization with
	// the given identifier value.
	Affiliations(ctx context.Context, organizationIdentifier string) []auth.Affiliation
}

// Static is an in-memory Provider used in tests and single-node development
// setups.
type Static struct {
	Organizations map[string]bool               // identifier value -> active
	Roles         map[fhir.Coding]bool          // role coding -> known
	Members       map[string][]auth.Affiliation // identifier value -> affiliations
}

// NewStatic returns an empty static directory.
func NewStatic() *Static {
	return &Static{
		Organizations: map[string]bool{},
		Roles:         map[fhir.Coding]bool{},
		Members:       map[string][]auth.Affiliation{},
	}
}

// AddOrganization registers an active organization.
func (s *Static) AddOrganization(identifier string) *Static {
	s.Organizations[identifier] = true
	return s
}

// AddAffiliation registers an organization's role under a parent organization
// and marks organization, parent and role as existing.
func (s *Static) AddAffiliation(organization, parent, roleSystem, roleCode string) *Static {
	s.Organizations[organization] = true
	s.Organizations[parent] = true
	s.Roles[fhir.Coding{System: roleSystem, Code: roleCode}] = true
	s.Members[organization] = append(s.Members[organization], auth.Affiliation{
		ParentOrganization: parent,
		RoleSystem:         roleSystem,
		RoleCode:           roleCode,
	})
	return s
}

func (s *Static) OrganizationExists(_ context.Context, identifier fhir.Identifier) bool {
	return s.Organizations[identifier.Value]
}

func (s *Static) RoleExists(_ context.Context, role fhir.Coding) bool {
	return s.Roles[role]
}

func (s *Static) Affiliations(_ context.Context, organizationIdentifier string) []auth.Affiliation {
	return s.Members[organizationIdentifier]
}
