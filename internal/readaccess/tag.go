// Package readaccess implements the read-access tag model carried in the
// meta.tag element of every stored resource. A valid resource is tagged
// either LOCAL (plus any number of ORGANIZATION / ROLE extensions of that
// audience) or ALL, never both, never neither.
package readaccess

import (
	"fmt"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

const (
	// TagSystem is the code system of all read-access tags.
	TagSystem = "http://dsf.dev/fhir/CodeSystem/read-access-tag"

	CodeLocal        = "LOCAL"
	CodeOrganization = "ORGANIZATION"
	CodeRole         = "ROLE"
	CodeAll          = "ALL"

	// OrganizationIdentifierSystem is the identifier system for stable
	// organization identifiers used inside ORGANIZATION and ROLE tags.
	OrganizationIdentifierSystem = "http://dsf.dev/sid/organization-identifier"

	ExtensionOrganization           = "http://dsf.dev/fhir/StructureDefinition/extension-read-access-organization"
	ExtensionParentOrganizationRole = "http://dsf.dev/fhir/StructureDefinition/extension-read-access-parent-organization-role"
	extensionParentOrganization     = "parent-organization"
	extensionOrganizationRole       = "organization-role"
)

var tagCodes = map[string]bool{
	CodeLocal:        true,
	CodeOrganization: true,
	CodeRole:         true,
	CodeAll:          true,
}

// Role names a role held under a parent organization (consortium).
type Role struct {
	ParentOrganization string
	System             string
	Code               string
}

func isTag(tag map[string]interface{}, code string) bool {
	s, _ := tag["system"].(string)
	c, _ := tag["code"].(string)
	return s == TagSystem && c == code
}

func isAnyTag(tag map[string]interface{}) bool {
	s, _ := tag["system"].(string)
	c, _ := tag["code"].(string)
	return s == TagSystem && tagCodes[c]
}

func removeTags(r fhir.Resource, codes ...string) {
	match := make(map[string]bool, len(codes))
	for _, c := range codes {
		match[c] = true
	}
	var kept []map[string]interface{}
	for _, tag := range r.Tags() {
		s, _ := tag["system"].(string)
		c, _ := tag["code"].(string)
		if s == TagSystem && match[c] {
			continue
		}
		kept = append(kept, tag)
	}
	r.SetTags(kept)
}

func appendTag(r fhir.Resource, tag map[string]interface{}) {
	r.SetTags(append(r.Tags(), tag))
}

// SetLocal tags the resource readable by the hosting organization only,
// removing a previously set ALL tag.
func SetLocal(r fhir.Resource) {
	removeTags(r, CodeAll)
	if !HasLocal(r) {
		appendTag(r, map[string]interface{}{"system": TagSystem, "code": CodeLocal})
	}
}

// AddOrganization grants read access to the organization with the given
// stable identifier. A resource without a LOCAL tag is promoted to carry one,
// since every non-ALL resource is local-plus-extras.
func AddOrganization(r fhir.Resource, organizationIdentifier string) error {
	if organizationIdentifier == "" {
		return fmt.Errorf("organization identifier is empty")
	}
	if !HasLocal(r) {
		SetLocal(r)
	}
	appendTag(r, map[string]interface{}{
		"system": TagSystem,
		"code":   CodeOrganization,
		"extension": []interface{}{
			map[string]interface{}{
				"url": ExtensionOrganization,
				"valueIdentifier": map[string]interface{}{
					"system": OrganizationIdentifierSystem,
					"value":  organizationIdentifier,
				},
			},
		},
	})
	return nil
}

// AddOrganizationResource grants read access to the organization described by
// the given Organization resource, deriving the stable identifier from its
// identifier list. Fails if no non-blank identifier with the organization
// identifier system is present.
func AddOrganizationResource(r fhir.Resource, organization fhir.Resource) error {
	for _, id := range organization.Identifiers() {
		if id.System == OrganizationIdentifierSystem && id.Value != "" {
			return AddOrganization(r, id.Value)
		}
	}
	return fmt.Errorf("organization has no non blank identifier value with system %s",
		OrganizationIdentifierSystem)
}

// AddRole grants read access to any organization holding the given role under
// the given parent organization. Promotes to LOCAL like AddOrganization.
func AddRole(r fhir.Resource, parentOrganizationIdentifier, roleSystem, roleCode string) error {
	if parentOrganizationIdentifier == "" || roleSystem == "" || roleCode == "" {
		return fmt.Errorf("parent organization identifier, role system and role code must not be empty")
	}
	if !HasLocal(r) {
		SetLocal(r)
	}
	appendTag(r, map[string]interface{}{
		"system": TagSystem,
		"code":   CodeRole,
		"extension": []interface{}{
			map[string]interface{}{
				"url": ExtensionParentOrganizationRole,
				"extension": []interface{}{
					map[string]interface{}{
						"url": extensionParentOrganization,
						"valueIdentifier": map[string]interface{}{
							"system": OrganizationIdentifierSystem,
							"value":  parentOrganizationIdentifier,
						},
					},
					map[string]interface{}{
						"url": extensionOrganizationRole,
						"valueCoding": map[string]interface{}{
							"system": roleSystem,
							"code":   roleCode,
						},
					},
				},
			},
		},
	})
	return nil
}

// AddRoleFromAffiliation derives the parent organization identifier and the
// single member role from an OrganizationAffiliation resource. Fails if the
// affiliation carries zero or more than one role coding.
func AddRoleFromAffiliation(r fhir.Resource, affiliation fhir.Resource) error {
	parent, err := affiliationParentIdentifier(affiliation)
	if err != nil {
		return err
	}
	codings := affiliationRoleCodings(affiliation)
	if len(codings) != 1 {
		return fmt.Errorf("affiliation has %d member role codings, exactly one required", len(codings))
	}
	return AddRole(r, parent, codings[0].System, codings[0].Code)
}

// SetAll tags the resource readable by anyone, clearing LOCAL, ORGANIZATION
// and ROLE tags first.
func SetAll(r fhir.Resource) {
	removeTags(r, CodeLocal, CodeOrganization, CodeRole)
	if !HasAll(r) {
		appendTag(r, map[string]interface{}{"system": TagSystem, "code": CodeAll})
	}
}

// HasLocal reports whether the resource carries a LOCAL tag.
func HasLocal(r fhir.Resource) bool {
	for _, tag := range r.Tags() {
		if isTag(tag, CodeLocal) {
			return true
		}
	}
	return false
}

// HasAll reports whether the resource carries an ALL tag.
func HasAll(r fhir.Resource) bool {
	for _, tag := range r.Tags() {
		if isTag(tag, CodeAll) {
			return true
		}
	}
	return false
}

// HasAnyOrganization reports whether any ORGANIZATION tag is present.
func HasAnyOrganization(r fhir.Resource) bool {
	for _, tag := range r.Tags() {
		if isTag(tag, CodeOrganization) {
			return true
		}
	}
	return false
}

// HasOrganization reports whether an ORGANIZATION tag names the given
// organization identifier.
func HasOrganization(r fhir.Resource, organizationIdentifier string) bool {
	for _, org := range Organizations(r) {
		if org == organizationIdentifier {
			return true
		}
	}
	return false
}

// Organizations lists the organization identifiers named by ORGANIZATION tags.
func Organizations(r fhir.Resource) []string {
	var out []string
	for _, tag := range r.Tags() {
		if !isTag(tag, CodeOrganization) {
			continue
		}
		for _, ext := range extensions(tag, ExtensionOrganization) {
			if id, ok := extensionIdentifier(ext); ok && id.Value != "" {
				out = append(out, id.Value)
			}
		}
	}
	return out
}

// HasAnyRole reports whether any ROLE tag is present.
func HasAnyRole(r fhir.Resource) bool {
	for _, tag := range r.Tags() {
		if isTag(tag, CodeRole) {
			return true
		}
	}
	return false
}

// HasRole reports whether a ROLE tag matches the given parent organization,
// role system and role code.
func HasRole(r fhir.Resource, parentOrganizationIdentifier, roleSystem, roleCode string) bool {
	for _, role := range Roles(r) {
		if role.ParentOrganization == parentOrganizationIdentifier &&
			role.System == roleSystem && role.Code == roleCode {
			return true
		}
	}
	return false
}

// Roles lists the (parent organization, role) grants named by ROLE tags.
func Roles(r fhir.Resource) []Role {
	var out []Role
	for _, tag := range r.Tags() {
		if !isTag(tag, CodeRole) {
			continue
		}
		for _, ext := range extensions(tag, ExtensionParentOrganizationRole) {
			role, ok := roleFromExtension(ext)
			if ok {
				out = append(out, role)
			}
		}
	}
	return out
}

// IsValid implements the exclusive-or tag invariant: either exactly one LOCAL
// tag plus zero or more structurally valid ORGANIZATION / ROLE tags, or
// exactly one ALL tag alone. Every named organization and role must satisfy
// the supplied existence predicates. Returns false, never an error, for any
// structural defect, so it can be used as a pure filter.
func IsValid(r fhir.Resource, organizationExists func(fhir.Identifier) bool, roleExists func(fhir.Coding) bool) bool {
	tags := r.Tags()
	var total, local, all int
	for _, tag := range tags {
		if !isAnyTag(tag) {
			continue
		}
		total++
		switch {
		case isTag(tag, CodeLocal):
			local++
		case isTag(tag, CodeAll):
			all++
		}
		if !tagStructurallyValid(tag, organizationExists, roleExists) {
			return false
		}
	}

	localPattern := local == 1 && all == 0
	allPattern := all == 1 && total == 1
	return localPattern != allPattern
}

func tagStructurallyValid(tag map[string]interface{}, organizationExists func(fhir.Identifier) bool, roleExists func(fhir.Coding) bool) bool {
	switch {
	case isTag(tag, CodeLocal), isTag(tag, CodeAll):
		return true

	case isTag(tag, CodeOrganization):
		exts := extensions(tag, ExtensionOrganization)
		if len(exts) != 1 {
			return false
		}
		id, ok := extensionIdentifier(exts[0])
		if !ok || id.System != OrganizationIdentifierSystem || id.Value == "" {
			return false
		}
		return organizationExists(id)

	case isTag(tag, CodeRole):
		exts := extensions(tag, ExtensionParentOrganizationRole)
		if len(exts) != 1 {
			return false
		}
		role, ok := roleFromExtension(exts[0])
		if !ok {
			return false
		}
		parent := fhir.Identifier{System: OrganizationIdentifierSystem, Value: role.ParentOrganization}
		return organizationExists(parent) && roleExists(fhir.Coding{System: role.System, Code: role.Code})

	default:
		return false
	}
}

func extensions(elem map[string]interface{}, url string) []map[string]interface{} {
	raw, ok := elem["extension"].([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if u, _ := m["url"].(string); u == url {
			out = append(out, m)
		}
	}
	return out
}

func extensionIdentifier(ext map[string]interface{}) (fhir.Identifier, bool) {
	m, ok := ext["valueIdentifier"].(map[string]interface{})
	if !ok {
		return fhir.Identifier{}, false
	}
	var id fhir.Identifier
	id.System, _ = m["system"].(string)
	id.Value, _ = m["value"].(string)
	return id, true
}

func extensionCoding(ext map[string]interface{}) (fhir.Coding, bool) {
	m, ok := ext["valueCoding"].(map[string]interface{})
	if !ok {
		return fhir.Coding{}, false
	}
	var c fhir.Coding
	c.System, _ = m["system"].(string)
	c.Code, _ = m["code"].(string)
	return c, true
}

// roleFromExtension decodes the nested parent-organization / organization-role
// pair. Exactly one of each sub-extension is required.
func roleFromExtension(ext map[string]interface{}) (Role, bool) {
	parents := extensions(ext, extensionParentOrganization)
	roles := extensions(ext, extensionOrganizationRole)
	if len(parents) != 1 || len(roles) != 1 {
		return Role{}, false
	}

	id, ok := extensionIdentifier(parents[0])
	if !ok || id.System != OrganizationIdentifierSystem || id.Value == "" {
		return Role{}, false
	}
	coding, ok := extensionCoding(roles[0])
	if !ok || coding.System == "" || coding.Code == "" {
		return Role{}, false
	}

	return Role{ParentOrganization: id.Value, System: coding.System, Code: coding.Code}, true
}

func affiliationParentIdentifier(affiliation fhir.Resource) (string, error) {
	org, ok := affiliation["organization"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("affiliation has no parent-organization reference")
	}
	idm, ok := org["identifier"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("affiliation parent-organization reference has no identifier")
	}
	system, _ := idm["system"].(string)
	value, _ := idm["value"].(string)
	if system != OrganizationIdentifierSystem || value == "" {
		return "", fmt.Errorf("affiliation parent-organization identifier must use system %s with a non blank value",
			OrganizationIdentifierSystem)
	}
	return value, nil
}

func affiliationRoleCodings(affiliation fhir.Resource) []fhir.Coding {
	raw, ok := affiliation["code"].([]interface{})
	if !ok {
		return nil
	}
	var out []fhir.Coding
	for _, c := range raw {
		cc, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		codings, ok := cc["coding"].([]interface{})
		if !ok {
			continue
		}
		for _, cd := range codings {
			m, ok := cd.(map[string]interface{})
			if !ok {
				continue
			}
			var coding fhir.Coding
			coding.System, _ = m["system"].(string)
			coding.Code, _ = m["code"].(string)
			if coding.System != "" && coding.Code != "" {
				out = append(out, coding)
			}
		}
	}
	return out
}
