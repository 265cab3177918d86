package refs

import (
	"strings"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

type elementKind int

const (
	elementReference elementKind = iota
	elementCanonical
	elementRelatedArtifact
	elementAttachment
)

type location struct {
	path    string
	kind    elementKind
	targets []string
}

// referenceLocations lists, per resource type, the elements that carry
// references. Types absent from the table have no checked references.
var referenceLocations = map[string][]location{
	"Task": {
		{path: "requester", kind: elementReference, targets: []string{"Organization"}},
		{path: "restriction.recipient", kind: elementReference, targets: []string{"Organization"}},
		{path: "instantiatesCanonical", kind: elementCanonical, targets: []string{"ActivityDefinition"}},
		{path: "input.valueReference", kind: elementReference},
		{path: "output.valueReference", kind: elementReference},
	},
	"QuestionnaireResponse": {
		{path: "questionnaire", kind: elementCanonical, targets: []string{"Questionnaire"}},
		{path: "subject", kind: elementReference},
		{path: "author", kind: elementReference},
	},
	"Endpoint": {
		{path: "managingOrganization", kind: elementReference, targets: []string{"Organization"}},
	},
	"Organization": {
		{path: "partOf", kind: elementReference, targets: []string{"Organization"}},
		{path: "endpoint", kind: elementReference, targets: []string{"Endpoint"}},
	},
	"OrganizationAffiliation": {
		{path: "organization", kind: elementReference, targets: []string{"Organization"}},
		{path: "participatingOrganization", kind: elementReference, targets: []string{"Organization"}},
		{path: "endpoint", kind: elementReference, targets: []string{"Endpoint"}},
	},
	"ActivityDefinition": {
		{path: "relatedArtifact", kind: elementRelatedArtifact},
	},
	"Library": {
		{path: "relatedArtifact", kind: elementRelatedArtifact},
		{path: "content", kind: elementAttachment},
	},
	"Measure": {
		{path: "relatedArtifact", kind: elementRelatedArtifact},
	},
	"Binary": {
		{path: "securityContext", kind: elementReference},
	},
	"DocumentReference": {
		{path: "author", kind: elementReference, targets: []string{"Organization", "Practitioner"}},
		{path: "content.attachment", kind: elementAttachment},
	},
	"Provenance": {
		{path: "target", kind: elementReference},
		{path: "agent.who", kind: elementReference},
	},
}

// Extract walks the resource and returns every reference it carries, in
// document order per element table entry. Absent elements yield nothing.
func Extract(r fhir.Resource) []Reference {
	var out []Reference
	for _, loc := range referenceLocations[r.Type()] {
		segments := strings.Split(loc.path, ".")
		for _, node := range collect(map[string]interface{}(r), segments) {
			ref, ok := buildReference(r.Type(), loc, node)
			if ok {
				out = append(out, ref)
			}
		}
	}
	return out
}

// collect resolves a dot path over maps, descending through arrays at every
// segment.
func collect(node interface{}, segments []string) []interface{} {
	if list, ok := node.([]interface{}); ok {
		var out []interface{}
		for _, item := range list {
			out = append(out, collect(item, segments)...)
		}
		return out
	}
	if len(segments) == 0 {
		return []interface{}{node}
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return nil
	}
	child, ok := m[segments[0]]
	if !ok {
		return nil
	}
	return collect(child, segments[1:])
}

func buildReference(resourceType string, loc location, node interface{}) (Reference, bool) {
	ref := Reference{
		Location:    resourceType + "." + loc.path,
		TargetTypes: loc.targets,
	}
	switch loc.kind {
	case elementCanonical:
		ref.Source = SourceCanonical
		s, ok := node.(string)
		if !ok || s == "" {
			return Reference{}, false
		}
		ref.Canonical = s
		return ref, true

	case elementRelatedArtifact:
		ref.Source = SourceRelatedArtifact
	case elementAttachment:
		ref.Source = SourceAttachment
	default:
		ref.Source = SourceReference
	}

	m, ok := node.(map[string]interface{})
	if !ok {
		return Reference{}, false
	}
	if ref.Source == SourceRelatedArtifact || ref.Source == SourceAttachment {
		url, _ := m["url"].(string)
		if url == "" {
			return Reference{}, false
		}
		ref.URL = url
		return ref, true
	}

	ref.Literal, _ = m["reference"].(string)
	ref.TypeHint, _ = m["type"].(string)
	if identifier, ok := m["identifier"].(map[string]interface{}); ok {
		ref.Identifier.System, _ = identifier["system"].(string)
		ref.Identifier.Value, _ = identifier["value"].(string)
	}
	if ref.Literal == "" && ref.Identifier == (fhir.Identifier{}) {
		return Reference{}, false
	}
	return ref, true
}

// rewriteLogical replaces the reference element at path with a literal
// pointing at (typ, id), keeping the identifier for traceability. The walk
// matches the one Extract performs, so only elements Extract reported as
// logical are ever rewritten.
func rewriteLogical(node interface{}, segments []string, identifier fhir.Identifier, typ, id string) {
	if list, ok := node.([]interface{}); ok {
		for _, item := range list {
			rewriteLogical(item, segments, identifier, typ, id)
		}
		return
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return
	}
	if len(segments) > 0 {
		if child, ok := m[segments[0]]; ok {
			rewriteLogical(child, segments[1:], identifier, typ, id)
		}
		return
	}
	if _, hasLiteral := m["reference"]; hasLiteral {
		return
	}
	got, ok := m["identifier"].(map[string]interface{})
	if !ok {
		return
	}
	system, _ := got["system"].(string)
	value, _ := got["value"].(string)
	if system != identifier.System || value != identifier.Value {
		return
	}
	m["reference"] = typ + "/" + id
}
