// Package fhir holds the generic resource document model shared by all layers.
// Resources are JSON documents represented as maps; typed helpers cover the
// few structural elements the server itself interprets (meta, tags,
// identifiers, references).
package fhir

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// ErrMissingResourceType is returned when a document has no resourceType.
var ErrMissingResourceType = errors.New("missing resourceType")

// ResourceTypes is the closed set of resource types this server stores and
// exchanges. Unknown types are rejected at the API boundary.
var ResourceTypes = []string{
	"ActivityDefinition",
	"Binary",
	"Bundle",
	"CodeSystem",
	"DocumentReference",
	"Endpoint",
	"Group",
	"HealthcareService",
	"Library",
	"Location",
	"Measure",
	"MeasureReport",
	"NamingSystem",
	"Organization",
	"OrganizationAffiliation",
	"Patient",
	"Practitioner",
	"PractitionerRole",
	"Provenance",
	"Questionnaire",
	"QuestionnaireResponse",
	"ResearchStudy",
	"StructureDefinition",
	"Subscription",
	"Task",
	"ValueSet",
}

var resourceTypeSet = func() map[string]bool {
	m := make(map[string]bool, len(ResourceTypes))
	for _, t := range ResourceTypes {
		m[t] = true
	}
	return m
}()

// KnownType reports whether typ is one of the supported resource types.
func KnownType(typ string) bool {
	return resourceTypeSet[typ]
}

// Resource is a generic FHIR JSON document. The zero value is not usable;
// construct via NewResource or decode from JSON.
type Resource map[string]interface{}

// NewResource returns a minimal resource document of the given type.
func NewResource(typ string) Resource {
	return Resource{"resourceType": typ}
}

// ParseResource decodes a JSON document into a Resource and verifies the
// resourceType element is present.
func ParseResource(body []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if r.Type() == "" {
		return nil, ErrMissingResourceType
	}
	return r, nil
}

// Type returns the resourceType element, or "" if absent.
func (r Resource) Type() string {
	t, _ := r["resourceType"].(string)
	return t
}

// ID returns the logical id, or "" if the resource has not been assigned one.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// SetID assigns the logical id.
func (r Resource) SetID(id string) {
	r["id"] = id
}

// Meta returns the meta element, creating it if absent.
func (r Resource) Meta() map[string]interface{} {
	if m, ok := r["meta"].(map[string]interface{}); ok {
		return m
	}
	m := map[string]interface{}{}
	r["meta"] = m
	return m
}

// VersionID returns meta.versionId as an integer, or 0 when unversioned.
func (r Resource) VersionID() int64 {
	m, ok := r["meta"].(map[string]interface{})
	if !ok {
		return 0
	}
	s, _ := m["versionId"].(string)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// SetVersion stamps meta.versionId and meta.lastUpdated. Versions are
// monotonic per resource; the store assigns them, callers never do.
func (r Resource) SetVersion(version int64, lastUpdated time.Time) {
	m := r.Meta()
	m["versionId"] = strconv.FormatInt(version, 10)
	m["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339)
}

// LastUpdated returns meta.lastUpdated, or the zero time if absent or
// unparseable.
func (r Resource) LastUpdated() time.Time {
	m, ok := r["meta"].(map[string]interface{})
	if !ok {
		return time.Time{}
	}
	s, _ := m["lastUpdated"].(string)
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Tags returns the meta.tag codings as a slice of generic maps. The returned
// slice aliases the document; callers that need isolation must Clone first.
func (r Resource) Tags() []map[string]interface{} {
	m, ok := r["meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := m["tag"].([]interface{})
	if !ok {
		return nil
	}
	tags := make([]map[string]interface{}, 0, len(raw))
	for _, t := range raw {
		if tm, ok := t.(map[string]interface{}); ok {
			tags = append(tags, tm)
		}
	}
	return tags
}

// SetTags replaces the meta.tag list.
func (r Resource) SetTags(tags []map[string]interface{}) {
	raw := make([]interface{}, len(tags))
	for i, t := range tags {
		raw[i] = t
	}
	r.Meta()["tag"] = raw
}

// Clone returns a deep copy of the resource document.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return Resource(deepCopyMap(r))
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Local returns the relative literal reference "Type/id" for this resource.
func (r Resource) Local() string {
	return r.Type() + "/" + r.ID()
}

// Identifier is a typed (system, value) pair used for logical references and
// organization identity.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Coding is a typed (system, code) pair used for roles and tags.
type Coding struct {
	System string `json:"system,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Identifiers extracts the resource's identifier list as typed pairs.
func (r Resource) Identifiers() []Identifier {
	raw, ok := r["identifier"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Identifier, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		var id Identifier
		id.System, _ = m["system"].(string)
		id.Value, _ = m["value"].(string)
		if id.Value != "" {
			out = append(out, id)
		}
	}
	return out
}
