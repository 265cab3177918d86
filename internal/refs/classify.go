// Package refs extracts, classifies and resolves the references a resource
// carries before it may be persisted.
package refs

import (
	"strings"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// Kind is the classification of a single extracted reference. Related
// artifact and attachment URLs carry their own variants because a non-network
// URL there (urn: schemes, arbitrary web pages) is deliberately exempt from
// resolution, not a defect.
type Kind int

const (
	KindUnknown Kind = iota
	KindLiteralInternal
	KindLiteralExternal
	KindLogical
	KindCanonical
	KindConditional
	KindRelatedArtifactLiteralInternal
	KindRelatedArtifactLiteralExternal
	KindRelatedArtifactUnknown
	KindAttachmentLiteralInternal
	KindAttachmentLiteralExternal
	KindAttachmentUnknown
)

var kindNames = map[Kind]string{
	KindUnknown:                        "unknown",
	KindLiteralInternal:                "literal-internal",
	KindLiteralExternal:                "literal-external",
	KindLogical:                        "logical",
	KindCanonical:                      "canonical",
	KindConditional:                    "conditional",
	KindRelatedArtifactLiteralInternal: "related-artifact-literal-internal",
	KindRelatedArtifactLiteralExternal: "related-artifact-literal-external",
	KindRelatedArtifactUnknown:         "related-artifact-unknown",
	KindAttachmentLiteralInternal:      "attachment-literal-internal",
	KindAttachmentLiteralExternal:      "attachment-literal-external",
	KindAttachmentUnknown:              "attachment-unknown",
}

func (k Kind) String() string { return kindNames[k] }

// Source names the element shape the reference was extracted from.
type Source int

const (
	SourceReference Source = iota
	SourceCanonical
	SourceRelatedArtifact
	SourceAttachment
)

// Reference is one extracted reference together with its element path and the
// resource types the element may point at. An empty TargetTypes means any.
type Reference struct {
	Location    string
	TargetTypes []string
	Source      Source

	Literal    string
	Identifier fhir.Identifier
	TypeHint   string
	Canonical  string
	URL        string
}

// Classify decides the reference kind relative to the server's own base URL.
// Pure, no lookups.
func (r Reference) Classify(localBase string) Kind {
	switch r.Source {
	case SourceRelatedArtifact:
		return classifyURL(r.URL, localBase,
			KindRelatedArtifactLiteralInternal, KindRelatedArtifactLiteralExternal, KindRelatedArtifactUnknown)
	case SourceAttachment:
		return classifyURL(r.URL, localBase,
			KindAttachmentLiteralInternal, KindAttachmentLiteralExternal, KindAttachmentUnknown)
	case SourceCanonical:
		if r.Canonical == "" {
			return KindUnknown
		}
		return KindCanonical
	}

	if r.Literal != "" {
		if typ, query, ok := strings.Cut(r.Literal, "?"); ok && fhir.KnownType(typ) && query != "" {
			return KindConditional
		}
		return classifyURL(r.Literal, localBase, KindLiteralInternal, KindLiteralExternal, KindUnknown)
	}
	if r.Identifier != (fhir.Identifier{}) {
		return KindLogical
	}
	return KindUnknown
}

func classifyURL(url, localBase string, internal, external, unknown Kind) Kind {
	if url == "" {
		return unknown
	}
	if typ, _, ok := splitRelative(url); ok && fhir.KnownType(typ) {
		return internal
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return unknown
	}
	if localBase != "" && strings.HasPrefix(url, strings.TrimSuffix(localBase, "/")+"/") {
		rest := strings.TrimPrefix(url, strings.TrimSuffix(localBase, "/")+"/")
		if typ, _, ok := splitRelative(rest); ok && fhir.KnownType(typ) {
			return internal
		}
		return unknown
	}
	if _, typ, _, ok := splitAbsolute(url); ok && fhir.KnownType(typ) {
		return external
	}
	return unknown
}

// splitRelative parses "Type/id" with an optional "/_history/version" suffix.
func splitRelative(s string) (typ, id string, ok bool) {
	parts := strings.Split(s, "/")
	if len(parts) == 4 && parts[2] == "_history" {
		parts = parts[:2]
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "?") {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// splitAbsolute parses "scheme://host[/path]/Type/id" into the remote server
// base and the target coordinates.
func splitAbsolute(url string) (base, typ, id string, ok bool) {
	trimmed := strings.TrimSuffix(url, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 2 && parts[len(parts)-2] == "_history" {
		parts = parts[:len(parts)-2]
	}
	// scheme, "", host, ..., Type, id
	if len(parts) < 5 {
		return "", "", "", false
	}
	typ = parts[len(parts)-2]
	id = parts[len(parts)-1]
	if typ == "" || id == "" {
		return "", "", "", false
	}
	return strings.Join(parts[:len(parts)-2], "/"), typ, id, true
}

// Target returns the (type, id) coordinates of a literal reference or a
// literal related-artifact/attachment URL, relative to localBase when the URL
// is internal.
func (r Reference) Target(localBase string) (typ, id string, ok bool) {
	value := r.Literal
	if r.Source == SourceRelatedArtifact || r.Source == SourceAttachment {
		value = r.URL
	}
	if value == "" {
		return "", "", false
	}
	if localBase != "" && strings.HasPrefix(value, strings.TrimSuffix(localBase, "/")+"/") {
		value = strings.TrimPrefix(value, strings.TrimSuffix(localBase, "/")+"/")
	}
	if typ, id, ok = splitRelative(value); ok {
		return typ, id, true
	}
	if _, typ, id, ok = splitAbsolute(value); ok {
		return typ, id, true
	}
	return "", "", false
}

// RemoteBase returns the remote server base URL of an external literal.
func (r Reference) RemoteBase() (string, bool) {
	value := r.Literal
	if r.Source == SourceRelatedArtifact || r.Source == SourceAttachment {
		value = r.URL
	}
	base, _, _, ok := splitAbsolute(value)
	return base, ok
}

// TargetTypeAllowed reports whether typ is admissible for this element.
func (r Reference) TargetTypeAllowed(typ string) bool {
	if len(r.TargetTypes) == 0 {
		return true
	}
	for _, t := range r.TargetTypes {
		if t == typ {
			return true
		}
	}
	return false
}

// LogicalTargetType picks the resource type a logical reference must be
// resolved against: an explicit type element wins, otherwise a single
// admissible target type.
func (r Reference) LogicalTargetType() (string, bool) {
	if r.TypeHint != "" {
		return r.TypeHint, true
	}
	if len(r.TargetTypes) == 1 {
		return r.TargetTypes[0], true
	}
	return "", false
}
