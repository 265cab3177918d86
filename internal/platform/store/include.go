package store

import (
	"context"
	"strings"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

type readFunc func(ctx context.Context, typ, id string) (fhir.Resource, error)

// resolveIncludes pulls in the literal reference targets named by _include
// directives of the form "SourceType:element". Targets that cannot be read
// are skipped.
func resolveIncludes(ctx context.Context, read readFunc, matches []fhir.Resource, includes []string) []fhir.Resource {
	var out []fhir.Resource
	seen := map[resKey]bool{}
	for _, inc := range includes {
		sourceType, element, ok := strings.Cut(inc, ":")
		if !ok {
			continue
		}
		for _, m := range matches {
			if m.Type() != sourceType {
				continue
			}
			ref, ok := m[element].(map[string]interface{})
			if !ok {
				continue
			}
			literal, _ := ref["reference"].(string)
			typ, id, ok := strings.Cut(literal, "/")
			if !ok || seen[resKey{typ, id}] {
				continue
			}
			seen[resKey{typ, id}] = true
			if target, err := read(ctx, typ, id); err == nil {
				out = append(out, target)
			}
		}
	}
	return out
}
