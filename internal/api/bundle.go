package api

import (
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
)

// searchBundle renders matches and their access-filtered includes as a
// searchset bundle.
func (h *Handler) searchBundle(result store.Result) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(result.Matches)+len(result.Includes))
	for _, m := range result.Matches {
		entries = append(entries, h.bundleEntry(m, "match"))
	}
	for _, inc := range result.Includes {
		entries = append(entries, h.bundleEntry(inc, "include"))
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        result.Total,
		"entry":        entries,
	}
}

// historyBundle renders a list of resource versions, instance or type level.
func (h *Handler) historyBundle(versions []fhir.Resource) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(versions))
	for _, v := range versions {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  h.base + "/" + v.Local(),
			"resource": v,
		})
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        len(versions),
		"entry":        entries,
	}
}

func (h *Handler) bundleEntry(r fhir.Resource, mode string) map[string]interface{} {
	return map[string]interface{}{
		"fullUrl":  h.base + "/" + r.Local(),
		"resource": r,
		"search":   map[string]interface{}{"mode": mode},
	}
}
