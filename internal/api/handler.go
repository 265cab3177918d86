// Package api is the HTTP facade: it parses FHIR REST requests, hands them
// to the lifecycle service and renders results and violations. All access
// decisions happen below this layer.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/lifecycle"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
)

const fhirMediaType = "application/fhir+json"

// Handler serves the FHIR REST endpoints.
type Handler struct {
	svc  *lifecycle.Service
	base string
	log  zerolog.Logger
}

// NewHandler creates the REST handler. base is the server's own absolute
// base URL, used for Location headers and bundle fullUrls.
func NewHandler(svc *lifecycle.Service, base string, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, base: base, log: log.With().Str("component", "api").Logger()}
}

// RegisterRoutes registers the resource endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.Metadata)

	g.POST("/:type", h.Create)
	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.Search)
	g.GET("/:type/_history", h.TypeHistory)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VRead)
	g.DELETE("/:type/:id/$permanent-delete", h.PermanentDelete)
}

func (h *Handler) Create(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}

	r, ok := h.parseBody(c)
	if !ok {
		return nil
	}
	if r.Type() != typ {
		return h.outcome(c, http.StatusBadRequest,
			fhir.ErrorOutcome("invalid", "resource type does not match the request path"))
	}

	result, v := h.svc.Create(c.Request().Context(), identity, r, c.Request().Header.Get("If-None-Exist"))
	if v != nil {
		return h.violation(c, v)
	}

	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	h.resourceHeaders(c, result.Resource)
	c.Response().Header().Set(echo.HeaderLocation, h.versionURL(result.Resource))
	return h.fhirJSON(c, status, result.Resource)
}

func (h *Handler) Read(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}

	cond := lifecycle.ConditionalRead{IfNoneMatch: c.Request().Header.Get("If-None-Match")}
	if since := c.Request().Header.Get("If-Modified-Since"); since != "" {
		if ts, err := http.ParseTime(since); err == nil {
			cond.IfModifiedSince = ts
		}
	}

	result, v := h.svc.Read(c.Request().Context(), identity, typ, c.Param("id"), cond)
	if v != nil {
		return h.violation(c, v)
	}
	if result.NotModified {
		return c.NoContent(http.StatusNotModified)
	}
	h.resourceHeaders(c, result.Resource)
	return h.fhirJSON(c, http.StatusOK, result.Resource)
}

func (h *Handler) VRead(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}

	version, err := strconv.ParseInt(c.Param("vid"), 10, 64)
	if err != nil {
		return h.outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("invalid", "invalid version id"))
	}

	r, v := h.svc.VRead(c.Request().Context(), identity, typ, c.Param("id"), version)
	if v != nil {
		return h.violation(c, v)
	}
	h.resourceHeaders(c, r)
	return h.fhirJSON(c, http.StatusOK, r)
}

func (h *Handler) Update(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}

	r, ok := h.parseBody(c)
	if !ok {
		return nil
	}

	updated, v := h.svc.Update(c.Request().Context(), identity, typ, c.Param("id"), r,
		c.Request().Header.Get("If-Match"))
	if v != nil {
		return h.violation(c, v)
	}
	h.resourceHeaders(c, updated)
	return h.fhirJSON(c, http.StatusOK, updated)
}

func (h *Handler) Delete(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}
	if v := h.svc.Delete(c.Request().Context(), identity, typ, c.Param("id")); v != nil {
		return h.violation(c, v)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PermanentDelete(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}
	if v := h.svc.DeletePermanently(c.Request().Context(), identity, typ, c.Param("id")); v != nil {
		return h.violation(c, v)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) History(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}

	versions, v := h.svc.History(c.Request().Context(), identity, typ, c.Param("id"))
	if v != nil {
		return h.violation(c, v)
	}
	return h.fhirJSON(c, http.StatusOK, h.historyBundle(versions))
}

func (h *Handler) TypeHistory(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}

	versions, v := h.svc.TypeHistory(c.Request().Context(), identity, typ)
	if v != nil {
		return h.violation(c, v)
	}
	return h.fhirJSON(c, http.StatusOK, h.historyBundle(versions))
}

func (h *Handler) Search(c echo.Context) error {
	identity, typ, ok := h.request(c)
	if !ok {
		return nil
	}

	q := store.Query{Type: typ, Params: map[string][]string{}}
	for name, values := range c.QueryParams() {
		switch name {
		case "_include":
			q.Includes = append(q.Includes, values...)
		case "_count":
			if n, err := strconv.Atoi(values[0]); err == nil && n > 0 {
				q.Count = n
			}
		case "_offset":
			if n, err := strconv.Atoi(values[0]); err == nil && n > 0 {
				q.Offset = n
			}
		case "_format":
			// JSON is the only representation served
		default:
			q.Params[name] = values
		}
	}

	result, v := h.svc.Search(c.Request().Context(), identity, q)
	if v != nil {
		return h.violation(c, v)
	}
	return h.fhirJSON(c, http.StatusOK, h.searchBundle(result))
}

// Metadata serves a minimal capability statement naming the supported
// resource types and interactions.
func (h *Handler) Metadata(c echo.Context) error {
	interactions := []map[string]interface{}{
		{"code": "create"}, {"code": "read"}, {"code": "vread"},
		{"code": "update"}, {"code": "delete"},
		{"code": "history-instance"}, {"code": "search-type"},
	}
	var rest []map[string]interface{}
	for _, typ := range fhir.ResourceTypes {
		rest = append(rest, map[string]interface{}{
			"type":        typ,
			"interaction": interactions,
		})
	}

	capability := map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{fhirMediaType},
		"implementation": map[string]interface{}{
			"description": "clinical data exchange server",
			"url":         h.base,
		},
		"rest": []map[string]interface{}{
			{"mode": "server", "resource": rest},
		},
	}
	return h.fhirJSON(c, http.StatusOK, capability)
}

// request resolves the caller identity and validates the type segment. A
// false return means the response has already been written.
func (h *Handler) request(c echo.Context) (auth.Identity, string, bool) {
	identity, ok := auth.FromContext(c.Request().Context())
	if !ok {
		_ = h.outcome(c, http.StatusUnauthorized, fhir.ErrorOutcome("security", "no identity resolved"))
		return auth.Identity{}, "", false
	}
	typ := c.Param("type")
	if !fhir.KnownType(typ) {
		_ = h.outcome(c, http.StatusNotFound, fhir.ErrorOutcome("not-supported", "unknown resource type"))
		return auth.Identity{}, "", false
	}
	return identity, typ, true
}

func (h *Handler) parseBody(c echo.Context) (fhir.Resource, bool) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		_ = h.outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("invalid", "unreadable request body"))
		return nil, false
	}
	r, err := fhir.ParseResource(body)
	if err != nil {
		_ = h.outcome(c, http.StatusBadRequest, fhir.ErrorOutcome("invalid", "request body is not a FHIR resource"))
		return nil, false
	}
	return r, true
}

// violation renders a lifecycle violation. Unauthorized and target-not-found
// map to the same response so error shape never discloses existence.
func (h *Handler) violation(c echo.Context, v *fhir.Violation) error {
	status := http.StatusInternalServerError
	switch v.Code {
	case fhir.ViolationStructural:
		status = http.StatusBadRequest
	case fhir.ViolationUnauthorized, fhir.ViolationTargetNotFound:
		status = http.StatusForbidden
	case fhir.ViolationVersionConflict:
		status = http.StatusPreconditionFailed
	case fhir.ViolationDuplicate:
		status = http.StatusConflict
	case fhir.ViolationStorage:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Str("resource_type", v.ResourceType).Str("reason", v.Reason).Msg("request failed")
	}
	return h.outcome(c, status, v.Outcome())
}

func (h *Handler) outcome(c echo.Context, status int, o *fhir.OperationOutcome) error {
	return h.fhirJSON(c, status, o)
}

func (h *Handler) fhirJSON(c echo.Context, status int, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.Blob(status, fhirMediaType, data)
}

func (h *Handler) resourceHeaders(c echo.Context, r fhir.Resource) {
	header := c.Response().Header()
	if version := r.VersionID(); version > 0 {
		header.Set("ETag", fhir.FormatETag(version))
	}
	if updated := r.LastUpdated(); !updated.IsZero() {
		header.Set("Last-Modified", updated.UTC().Format(http.TimeFormat))
	}
}

func (h *Handler) versionURL(r fhir.Resource) string {
	return h.base + "/" + r.Local() + "/_history/" + strconv.FormatInt(r.VersionID(), 10)
}
