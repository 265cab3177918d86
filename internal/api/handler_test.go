package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/authz"
	"github.com/datasharingframework/dsf-sub004/internal/directory"
	"github.com/datasharingframework/dsf-sub004/internal/lifecycle"
	"github.com/datasharingframework/dsf-sub004/internal/platform/event"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
	"github.com/datasharingframework/dsf-sub004/internal/readaccess"
	"github.com/datasharingframework/dsf-sub004/internal/refs"
)

const (
	testBase  = "https://foo.com/fhir"
	hostOrg   = "foo.com"
	remoteOrg = "bar.com"
)

type noRemotes struct{}

func (noRemotes) ClientFor(string) (refs.RemoteClient, error) {
	return nil, context.DeadlineExceeded
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	dir := directory.NewStatic().AddOrganization(hostOrg).AddOrganization(remoteOrg)
	engine := authz.NewEngine(dir, zerolog.Nop())
	mem := store.NewMem()
	resolver := refs.NewResolver(testBase, noRemotes{}, zerolog.Nop())
	bus := event.NewBus(zerolog.Nop())
	svc := lifecycle.NewService(mem, engine, resolver, bus, testBase, nil, zerolog.Nop())

	e := echo.New()
	e.Use(auth.DevMiddleware(auth.MiddlewareConfig{
		LocalOrganization:    hostOrg,
		AllowedOrganizations: []string{remoteOrg},
	}, dir))

	h := NewHandler(svc, testBase, zerolog.Nop())
	h.RegisterRoutes(e.Group("/fhir"))
	return e
}

func do(t *testing.T, e *echo.Echo, method, path, organization string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, fhirMediaType)
	if organization != "" {
		req.Header.Set("X-Organization", organization)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func localTagged(typ string) fhir.Resource {
	r := fhir.NewResource(typ)
	readaccess.SetLocal(r)
	return r
}

func createResource(t *testing.T, e *echo.Echo, r fhir.Resource) map[string]interface{} {
	t.Helper()
	rec := do(t, e, http.MethodPost, "/fhir/"+r.Type(), hostOrg, r, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create %s: status %d, body %s", r.Type(), rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)
}

func TestCreateReturnsCreatedWithHeaders(t *testing.T) {
	e := newTestServer(t)

	rec := do(t, e, http.MethodPost, "/fhir/Endpoint", hostOrg, localTagged("Endpoint"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("ETag = %q", rec.Header().Get("ETag"))
	}
	if rec.Header().Get("Location") == "" {
		t.Error("expected Location header")
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("expected Last-Modified header")
	}
	body := decodeBody(t, rec)
	if id, _ := body["id"].(string); id == "" {
		t.Error("expected server-assigned id")
	}
}

func TestCreateRejectsTypeMismatch(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodPost, "/fhir/Endpoint", hostOrg, localTagged("Organization"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateInvalidTagsReturnsBadRequest(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodPost, "/fhir/Endpoint", hostOrg, fhir.NewResource("Endpoint"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownResourceType(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodGet, "/fhir/NotAType/x", hostOrg, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReadWithETagRoundTrip(t *testing.T) {
	e := newTestServer(t)
	created := createResource(t, e, localTagged("Endpoint"))
	id := created["id"].(string)

	rec := do(t, e, http.MethodGet, "/fhir/Endpoint/"+id, hostOrg, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: status %d", rec.Code)
	}

	rec = do(t, e, http.MethodGet, "/fhir/Endpoint/"+id, hostOrg, nil, map[string]string{
		"If-None-Match": rec.Header().Get("ETag"),
	})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("conditional read: status %d, want 304", rec.Code)
	}
}

func TestLocalReadDeniedForRemoteRendersForbidden(t *testing.T) {
	e := newTestServer(t)
	created := createResource(t, e, localTagged("Endpoint"))
	id := created["id"].(string)

	denied := do(t, e, http.MethodGet, "/fhir/Endpoint/"+id, remoteOrg, nil, nil)
	missing := do(t, e, http.MethodGet, "/fhir/Endpoint/no-such-id", remoteOrg, nil, nil)

	if denied.Code != http.StatusForbidden || missing.Code != http.StatusForbidden {
		t.Fatalf("status = %d and %d, want 403 for both", denied.Code, missing.Code)
	}
	if denied.Body.String() != missing.Body.String() {
		t.Error("denied and missing responses must be indistinguishable")
	}
}

func TestUpdateStaleIfMatchReturnsPreconditionFailed(t *testing.T) {
	e := newTestServer(t)
	created := createResource(t, e, localTagged("Endpoint"))
	id := created["id"].(string)

	update := localTagged("Endpoint")
	update.SetID(id)
	update["status"] = "active"

	rec := do(t, e, http.MethodPut, "/fhir/Endpoint/"+id, hostOrg, update, map[string]string{
		"If-Match": `W/"1"`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first update: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodPut, "/fhir/Endpoint/"+id, hostOrg, update, map[string]string{
		"If-Match": `W/"1"`,
	})
	if rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("stale update: status %d, want 412", rec.Code)
	}
}

func TestDeleteThenReadIsForbidden(t *testing.T) {
	e := newTestServer(t)
	created := createResource(t, e, localTagged("Endpoint"))
	id := created["id"].(string)

	rec := do(t, e, http.MethodDelete, "/fhir/Endpoint/"+id, hostOrg, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}

	rec = do(t, e, http.MethodGet, "/fhir/Endpoint/"+id, hostOrg, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read after delete: status %d, want 403", rec.Code)
	}

	rec = do(t, e, http.MethodGet, "/fhir/Endpoint/"+id+"/_history", hostOrg, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history after delete: status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestTypeHistoryListsAllVersions(t *testing.T) {
	e := newTestServer(t)
	first := createResource(t, e, localTagged("Endpoint"))
	second := createResource(t, e, localTagged("Endpoint"))

	rec := do(t, e, http.MethodDelete, "/fhir/Endpoint/"+first["id"].(string), hostOrg, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}

	rec = do(t, e, http.MethodGet, "/fhir/Endpoint/_history", hostOrg, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("type history: status %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["type"] != "history" {
		t.Fatalf("bundle type = %v", body["type"])
	}
	entries, _ := body["entry"].([]interface{})
	// first has a live version and a delete marker, second has one version
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3 (second id %s)", len(entries), second["id"])
	}
}

func TestPermanentDeleteRequiresSoftDelete(t *testing.T) {
	e := newTestServer(t)
	created := createResource(t, e, localTagged("Endpoint"))
	id := created["id"].(string)

	rec := do(t, e, http.MethodDelete, "/fhir/Endpoint/"+id+"/$permanent-delete", hostOrg, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("permanent delete of live resource: status %d, want 400", rec.Code)
	}

	do(t, e, http.MethodDelete, "/fhir/Endpoint/"+id, hostOrg, nil, nil)
	rec = do(t, e, http.MethodDelete, "/fhir/Endpoint/"+id+"/$permanent-delete", hostOrg, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("permanent delete: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, http.MethodGet, "/fhir/Endpoint/"+id+"/_history", hostOrg, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("history after permanent delete: status %d, want 403", rec.Code)
	}
}

func TestSearchBundleFiltersIncludesByAccess(t *testing.T) {
	e := newTestServer(t)

	org := createResource(t, e, localTagged("Organization"))
	orgID := org["id"].(string)

	ep := localTagged("Endpoint")
	if err := readaccess.AddOrganization(ep, remoteOrg); err != nil {
		t.Fatalf("add organization: %v", err)
	}
	ep["managingOrganization"] = map[string]interface{}{"reference": "Organization/" + orgID}
	epBody := createResource(t, e, ep)

	path := fmt.Sprintf("/fhir/Endpoint?_id=%s&_include=Endpoint:managingOrganization", epBody["id"].(string))
	rec := do(t, e, http.MethodGet, path, remoteOrg, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: status %d, body %s", rec.Code, rec.Body.String())
	}

	bundle := decodeBody(t, rec)
	entries, _ := bundle["entry"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want only the match (include filtered)", len(entries))
	}
	if bundle["total"].(float64) != 1 {
		t.Errorf("total = %v", bundle["total"])
	}
}

func TestMetadata(t *testing.T) {
	e := newTestServer(t)
	rec := do(t, e, http.MethodGet, "/fhir/metadata", hostOrg, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["resourceType"] != "CapabilityStatement" {
		t.Errorf("resourceType = %v", body["resourceType"])
	}
}
