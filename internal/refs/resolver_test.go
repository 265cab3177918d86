package refs

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
)

type allowAll struct{}

func (allowAll) ReasonReadAllowed(context.Context, auth.Identity, fhir.Resource) (string, bool) {
	return "allowed in test", true
}

type denyAll struct{}

func (denyAll) ReasonReadAllowed(context.Context, auth.Identity, fhir.Resource) (string, bool) {
	return "", false
}

type fakeRemote struct {
	known map[string]bool
}

func (f fakeRemote) ClientFor(serverBase string) (RemoteClient, error) {
	if f.known[serverBase] {
		return fakeClient{}, nil
	}
	return nil, errors.New("unknown server")
}

type fakeClient struct{}

func (fakeClient) Read(_ context.Context, typ, id string) (fhir.Resource, error) {
	if typ == "Organization" && id == "org-remote" {
		r := fhir.NewResource(typ)
		r.SetID(id)
		return r, nil
	}
	return nil, errors.New("not found")
}

func seedStore(t *testing.T) store.Tx {
	t.Helper()
	ctx := context.Background()
	s := store.NewMem()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	org := fhir.NewResource("Organization")
	org["identifier"] = []interface{}{
		map[string]interface{}{"system": "http://dsf.dev/sid/organization-identifier", "value": "bar.com"},
	}
	if _, err := tx.CreateWithID(ctx, org, "org-1"); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	ad := fhir.NewResource("ActivityDefinition")
	ad["url"] = "http://bar.com/bpe/Process/ping"
	ad["version"] = "1.0"
	if _, err := tx.CreateWithID(ctx, ad, "ad-1"); err != nil {
		t.Fatalf("seed activity definition: %v", err)
	}
	return tx
}

func newTestResolver() *Resolver {
	remotes := fakeRemote{known: map[string]bool{"https://remote.org/fhir": true}}
	return NewResolver(base, remotes, zerolog.Nop())
}

func TestCheckLiteralInternal(t *testing.T) {
	ctx := context.Background()
	tx := seedStore(t)
	defer tx.Rollback(ctx)
	identity := auth.NewLocalIdentity("foo.com")

	tests := []struct {
		name    string
		ref     Reference
		checker ReadChecker
		want    fhir.ViolationCode
	}{
		{"resolves", Reference{Location: "Endpoint.managingOrganization", Literal: "Organization/org-1", TargetTypes: []string{"Organization"}}, allowAll{}, ""},
		{"missing target", Reference{Location: "Endpoint.managingOrganization", Literal: "Organization/org-9", TargetTypes: []string{"Organization"}}, allowAll{}, fhir.ViolationTargetNotFound},
		{"wrong target type", Reference{Location: "Endpoint.managingOrganization", Literal: "Task/t-1", TargetTypes: []string{"Organization"}}, allowAll{}, fhir.ViolationStructural},
		{"denied read", Reference{Location: "Endpoint.managingOrganization", Literal: "Organization/org-1", TargetTypes: []string{"Organization"}}, denyAll{}, fhir.ViolationUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rv := newTestResolver()
			v := rv.Check(ctx, identity, "Endpoint", tt.ref, tx, tt.checker)
			if tt.want == "" {
				if v != nil {
					t.Fatalf("Check() = %v, want nil", v)
				}
				return
			}
			if v == nil || v.Code != tt.want {
				t.Fatalf("Check() = %v, want code %s", v, tt.want)
			}
		})
	}
}

func TestCheckExternal(t *testing.T) {
	ctx := context.Background()
	tx := seedStore(t)
	defer tx.Rollback(ctx)
	rv := newTestResolver()
	identity := auth.NewLocalIdentity("foo.com")

	ok := Reference{Location: "Task.requester", Literal: "https://remote.org/fhir/Organization/org-remote"}
	if v := rv.Check(ctx, identity, "Task", ok, tx, allowAll{}); v != nil {
		t.Fatalf("external resolvable: %v", v)
	}

	missing := Reference{Location: "Task.requester", Literal: "https://remote.org/fhir/Organization/org-9"}
	if v := rv.Check(ctx, identity, "Task", missing, tx, allowAll{}); v == nil || v.Code != fhir.ViolationTargetNotFound {
		t.Fatalf("external missing: %v, want target-not-found", v)
	}

	noClient := Reference{Location: "Task.requester", Literal: "https://stranger.org/fhir/Organization/org-1"}
	if v := rv.Check(ctx, identity, "Task", noClient, tx, allowAll{}); v == nil || v.Code != fhir.ViolationTargetNotFound {
		t.Fatalf("no client: %v, want target-not-found", v)
	}
}

func TestCheckCanonical(t *testing.T) {
	ctx := context.Background()
	tx := seedStore(t)
	defer tx.Rollback(ctx)
	rv := newTestResolver()
	identity := auth.NewLocalIdentity("foo.com")

	checked := Reference{
		Location: "Task.instantiatesCanonical", Source: SourceCanonical,
		Canonical: "http://bar.com/bpe/Process/ping|1.0", TargetTypes: []string{"ActivityDefinition"},
	}
	if v := rv.Check(ctx, identity, "Task", checked, tx, allowAll{}); v != nil {
		t.Fatalf("canonical resolvable: %v", v)
	}

	missing := Reference{
		Location: "Task.instantiatesCanonical", Source: SourceCanonical,
		Canonical: "http://bar.com/bpe/Process/pong|1.0", TargetTypes: []string{"ActivityDefinition"},
	}
	if v := rv.Check(ctx, identity, "Task", missing, tx, allowAll{}); v == nil || v.Code != fhir.ViolationTargetNotFound {
		t.Fatalf("canonical missing: %v, want target-not-found", v)
	}

	// canonical elements outside the checked set are accepted as-is
	unchecked := Reference{
		Location: "Library.relatedArtifact.resource", Source: SourceCanonical,
		Canonical: "http://elsewhere.org/fhir/Library/x|2.0",
	}
	if v := rv.Check(ctx, identity, "Library", unchecked, tx, allowAll{}); v != nil {
		t.Fatalf("unchecked canonical: %v, want nil", v)
	}
}

func TestCheckExemptAndInvalidKinds(t *testing.T) {
	ctx := context.Background()
	tx := seedStore(t)
	defer tx.Rollback(ctx)
	rv := newTestResolver()
	identity := auth.NewLocalIdentity("foo.com")

	exempt := Reference{Location: "ActivityDefinition.relatedArtifact", Source: SourceRelatedArtifact, URL: "https://example.org/docs/x.html"}
	if v := rv.Check(ctx, identity, "ActivityDefinition", exempt, tx, allowAll{}); v != nil {
		t.Fatalf("exempt artifact url: %v, want nil", v)
	}

	unknown := Reference{Location: "Task.input.valueReference", Literal: "urn:uuid:0c7f1bf2"}
	if v := rv.Check(ctx, identity, "Task", unknown, tx, allowAll{}); v == nil || v.Code != fhir.ViolationStructural {
		t.Fatalf("unknown reference: %v, want structural", v)
	}

	conditional := Reference{Location: "Task.input.valueReference", Literal: "Organization?identifier=x"}
	if v := rv.Check(ctx, identity, "Task", conditional, tx, allowAll{}); v == nil || v.Code != fhir.ViolationStructural {
		t.Fatalf("conditional reference: %v, want structural", v)
	}
}

func TestResolveLogicalRewrite(t *testing.T) {
	ctx := context.Background()
	tx := seedStore(t)
	defer tx.Rollback(ctx)
	rv := newTestResolver()

	task := fhir.NewResource("Task")
	task["requester"] = map[string]interface{}{
		"type":       "Organization",
		"identifier": map[string]interface{}{"system": "http://dsf.dev/sid/organization-identifier", "value": "bar.com"},
	}

	resolved, v := rv.ResolveLogical(ctx, task, tx)
	if v != nil {
		t.Fatalf("ResolveLogical: %v", v)
	}
	requester := resolved["requester"].(map[string]interface{})
	if requester["reference"] != "Organization/org-1" {
		t.Fatalf("rewritten reference = %v, want Organization/org-1", requester["reference"])
	}
	if _, ok := requester["identifier"]; !ok {
		t.Fatal("identifier dropped during rewrite")
	}

	// input stays untouched
	original := task["requester"].(map[string]interface{})
	if _, ok := original["reference"]; ok {
		t.Fatal("input resource mutated")
	}
}

func TestResolveLogicalUnresolvable(t *testing.T) {
	ctx := context.Background()
	tx := seedStore(t)
	defer tx.Rollback(ctx)
	rv := newTestResolver()

	task := fhir.NewResource("Task")
	task["requester"] = map[string]interface{}{
		"type":       "Organization",
		"identifier": map[string]interface{}{"system": "http://dsf.dev/sid/organization-identifier", "value": "nobody.example"},
	}
	if _, v := rv.ResolveLogical(ctx, task, tx); v == nil || v.Code != fhir.ViolationTargetNotFound {
		t.Fatalf("ResolveLogical = %v, want target-not-found", v)
	}
}

func TestCanResolve(t *testing.T) {
	rv := newTestResolver()
	for _, k := range []Kind{KindLiteralInternal, KindLiteralExternal, KindLogical, KindCanonical, KindAttachmentLiteralInternal} {
		if !rv.CanResolve(k) {
			t.Fatalf("CanResolve(%s) = false", k)
		}
	}
	for _, k := range []Kind{KindUnknown, KindConditional, KindRelatedArtifactUnknown, KindAttachmentUnknown} {
		if rv.CanResolve(k) {
			t.Fatalf("CanResolve(%s) = true", k)
		}
	}
}
