package store

import (
	"context"
	"errors"
	"testing"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

func newEndpoint(id string) fhir.Resource {
	r := fhir.NewResource("Endpoint")
	if id != "" {
		r.SetID(id)
	}
	return r
}

func mustBegin(t *testing.T, s *Mem) Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func mustCommit(t *testing.T, tx Tx) {
	t.Helper()
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestCreateReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	created, err := tx.CreateWithID(ctx, newEndpoint(""), "ep-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.VersionID() != 1 {
		t.Fatalf("version = %d, want 1", created.VersionID())
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	defer tx.Rollback(ctx)
	got, err := tx.Read(ctx, "Endpoint", "ep-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID() != "ep-1" || got.Type() != "Endpoint" {
		t.Fatalf("read %s/%s, want Endpoint/ep-1", got.Type(), got.ID())
	}
}

func TestUncommittedWritesInvisible(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	if _, err := tx.CreateWithID(ctx, newEndpoint(""), "ep-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	other := mustBegin(t, s)
	defer other.Rollback(ctx)
	if _, err := other.Read(ctx, "Endpoint", "ep-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read before commit: err = %v, want ErrNotFound", err)
	}
	tx.Rollback(ctx)
}

func TestRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	if _, err := tx.CreateWithID(ctx, newEndpoint(""), "ep-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	tx = mustBegin(t, s)
	defer tx.Rollback(ctx)
	if _, err := tx.Read(ctx, "Endpoint", "ep-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after rollback: err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentCreateSameID(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	first := mustBegin(t, s)
	second := mustBegin(t, s)

	if _, err := first.CreateWithID(ctx, newEndpoint(""), "ep-1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := second.CreateWithID(ctx, newEndpoint(""), "ep-1"); err != nil {
		t.Fatalf("second create buffered: %v", err)
	}

	mustCommit(t, first)
	if err := second.Commit(ctx); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second commit: err = %v, want ErrDuplicate", err)
	}
}

func TestUpdateVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	created, err := tx.CreateWithID(ctx, newEndpoint(""), "ep-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	wrong := int64(7)
	if _, err := tx.Update(ctx, created, &wrong); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("update with wrong version: err = %v, want ErrVersionConflict", err)
	}
	right := created.VersionID()
	updated, err := tx.Update(ctx, created, &right)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.VersionID() != 2 {
		t.Fatalf("version = %d, want 2", updated.VersionID())
	}
	mustCommit(t, tx)
}

func TestConcurrentUpdateConflictsAtCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	created, err := tx.CreateWithID(ctx, newEndpoint(""), "ep-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustCommit(t, tx)

	first := mustBegin(t, s)
	second := mustBegin(t, s)
	if _, err := first.Update(ctx, created, nil); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := second.Update(ctx, created, nil); err != nil {
		t.Fatalf("second update buffered: %v", err)
	}
	mustCommit(t, first)
	if err := second.Commit(ctx); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("second commit: err = %v, want ErrVersionConflict", err)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	if _, err := tx.CreateWithID(ctx, newEndpoint(""), "ep-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	if err := tx.DeletePermanently(ctx, "Endpoint", "ep-1"); !errors.Is(err, ErrNotDeleted) {
		t.Fatalf("permanent delete of live resource: err = %v, want ErrNotDeleted", err)
	}
	if err := tx.MarkDeleted(ctx, "Endpoint", "ep-1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if err := tx.MarkDeleted(ctx, "Endpoint", "ep-1"); !errors.Is(err, ErrDeleted) {
		t.Fatalf("second delete: err = %v, want ErrDeleted", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	if _, err := tx.Read(ctx, "Endpoint", "ep-1"); !errors.Is(err, ErrDeleted) {
		t.Fatalf("read deleted: err = %v, want ErrDeleted", err)
	}
	if _, deleted, err := tx.ReadIncludingDeleted(ctx, "Endpoint", "ep-1"); err != nil || !deleted {
		t.Fatalf("ReadIncludingDeleted: deleted = %v, err = %v", deleted, err)
	}
	if err := tx.DeletePermanently(ctx, "Endpoint", "ep-1"); err != nil {
		t.Fatalf("permanent delete: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	defer tx.Rollback(ctx)
	if _, err := tx.Read(ctx, "Endpoint", "ep-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read after permanent delete: err = %v, want ErrNotFound", err)
	}
}

func TestReadVersionAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	created, err := tx.CreateWithID(ctx, newEndpoint(""), "ep-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created["status"] = "active"
	if _, err := tx.Update(ctx, created, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	defer tx.Rollback(ctx)
	v1, err := tx.ReadVersion(ctx, "Endpoint", "ep-1", 1)
	if err != nil {
		t.Fatalf("read v1: %v", err)
	}
	if _, ok := v1["status"]; ok {
		t.Fatal("v1 carries the v2 status field")
	}
	if _, err := tx.ReadVersion(ctx, "Endpoint", "ep-1", 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read v3: err = %v, want ErrNotFound", err)
	}
	history, err := tx.History(ctx, "Endpoint", "ep-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestUniqueIdentifierConstraint(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	org := fhir.NewResource("Organization")
	org["identifier"] = []interface{}{
		map[string]interface{}{"system": "http://dsf.dev/sid/organization-identifier", "value": "foo.com"},
	}

	tx := mustBegin(t, s)
	if _, err := tx.CreateWithID(ctx, org, "org-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	defer tx.Rollback(ctx)
	if _, err := tx.CreateWithID(ctx, org.Clone(), "org-2"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate identifier: err = %v, want ErrDuplicate", err)
	}
}

func TestSearchParamsAndIncludes(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	tx := mustBegin(t, s)
	org := fhir.NewResource("Organization")
	org["identifier"] = []interface{}{
		map[string]interface{}{"system": "http://dsf.dev/sid/organization-identifier", "value": "foo.com"},
	}
	if _, err := tx.CreateWithID(ctx, org, "org-1"); err != nil {
		t.Fatalf("create org: %v", err)
	}
	ep := fhir.NewResource("Endpoint")
	ep["status"] = "active"
	ep["managingOrganization"] = map[string]interface{}{"reference": "Organization/org-1"}
	if _, err := tx.CreateWithID(ctx, ep, "ep-1"); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	ep2 := fhir.NewResource("Endpoint")
	ep2["status"] = "off"
	if _, err := tx.CreateWithID(ctx, ep2, "ep-2"); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	mustCommit(t, tx)

	tx = mustBegin(t, s)
	defer tx.Rollback(ctx)

	res, err := tx.Search(ctx, Query{
		Type:     "Endpoint",
		Params:   map[string][]string{"status": {"active"}},
		Includes: []string{"Endpoint:managingOrganization"},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].ID() != "ep-1" {
		t.Fatalf("matches = %v, want [ep-1]", res.Matches)
	}
	if res.Total != 1 {
		t.Fatalf("total = %d, want 1", res.Total)
	}
	if len(res.Includes) != 1 || res.Includes[0].ID() != "org-1" {
		t.Fatalf("includes = %v, want [org-1]", res.Includes)
	}

	res, err = tx.Search(ctx, Query{
		Type:   "Organization",
		Params: map[string][]string{"identifier": {"http://dsf.dev/sid/organization-identifier|foo.com"}},
	})
	if err != nil {
		t.Fatalf("search by identifier: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("identifier matches = %d, want 1", len(res.Matches))
	}

	res, err = tx.Search(ctx, Query{
		Type:   "Endpoint",
		Params: map[string][]string{"unsupported-param": {"x"}},
	})
	if err != nil {
		t.Fatalf("search with unsupported param: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Fatalf("unsupported param matched %d resources, want 0", len(res.Matches))
	}
}
