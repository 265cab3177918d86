// Package store defines the document-store contract consumed by the resource
// lifecycle: versioned reads and writes inside an injectable transaction
// handle that the lifecycle commits or rolls back.
package store

import (
	"context"
	"errors"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

var (
	// ErrNotFound is returned when no resource (or version) exists.
	ErrNotFound = errors.New("resource not found")

	// ErrDeleted is returned when the resource exists but its newest
	// version is a delete marker.
	ErrDeleted = errors.New("resource deleted")

	// ErrVersionConflict is returned by Update when the expected version
	// does not match the stored version.
	ErrVersionConflict = errors.New("resource version conflict")

	// ErrDuplicate is returned when a write violates a uniqueness
	// constraint, e.g. two concurrent conditional creates.
	ErrDuplicate = errors.New("duplicate resource")

	// ErrNotDeleted is returned by DeletePermanently when the resource has
	// not been soft-deleted first.
	ErrNotDeleted = errors.New("resource not marked deleted")
)

// Query describes a search over one resource type. Parameters use FHIR search
// syntax; the store supports the subset needed by reference resolution and
// conditional operations (_id, identifier, url, status) plus _include.
type Query struct {
	Type     string
	Params   map[string][]string
	Includes []string // "SourceType:refElement" include directives
	Count    int      // 0 means store default
	Offset   int
}

// Result is one page of search matches plus the resources pulled in by
// _include directives. Includes are not access-filtered by the store; the
// lifecycle filters them before anything leaves the server.
type Result struct {
	Matches  []fhir.Resource
	Includes []fhir.Resource
	Total    int
}

// Tx is one transaction against the document store. All reads and writes of
// one lifecycle request run on a single Tx; Commit makes them durable
// atomically, Rollback discards them. Rollback after Commit is a no-op so it
// can be deferred unconditionally.
type Tx interface {
	Read(ctx context.Context, typ, id string) (fhir.Resource, error)
	ReadVersion(ctx context.Context, typ, id string, version int64) (fhir.Resource, error)

	// ReadIncludingDeleted returns the newest version even when it is a
	// delete marker, for existence checks and permanent deletes.
	ReadIncludingDeleted(ctx context.Context, typ, id string) (fhir.Resource, bool, error)

	Search(ctx context.Context, q Query) (Result, error)

	// CreateWithID persists version 1 of the resource under the given
	// server-assigned id and returns the stored document.
	CreateWithID(ctx context.Context, r fhir.Resource, id string) (fhir.Resource, error)

	// Update persists a new version. When expectedVersion is non-nil the
	// write fails with ErrVersionConflict unless it matches the current
	// stored version.
	Update(ctx context.Context, r fhir.Resource, expectedVersion *int64) (fhir.Resource, error)

	// MarkDeleted appends a delete-marker version; history stays readable.
	MarkDeleted(ctx context.Context, typ, id string) error

	// DeletePermanently removes the resource and its whole history. The
	// resource must already be soft-deleted.
	DeletePermanently(ctx context.Context, typ, id string) error

	History(ctx context.Context, typ, id string) ([]fhir.Resource, error)

	// TypeHistory returns every version of every resource of the given
	// type, delete markers included, ordered by id then version.
	TypeHistory(ctx context.Context, typ string) ([]fhir.Resource, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions against the underlying document database.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}
