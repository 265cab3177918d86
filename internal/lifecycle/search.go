package lifecycle

import (
	"context"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
)

// Search executes the query and filters both the matches and every _include
// resource through the read rules. Matching a primary resource never implies
// the caller may see what it references.
//
// Paging is applied after read filtering, so Total always counts exactly the
// matches the caller may read; it never reflects resources hidden from them.
func (s *Service) Search(ctx context.Context, identity auth.Identity, q store.Query) (store.Result, *fhir.Violation) {
	if _, ok := s.engine.ReasonSearchAllowed(ctx, identity, q.Type); !ok {
		return store.Result{}, s.unauthorized(q.Type, "search")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return store.Result{}, s.storageFault(q.Type, err)
	}
	defer tx.Rollback(ctx)

	unpaged := q
	unpaged.Count = 0
	unpaged.Offset = 0
	result, err := tx.Search(ctx, unpaged)
	if err != nil {
		return store.Result{}, s.storageFault(q.Type, err)
	}

	matches := s.engine.FilterReadable(ctx, tx, identity, result.Matches)
	total := len(matches)
	matches = page(matches, q.Offset, q.Count)

	// includes were resolved for the whole readable match set; each entry
	// is read-checked on its own, a page never widens what is visible
	includes := s.engine.FilterReadable(ctx, tx, identity, result.Includes)
	return store.Result{
		Matches:  matches,
		Includes: includes,
		Total:    total,
	}, nil
}

func page(matches []fhir.Resource, offset, count int) []fhir.Resource {
	if offset > 0 {
		if offset >= len(matches) {
			return nil
		}
		matches = matches[offset:]
	}
	if count > 0 && len(matches) > count {
		matches = matches[:count]
	}
	return matches
}

// History returns the versions of typ/id the caller may read, oldest first.
func (s *Service) History(ctx context.Context, identity auth.Identity, typ, id string) ([]fhir.Resource, *fhir.Violation) {
	if _, ok := s.engine.ReasonHistoryAllowed(ctx, identity, typ); !ok {
		return nil, s.unauthorized(typ, "history")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, s.storageFault(typ, err)
	}
	defer tx.Rollback(ctx)

	versions, err := tx.History(ctx, typ, id)
	if err != nil {
		return nil, s.readViolation(typ, id, err)
	}
	readable := s.engine.FilterReadable(ctx, tx, identity, versions)
	if len(readable) == 0 {
		return nil, s.unauthorized(typ, "history")
	}
	return readable, nil
}

// TypeHistory returns all versions of all resources of typ the caller may
// read, delete markers included. An empty result is not an error; a caller
// allowed to ask for type history may legitimately see nothing.
func (s *Service) TypeHistory(ctx context.Context, identity auth.Identity, typ string) ([]fhir.Resource, *fhir.Violation) {
	if _, ok := s.engine.ReasonHistoryAllowed(ctx, identity, typ); !ok {
		return nil, s.unauthorized(typ, "history")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, s.storageFault(typ, err)
	}
	defer tx.Rollback(ctx)

	versions, err := tx.TypeHistory(ctx, typ)
	if err != nil {
		return nil, s.storageFault(typ, err)
	}
	return s.engine.FilterReadable(ctx, tx, identity, versions), nil
}
