package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/event"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
)

// Update replaces the current version of typ/id. ifMatch, when non-empty,
// pins the version the caller read; a stale pin is a version conflict, never
// a silent overwrite.
func (s *Service) Update(ctx context.Context, identity auth.Identity, typ, id string, r fhir.Resource, ifMatch string) (fhir.Resource, *fhir.Violation) {
	if v := s.checkUpdateTarget(typ, id, r); v != nil {
		return nil, v
	}
	if !s.engine.ValidTags(ctx, r) {
		return nil, &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: typ,
			Reason: "read access tags do not satisfy the local-or-all invariant",
		}
	}

	var expected *int64
	if ifMatch != "" {
		pinned, err := fhir.ParseETag(ifMatch)
		if err != nil {
			return nil, &fhir.Violation{
				Code: fhir.ViolationStructural, ResourceType: typ,
				Reason: "unparsable If-Match value",
			}
		}
		expected = &pinned
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, s.storageFault(typ, err)
	}
	defer tx.Rollback(ctx)

	existing, err := tx.Read(ctx, typ, id)
	if err != nil {
		return nil, s.readViolation(typ, id, err)
	}
	if _, ok := s.engine.ReasonUpdateAllowed(ctx, tx, identity, existing, r); !ok {
		return nil, s.unauthorized(typ, "update")
	}

	resolved, v := s.resolver.ResolveLogical(ctx, r, tx)
	if v != nil {
		return nil, v
	}
	resolved.SetID(id)

	stored, err := tx.Update(ctx, resolved, expected)
	if err != nil {
		return nil, s.storeViolation(typ, err)
	}

	if v := s.checkReferences(ctx, identity, stored, tx, true); v != nil {
		return nil, v
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, s.storeViolation(typ, err)
	}

	s.log.Info().Str("identity", identity.Name()).Str("resource", stored.Local()).
		Int64("version", stored.VersionID()).Msg("updated")
	s.bus.Publish(event.Event{
		Type: event.TypeUpdated, ResourceType: stored.Type(), ResourceID: stored.ID(), Resource: stored,
	})
	return stored, nil
}

// checkUpdateTarget verifies the payload names the same resource as the
// request path and, when the payload id is a full URL, that it belongs to
// this server.
func (s *Service) checkUpdateTarget(typ, id string, r fhir.Resource) *fhir.Violation {
	if r.Type() != typ {
		return &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: typ,
			Reason: "payload resourceType does not match the request path",
		}
	}
	payloadID := r.ID()
	if strings.Contains(payloadID, "://") {
		base := strings.TrimSuffix(s.base, "/") + "/" + typ + "/"
		if !strings.HasPrefix(payloadID, base) {
			return &fhir.Violation{
				Code: fhir.ViolationStructural, ResourceType: typ,
				Reason: "payload id belongs to a different server",
			}
		}
		payloadID = strings.TrimPrefix(payloadID, base)
	}
	if payloadID != id {
		return &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: typ,
			Reason: "payload id does not match the request path",
		}
	}
	return nil
}

// Delete soft-deletes: the resource disappears from reads and searches but
// keeps its version history. Deleting an already deleted resource is a no-op.
func (s *Service) Delete(ctx context.Context, identity auth.Identity, typ, id string) *fhir.Violation {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return s.storageFault(typ, err)
	}
	defer tx.Rollback(ctx)

	existing, deleted, err := tx.ReadIncludingDeleted(ctx, typ, id)
	if err != nil {
		return s.readViolation(typ, id, err)
	}
	if _, ok := s.engine.ReasonDeleteAllowed(ctx, tx, identity, existing); !ok {
		return s.unauthorized(typ, "delete")
	}
	if deleted {
		return nil
	}

	if err := tx.MarkDeleted(ctx, typ, id); err != nil {
		return s.storeViolation(typ, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.storeViolation(typ, err)
	}

	s.log.Info().Str("identity", identity.Name()).Str("resource", typ+"/"+id).Msg("deleted")
	s.bus.Publish(event.Event{
		Type: event.TypeDeleted, ResourceType: typ, ResourceID: id, Resource: existing,
	})
	return nil
}

// DeletePermanently drops a resource and its whole history. Only allowed
// after a soft delete; this is the one destructive operation in the protocol.
func (s *Service) DeletePermanently(ctx context.Context, identity auth.Identity, typ, id string) *fhir.Violation {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return s.storageFault(typ, err)
	}
	defer tx.Rollback(ctx)

	existing, deleted, err := tx.ReadIncludingDeleted(ctx, typ, id)
	if err != nil {
		return s.readViolation(typ, id, err)
	}
	if _, ok := s.engine.ReasonPermanentDeleteAllowed(ctx, tx, identity, existing); !ok {
		return s.unauthorized(typ, "permanently delete")
	}
	if !deleted {
		return &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: typ,
			Reason: "resource must be deleted before it can be permanently removed",
		}
	}

	if err := tx.DeletePermanently(ctx, typ, id); err != nil {
		if errors.Is(err, store.ErrNotDeleted) {
			return &fhir.Violation{
				Code: fhir.ViolationStructural, ResourceType: typ,
				Reason: "resource must be deleted before it can be permanently removed",
			}
		}
		return s.storeViolation(typ, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.storeViolation(typ, err)
	}

	s.log.Info().Str("identity", identity.Name()).Str("resource", typ+"/"+id).Msg("permanently deleted")
	return nil
}
