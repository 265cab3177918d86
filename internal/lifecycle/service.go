// Package lifecycle implements the transactional create/read/update/delete/
// search protocol: tag validation, authorization, reference resolution and
// the post-write reference consistency check all happen inside one storage
// transaction per write.
package lifecycle

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/authz"
	"github.com/datasharingframework/dsf-sub004/internal/platform/event"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
	"github.com/datasharingframework/dsf-sub004/internal/refs"
)

type Service struct {
	store        store.Store
	engine       *authz.Engine
	resolver     *refs.Resolver
	bus          *event.Bus
	base         string
	revalidation ReferenceRevalidationPolicy
	log          zerolog.Logger

	newID func() string
}

func NewService(s store.Store, engine *authz.Engine, resolver *refs.Resolver, bus *event.Bus, base string, policy ReferenceRevalidationPolicy, log zerolog.Logger) *Service {
	if policy == nil {
		policy = RevalidateAll{}
	}
	return &Service{
		store:        s,
		engine:       engine,
		resolver:     resolver,
		bus:          bus,
		base:         base,
		revalidation: policy,
		log:          log.With().Str("component", "lifecycle").Logger(),
		newID:        uuid.NewString,
	}
}

// CreateResult reports the stored resource. Created is false when a
// conditional create matched an existing resource and returned it unchanged.
type CreateResult struct {
	Resource fhir.Resource
	Created  bool
}

// Create stores a new resource. ifNoneExist, when non-empty, is the
// conditional-create search criteria; a single readable match short-circuits
// the create.
func (s *Service) Create(ctx context.Context, identity auth.Identity, r fhir.Resource, ifNoneExist string) (CreateResult, *fhir.Violation) {
	if !s.engine.ValidTags(ctx, r) {
		return CreateResult{}, &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: r.Type(),
			Reason: "read access tags do not satisfy the local-or-all invariant",
		}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return CreateResult{}, s.storageFault(r.Type(), err)
	}
	defer tx.Rollback(ctx)

	if ifNoneExist != "" {
		existing, v := s.conditionalCreateProbe(ctx, tx, identity, r.Type(), ifNoneExist)
		if v != nil {
			return CreateResult{}, v
		}
		if existing != nil {
			return CreateResult{Resource: existing, Created: false}, nil
		}
	}

	if _, ok := s.engine.ReasonCreateAllowed(ctx, tx, identity, r); !ok {
		return CreateResult{}, s.unauthorized(r.Type(), "create")
	}

	resolved, v := s.resolver.ResolveLogical(ctx, r, tx)
	if v != nil {
		return CreateResult{}, v
	}

	stored, err := tx.CreateWithID(ctx, resolved, s.newID())
	if err != nil {
		return CreateResult{}, s.storeViolation(r.Type(), err)
	}

	if v := s.checkReferences(ctx, identity, stored, tx, false); v != nil {
		return CreateResult{}, v
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, s.storeViolation(r.Type(), err)
	}

	s.log.Info().Str("identity", identity.Name()).Str("resource", stored.Local()).Msg("created")
	s.bus.Publish(event.Event{
		Type: event.TypeCreated, ResourceType: stored.Type(), ResourceID: stored.ID(), Resource: stored,
	})
	return CreateResult{Resource: stored, Created: true}, nil
}

// conditionalCreateProbe runs the if-none-exist criteria as a search under
// the caller's identity. One readable match returns that resource, more than
// one is a duplicate-resource violation.
func (s *Service) conditionalCreateProbe(ctx context.Context, tx store.Tx, identity auth.Identity, typ, criteria string) (fhir.Resource, *fhir.Violation) {
	params, err := url.ParseQuery(criteria)
	if err != nil {
		return nil, &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: typ,
			Reason: "unparsable if-none-exist criteria",
		}
	}
	if _, ok := s.engine.ReasonSearchAllowed(ctx, identity, typ); !ok {
		return nil, s.unauthorized(typ, "search")
	}

	result, err := tx.Search(ctx, store.Query{Type: typ, Params: params})
	if err != nil {
		return nil, s.storageFault(typ, err)
	}
	matches := s.engine.FilterReadable(ctx, tx, identity, result.Matches)
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, &fhir.Violation{
			Code: fhir.ViolationDuplicate, ResourceType: typ,
			Reason: "if-none-exist criteria matched more than one resource",
		}
	}
}

// ConditionalRead carries the conditional read headers. An ETag pin takes
// precedence over a modified-since check; they are never combined.
type ConditionalRead struct {
	IfNoneMatch     string
	IfModifiedSince time.Time
}

// ReadResult is a read outcome: either the resource or NotModified.
type ReadResult struct {
	Resource    fhir.Resource
	NotModified bool
}

func (s *Service) Read(ctx context.Context, identity auth.Identity, typ, id string, cond ConditionalRead) (ReadResult, *fhir.Violation) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return ReadResult{}, s.storageFault(typ, err)
	}
	defer tx.Rollback(ctx)

	r, err := tx.Read(ctx, typ, id)
	if err != nil {
		return ReadResult{}, s.readViolation(typ, id, err)
	}
	if _, ok := s.engine.ReasonReadAllowed(ctx, tx, identity, r); !ok {
		return ReadResult{}, s.unauthorized(typ, "read")
	}

	if cond.IfNoneMatch != "" {
		if pinned, err := fhir.ParseETag(cond.IfNoneMatch); err == nil && pinned == r.VersionID() {
			return ReadResult{NotModified: true}, nil
		}
	} else if !cond.IfModifiedSince.IsZero() {
		if last := r.LastUpdated(); !last.IsZero() && !last.After(cond.IfModifiedSince) {
			return ReadResult{NotModified: true}, nil
		}
	}
	return ReadResult{Resource: r}, nil
}

func (s *Service) VRead(ctx context.Context, identity auth.Identity, typ, id string, version int64) (fhir.Resource, *fhir.Violation) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, s.storageFault(typ, err)
	}
	defer tx.Rollback(ctx)

	r, err := tx.ReadVersion(ctx, typ, id, version)
	if err != nil {
		return nil, s.readViolation(typ, id, err)
	}
	if _, ok := s.engine.ReasonReadAllowed(ctx, tx, identity, r); !ok {
		return nil, s.unauthorized(typ, "read")
	}
	return r, nil
}

// checkReferences is the post-write consistency pass: every reference of the
// stored resource must resolve, be readable by the caller and not widen the
// audience of its target.
func (s *Service) checkReferences(ctx context.Context, identity auth.Identity, stored fhir.Resource, tx store.Tx, update bool) *fhir.Violation {
	for _, ref := range refs.Extract(stored) {
		kind := ref.Classify(s.base)
		if update && !s.revalidation.Revalidate(stored, ref, kind) {
			s.log.Debug().Str("location", ref.Location).Str("kind", kind.String()).
				Msg("skipping revalidation in terminal state")
			continue
		}
		if v := s.resolver.Check(ctx, identity, stored.Type(), ref, tx, s.engine.Bound(tx)); v != nil {
			return v
		}
		if kind != refs.KindLiteralInternal {
			continue
		}
		typ, id, ok := ref.Target(s.base)
		if !ok {
			continue
		}
		target, err := tx.Read(ctx, typ, id)
		if err != nil {
			// resolver.Check saw the target, a failure here is a fault
			if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrDeleted) {
				return s.storageFault(stored.Type(), err)
			}
			continue
		}
		if _, ok := s.engine.ReasonReferenceAllowed(ctx, identity, stored, target); !ok {
			return &fhir.Violation{
				Code: fhir.ViolationUnauthorized, ResourceType: stored.Type(),
				Location: ref.Location, RefKind: kind.String(), Target: target.Local(),
				Reason: "reference would widen the audience of its target",
			}
		}
	}
	return nil
}

func (s *Service) storeViolation(typ string, err error) *fhir.Violation {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return &fhir.Violation{
			Code: fhir.ViolationDuplicate, ResourceType: typ,
			Reason: "identifying data collides with an existing resource",
		}
	case errors.Is(err, store.ErrVersionConflict):
		return &fhir.Violation{
			Code: fhir.ViolationVersionConflict, ResourceType: typ,
			Reason: "stored version changed since it was read",
		}
	default:
		return s.storageFault(typ, err)
	}
}

// readViolation folds missing and deleted into target-not-found, which the
// outcome rendering keeps indistinguishable from a deny.
func (s *Service) readViolation(typ, id string, err error) *fhir.Violation {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDeleted) {
		return &fhir.Violation{
			Code: fhir.ViolationTargetNotFound, ResourceType: typ, Target: typ + "/" + id,
			Reason: "resource could not be resolved",
		}
	}
	return s.storageFault(typ, err)
}

func (s *Service) unauthorized(typ, op string) *fhir.Violation {
	return &fhir.Violation{
		Code: fhir.ViolationUnauthorized, ResourceType: typ,
		Reason: "identity may not " + op + " this resource",
	}
}

func (s *Service) storageFault(typ string, err error) *fhir.Violation {
	s.log.Error().Err(err).Str("type", typ).Msg("storage fault")
	return &fhir.Violation{
		Code: fhir.ViolationStorage, ResourceType: typ, Reason: err.Error(),
	}
}
