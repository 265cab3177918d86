package refs

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/platform/store"
)

// LocalReader is the read-only slice of a store transaction the resolver
// needs.
type LocalReader interface {
	Read(ctx context.Context, typ, id string) (fhir.Resource, error)
	Search(ctx context.Context, q store.Query) (store.Result, error)
}

// ReadChecker decides whether an identity may read a resolved target. The
// authorization rule engine implements it.
type ReadChecker interface {
	ReasonReadAllowed(ctx context.Context, identity auth.Identity, r fhir.Resource) (string, bool)
}

// RemoteClient reads a single resource from another server.
type RemoteClient interface {
	Read(ctx context.Context, typ, id string) (fhir.Resource, error)
}

// RemoteProvider hands out clients per remote server base URL.
type RemoteProvider interface {
	ClientFor(serverBase string) (RemoteClient, error)
}

// Resolver checks reference targets against the local store, the remote
// access layer and the authorization rule engine.
type Resolver struct {
	base    string
	remotes RemoteProvider
	log     zerolog.Logger
}

func NewResolver(localBase string, remotes RemoteProvider, log zerolog.Logger) *Resolver {
	return &Resolver{
		base:    strings.TrimSuffix(localBase, "/"),
		remotes: remotes,
		log:     log.With().Str("component", "refs").Logger(),
	}
}

// CanResolve reports whether the resolver handles references of this kind at
// all. Unknown artifact URLs are deliberately out, they are exempt from the
// reference check.
func (rv *Resolver) CanResolve(k Kind) bool {
	switch k {
	case KindLiteralInternal, KindLiteralExternal, KindLogical, KindCanonical,
		KindRelatedArtifactLiteralInternal, KindRelatedArtifactLiteralExternal,
		KindAttachmentLiteralInternal, KindAttachmentLiteralExternal:
		return true
	}
	return false
}

// Check resolves one reference and verifies the identity may read its
// target. The checker runs against the same transaction as local.
func (rv *Resolver) Check(ctx context.Context, identity auth.Identity, sourceType string, ref Reference, local LocalReader, checker ReadChecker) *fhir.Violation {
	kind := ref.Classify(rv.base)
	switch kind {
	case KindRelatedArtifactUnknown, KindAttachmentUnknown:
		rv.log.Debug().Str("location", ref.Location).Msg("skipping unchecked artifact url")
		return nil

	case KindUnknown:
		return &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: sourceType,
			Location: ref.Location, RefKind: kind.String(),
			Reason: "reference is neither literal, logical, canonical nor a checked artifact url",
		}

	case KindConditional:
		return &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: sourceType,
			Location: ref.Location, RefKind: kind.String(),
			Reason: "conditional reference must be resolved before the resource is stored",
		}

	case KindLogical:
		target, v := rv.resolveLogicalTarget(ctx, sourceType, ref, local)
		if v != nil {
			return v
		}
		return rv.checkRead(ctx, identity, sourceType, ref, kind, target, checker)

	case KindCanonical:
		return rv.checkCanonical(ctx, identity, sourceType, ref, local, checker)

	case KindLiteralExternal, KindRelatedArtifactLiteralExternal, KindAttachmentLiteralExternal:
		return rv.checkExternal(ctx, sourceType, ref, kind)

	default:
		return rv.checkInternal(ctx, identity, sourceType, ref, kind, local, checker)
	}
}

func (rv *Resolver) checkInternal(ctx context.Context, identity auth.Identity, sourceType string, ref Reference, kind Kind, local LocalReader, checker ReadChecker) *fhir.Violation {
	typ, id, ok := ref.Target(rv.base)
	if !ok {
		return &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: sourceType,
			Location: ref.Location, RefKind: kind.String(),
			Reason: "literal reference is not of the form Type/id",
		}
	}
	if !ref.TargetTypeAllowed(typ) {
		return &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: sourceType,
			Location: ref.Location, RefKind: kind.String(), Target: typ + "/" + id,
			Reason: "reference target type " + typ + " not allowed at this element",
		}
	}

	target, err := local.Read(ctx, typ, id)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrDeleted):
		return rv.notFound(sourceType, ref, kind, typ+"/"+id)
	case err != nil:
		return &fhir.Violation{
			Code: fhir.ViolationStorage, ResourceType: sourceType,
			Location: ref.Location, RefKind: kind.String(), Reason: err.Error(),
		}
	}
	return rv.checkRead(ctx, identity, sourceType, ref, kind, target, checker)
}

// checkExternal fetches the target from the remote server. The outbound call
// runs under the server's own identity, so a successful fetch already proves
// the owner may see the target.
func (rv *Resolver) checkExternal(ctx context.Context, sourceType string, ref Reference, kind Kind) *fhir.Violation {
	remoteBase, ok := ref.RemoteBase()
	if !ok {
		return rv.notFound(sourceType, ref, kind, "")
	}
	typ, id, ok := ref.Target(rv.base)
	if !ok {
		return rv.notFound(sourceType, ref, kind, "")
	}

	client, err := rv.remotes.ClientFor(remoteBase)
	if err != nil {
		rv.log.Warn().Err(err).Str("server", remoteBase).Msg("no client for remote server")
		return rv.notFound(sourceType, ref, kind, typ+"/"+id)
	}
	if _, err := client.Read(ctx, typ, id); err != nil {
		rv.log.Info().Err(err).Str("server", remoteBase).Str("target", typ+"/"+id).
			Msg("external reference target not readable")
		return rv.notFound(sourceType, ref, kind, typ+"/"+id)
	}
	return nil
}

func (rv *Resolver) checkCanonical(ctx context.Context, identity auth.Identity, sourceType string, ref Reference, local LocalReader, checker ReadChecker) *fhir.Violation {
	if !canonicalChecked[ref.Location] {
		return nil
	}
	url, version, _ := strings.Cut(ref.Canonical, "|")
	params := map[string][]string{"url": {url}}
	if version != "" {
		params["version"] = []string{version}
	}

	result, err := local.Search(ctx, store.Query{Type: ref.TargetTypes[0], Params: params})
	if err != nil {
		return &fhir.Violation{
			Code: fhir.ViolationStorage, ResourceType: sourceType,
			Location: ref.Location, RefKind: KindCanonical.String(), Reason: err.Error(),
		}
	}
	if len(result.Matches) == 0 {
		return rv.notFound(sourceType, ref, KindCanonical, ref.Canonical)
	}
	return rv.checkRead(ctx, identity, sourceType, ref, KindCanonical, result.Matches[0], checker)
}

// canonicalChecked lists the canonical elements whose targets must exist
// locally. Other canonical URLs may legitimately point at artifacts this
// server never stores.
var canonicalChecked = map[string]bool{
	"Task.instantiatesCanonical":          true,
	"QuestionnaireResponse.questionnaire": true,
}

func (rv *Resolver) resolveLogicalTarget(ctx context.Context, sourceType string, ref Reference, local LocalReader) (fhir.Resource, *fhir.Violation) {
	typ, ok := ref.LogicalTargetType()
	if !ok {
		return nil, &fhir.Violation{
			Code: fhir.ViolationStructural, ResourceType: sourceType,
			Location: ref.Location, RefKind: KindLogical.String(),
			Reason: "logical reference carries no target type",
		}
	}
	result, err := local.Search(ctx, store.Query{
		Type:   typ,
		Params: map[string][]string{"identifier": {ref.Identifier.System + "|" + ref.Identifier.Value}},
	})
	if err != nil {
		return nil, &fhir.Violation{
			Code: fhir.ViolationStorage, ResourceType: sourceType,
			Location: ref.Location, RefKind: KindLogical.String(), Reason: err.Error(),
		}
	}
	if len(result.Matches) != 1 {
		return nil, rv.notFound(sourceType, ref, KindLogical, typ)
	}
	return result.Matches[0], nil
}

func (rv *Resolver) checkRead(ctx context.Context, identity auth.Identity, sourceType string, ref Reference, kind Kind, target fhir.Resource, checker ReadChecker) *fhir.Violation {
	reason, ok := checker.ReasonReadAllowed(ctx, identity, target)
	if !ok {
		return &fhir.Violation{
			Code: fhir.ViolationUnauthorized, ResourceType: sourceType,
			Location: ref.Location, RefKind: kind.String(), Target: target.Local(),
			Reason: "identity may not read the reference target",
		}
	}
	rv.log.Debug().Str("location", ref.Location).Str("target", target.Local()).
		Str("reason", reason).Msg("reference target readable")
	return nil
}

func (rv *Resolver) notFound(sourceType string, ref Reference, kind Kind, target string) *fhir.Violation {
	return &fhir.Violation{
		Code: fhir.ViolationTargetNotFound, ResourceType: sourceType,
		Location: ref.Location, RefKind: kind.String(), Target: target,
		Reason: "reference target could not be resolved",
	}
}

// ResolveLogical rewrites every logical reference of r to the literal id of
// its uniquely resolved target and returns the rewritten copy. The input
// resource is never mutated.
func (rv *Resolver) ResolveLogical(ctx context.Context, r fhir.Resource, local LocalReader) (fhir.Resource, *fhir.Violation) {
	out := r.Clone()
	for _, ref := range Extract(out) {
		if ref.Classify(rv.base) != KindLogical {
			continue
		}
		target, v := rv.resolveLogicalTarget(ctx, out.Type(), ref, local)
		if v != nil {
			return nil, v
		}
		segments := strings.Split(strings.TrimPrefix(ref.Location, out.Type()+"."), ".")
		rewriteLogical(map[string]interface{}(out), segments, ref.Identifier, target.Type(), target.ID())
	}
	return out, nil
}
