// Package authz holds the per-type authorization rules and the engine that
// dispatches over them.
package authz

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/datasharingframework/dsf-sub004/internal/auth"
	"github.com/datasharingframework/dsf-sub004/internal/directory"
	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
	"github.com/datasharingframework/dsf-sub004/internal/readaccess"
)

// Reader is the single-resource lookup some rules need to follow a security
// context reference. A store transaction satisfies it.
type Reader interface {
	Read(ctx context.Context, typ, id string) (fhir.Resource, error)
}

// Rule is the uniform per-type contract. Every method returns a human
// readable reason on permit and false on deny, so each decision can be
// logged, never a bare boolean.
type Rule interface {
	ReasonCreateAllowed(ctx context.Context, reader Reader, identity auth.Identity, r fhir.Resource) (string, bool)
	ReasonReadAllowed(ctx context.Context, reader Reader, identity auth.Identity, r fhir.Resource) (string, bool)
	ReasonUpdateAllowed(ctx context.Context, reader Reader, identity auth.Identity, existing, updated fhir.Resource) (string, bool)
	ReasonDeleteAllowed(ctx context.Context, reader Reader, identity auth.Identity, existing fhir.Resource) (string, bool)
	ReasonSearchAllowed(ctx context.Context, identity auth.Identity) (string, bool)
	ReasonHistoryAllowed(ctx context.Context, identity auth.Identity) (string, bool)
	ReasonPermanentDeleteAllowed(ctx context.Context, reader Reader, identity auth.Identity, existing fhir.Resource) (string, bool)
}

// Engine dispatches to one rule per resource type over a closed table built
// at construction. A type without a rule is denied everything.
type Engine struct {
	rules map[string]Rule
	dir   directory.Provider
	log   zerolog.Logger
}

func NewEngine(dir directory.Provider, log zerolog.Logger) *Engine {
	e := &Engine{
		dir: dir,
		log: log.With().Str("component", "authz").Logger(),
	}
	e.rules = map[string]Rule{}
	for _, typ := range fhir.ResourceTypes {
		switch typ {
		case "Task":
			e.rules[typ] = &taskRule{}
		case "QuestionnaireResponse":
			e.rules[typ] = &questionnaireResponseRule{}
		case "Binary":
			e.rules[typ] = &binaryRule{engine: e}
		case "Bundle":
			e.rules[typ] = &bundleRule{engine: e}
		default:
			e.rules[typ] = &metaTagRule{}
		}
	}
	return e
}

func (e *Engine) rule(typ string) (Rule, bool) {
	r, ok := e.rules[typ]
	return r, ok
}

func (e *Engine) ReasonCreateAllowed(ctx context.Context, reader Reader, identity auth.Identity, r fhir.Resource) (string, bool) {
	rule, ok := e.rule(r.Type())
	if !ok {
		return e.deny(identity, "create", r.Type(), "no rule for resource type")
	}
	reason, ok := rule.ReasonCreateAllowed(ctx, reader, identity, r)
	return e.decide(identity, "create", r.Type(), reason, ok)
}

func (e *Engine) ReasonReadAllowed(ctx context.Context, reader Reader, identity auth.Identity, r fhir.Resource) (string, bool) {
	rule, ok := e.rule(r.Type())
	if !ok {
		return e.deny(identity, "read", r.Type(), "no rule for resource type")
	}
	reason, ok := rule.ReasonReadAllowed(ctx, reader, identity, r)
	return e.decide(identity, "read", r.Type(), reason, ok)
}

func (e *Engine) ReasonUpdateAllowed(ctx context.Context, reader Reader, identity auth.Identity, existing, updated fhir.Resource) (string, bool) {
	rule, ok := e.rule(updated.Type())
	if !ok {
		return e.deny(identity, "update", updated.Type(), "no rule for resource type")
	}
	reason, ok := rule.ReasonUpdateAllowed(ctx, reader, identity, existing, updated)
	return e.decide(identity, "update", updated.Type(), reason, ok)
}

func (e *Engine) ReasonDeleteAllowed(ctx context.Context, reader Reader, identity auth.Identity, existing fhir.Resource) (string, bool) {
	rule, ok := e.rule(existing.Type())
	if !ok {
		return e.deny(identity, "delete", existing.Type(), "no rule for resource type")
	}
	reason, ok := rule.ReasonDeleteAllowed(ctx, reader, identity, existing)
	return e.decide(identity, "delete", existing.Type(), reason, ok)
}

func (e *Engine) ReasonSearchAllowed(ctx context.Context, identity auth.Identity, typ string) (string, bool) {
	rule, ok := e.rule(typ)
	if !ok {
		return e.deny(identity, "search", typ, "no rule for resource type")
	}
	reason, ok := rule.ReasonSearchAllowed(ctx, identity)
	return e.decide(identity, "search", typ, reason, ok)
}

func (e *Engine) ReasonHistoryAllowed(ctx context.Context, identity auth.Identity, typ string) (string, bool) {
	rule, ok := e.rule(typ)
	if !ok {
		return e.deny(identity, "history", typ, "no rule for resource type")
	}
	reason, ok := rule.ReasonHistoryAllowed(ctx, identity)
	return e.decide(identity, "history", typ, reason, ok)
}

func (e *Engine) ReasonPermanentDeleteAllowed(ctx context.Context, reader Reader, identity auth.Identity, existing fhir.Resource) (string, bool) {
	rule, ok := e.rule(existing.Type())
	if !ok {
		return e.deny(identity, "permanent-delete", existing.Type(), "no rule for resource type")
	}
	reason, ok := rule.ReasonPermanentDeleteAllowed(ctx, reader, identity, existing)
	return e.decide(identity, "permanent-delete", existing.Type(), reason, ok)
}

// ReasonReferenceAllowed decides whether a stored resource may point at
// target without disclosing target's existence to everyone: a source
// readable by all organizations must only reference targets that are too.
// Sources with a restricted audience may reference local-only targets; the
// read check on the target still applies separately per caller.
func (e *Engine) ReasonReferenceAllowed(ctx context.Context, identity auth.Identity, source, target fhir.Resource) (string, bool) {
	if readaccess.HasAll(target) {
		return "target readable by everyone", true
	}
	if readaccess.HasAll(source) {
		return e.deny(identity, "reference", source.Type(),
			"source readable by everyone but target "+target.Local()+" is not")
	}
	if !readaccess.HasLocal(target) {
		return e.deny(identity, "reference", source.Type(),
			"target "+target.Local()+" carries no read access grant")
	}
	return "source audience is restricted", true
}

// ValidTags checks the read access tag invariant of r, with organization and
// role existence resolved against the directory.
func (e *Engine) ValidTags(ctx context.Context, r fhir.Resource) bool {
	return readaccess.IsValid(r,
		func(identifier fhir.Identifier) bool { return e.dir.OrganizationExists(ctx, identifier) },
		func(role fhir.Coding) bool { return e.dir.RoleExists(ctx, role) })
}

// FilterReadable keeps the resources identity may read. Used for search
// matches, _include entries and conditional-create probes.
func (e *Engine) FilterReadable(ctx context.Context, reader Reader, identity auth.Identity, resources []fhir.Resource) []fhir.Resource {
	var out []fhir.Resource
	for _, r := range resources {
		if _, ok := e.ReasonReadAllowed(ctx, reader, identity, r); ok {
			out = append(out, r)
		}
	}
	return out
}

// Bound adapts the engine plus one transaction to the resolver's read
// checker contract.
func (e *Engine) Bound(reader Reader) *BoundChecker {
	return &BoundChecker{engine: e, reader: reader}
}

type BoundChecker struct {
	engine *Engine
	reader Reader
}

func (b *BoundChecker) ReasonReadAllowed(ctx context.Context, identity auth.Identity, r fhir.Resource) (string, bool) {
	return b.engine.ReasonReadAllowed(ctx, b.reader, identity, r)
}

func (e *Engine) decide(identity auth.Identity, op, typ, reason string, ok bool) (string, bool) {
	if !ok {
		if reason == "" {
			reason = "denied by " + typ + " rule"
		}
		return e.deny(identity, op, typ, reason)
	}
	e.log.Debug().Str("identity", identity.Name()).Str("op", op).Str("type", typ).
		Str("reason", reason).Msg("permitted")
	return reason, true
}

func (e *Engine) deny(identity auth.Identity, op, typ, reason string) (string, bool) {
	e.log.Info().Str("identity", identity.Name()).Str("op", op).Str("type", typ).
		Str("reason", reason).Msg("denied")
	return "", false
}
