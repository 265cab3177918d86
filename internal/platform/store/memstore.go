package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// Mem is an in-memory Store used in tests and ephemeral development servers.
// Transactions buffer writes and re-validate uniqueness and versions at
// commit, mirroring the constraint behavior of the Postgres store.
type Mem struct {
	mu   sync.Mutex
	data map[resKey][]version

	// UniqueIdentifierTypes lists resource types whose business identifier
	// must be unique among non-deleted resources.
	UniqueIdentifierTypes map[string]bool

	// Clock is overridable in tests.
	Clock func() time.Time
}

type resKey struct {
	typ string
	id  string
}

type version struct {
	doc     fhir.Resource
	deleted bool
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		data: map[resKey][]version{},
		UniqueIdentifierTypes: map[string]bool{
			"Organization": true,
			"Endpoint":     true,
			"NamingSystem": true,
		},
		Clock: time.Now,
	}
}

func (m *Mem) Begin(_ context.Context) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[resKey][]version, len(m.data))
	base := make(map[resKey]int64, len(m.data))
	for k, versions := range m.data {
		copied := make([]version, len(versions))
		for i, v := range versions {
			copied[i] = version{doc: v.doc.Clone(), deleted: v.deleted}
		}
		snapshot[k] = copied
		base[k] = int64(len(versions))
	}
	return &memTx{store: m, working: snapshot, baseVersions: base}, nil
}

type memOp struct {
	key       resKey
	entry     version
	permanent bool  // drop the whole history
	baseLen   int64 // version count observed when the op was buffered
	created   bool
}

type memTx struct {
	store        *Mem
	working      map[resKey][]version
	baseVersions map[resKey]int64
	ops          []memOp
	done         bool
}

func (t *memTx) current(key resKey) (version, bool) {
	versions := t.working[key]
	if len(versions) == 0 {
		return version{}, false
	}
	return versions[len(versions)-1], true
}

func (t *memTx) Read(_ context.Context, typ, id string) (fhir.Resource, error) {
	v, ok := t.current(resKey{typ, id})
	if !ok {
		return nil, ErrNotFound
	}
	if v.deleted {
		return nil, ErrDeleted
	}
	return v.doc.Clone(), nil
}

func (t *memTx) ReadVersion(_ context.Context, typ, id string, versionID int64) (fhir.Resource, error) {
	versions := t.working[resKey{typ, id}]
	if versionID < 1 || versionID > int64(len(versions)) {
		return nil, ErrNotFound
	}
	v := versions[versionID-1]
	if v.deleted {
		return nil, ErrDeleted
	}
	return v.doc.Clone(), nil
}

func (t *memTx) ReadIncludingDeleted(_ context.Context, typ, id string) (fhir.Resource, bool, error) {
	v, ok := t.current(resKey{typ, id})
	if !ok {
		return nil, false, ErrNotFound
	}
	return v.doc.Clone(), v.deleted, nil
}

func (t *memTx) CreateWithID(_ context.Context, r fhir.Resource, id string) (fhir.Resource, error) {
	key := resKey{r.Type(), id}
	if v, ok := t.current(key); ok && !v.deleted {
		return nil, ErrDuplicate
	}
	if err := t.checkUniqueIdentifier(r, id); err != nil {
		return nil, err
	}

	stored := r.Clone()
	stored.SetID(id)
	stored.SetVersion(int64(len(t.working[key]))+1, t.store.Clock())

	t.working[key] = append(t.working[key], version{doc: stored})
	t.ops = append(t.ops, memOp{key: key, entry: version{doc: stored}, baseLen: t.baseVersions[key], created: true})
	return stored.Clone(), nil
}

func (t *memTx) Update(_ context.Context, r fhir.Resource, expectedVersion *int64) (fhir.Resource, error) {
	key := resKey{r.Type(), r.ID()}
	cur, ok := t.current(key)
	if !ok {
		return nil, ErrNotFound
	}
	if cur.deleted {
		return nil, ErrDeleted
	}
	currentVersion := int64(len(t.working[key]))
	if expectedVersion != nil && *expectedVersion != currentVersion {
		return nil, fmt.Errorf("expected version %d, stored version %d: %w",
			*expectedVersion, currentVersion, ErrVersionConflict)
	}

	stored := r.Clone()
	stored.SetVersion(currentVersion+1, t.store.Clock())

	t.working[key] = append(t.working[key], version{doc: stored})
	t.ops = append(t.ops, memOp{key: key, entry: version{doc: stored}, baseLen: t.baseVersions[key]})
	return stored.Clone(), nil
}

func (t *memTx) MarkDeleted(_ context.Context, typ, id string) error {
	key := resKey{typ, id}
	cur, ok := t.current(key)
	if !ok {
		return ErrNotFound
	}
	if cur.deleted {
		return ErrDeleted
	}

	marker := cur.doc.Clone()
	marker.SetVersion(int64(len(t.working[key]))+1, t.store.Clock())

	t.working[key] = append(t.working[key], version{doc: marker, deleted: true})
	t.ops = append(t.ops, memOp{key: key, entry: version{doc: marker, deleted: true}, baseLen: t.baseVersions[key]})
	return nil
}

func (t *memTx) DeletePermanently(_ context.Context, typ, id string) error {
	key := resKey{typ, id}
	cur, ok := t.current(key)
	if !ok {
		return ErrNotFound
	}
	if !cur.deleted {
		return ErrNotDeleted
	}

	delete(t.working, key)
	t.ops = append(t.ops, memOp{key: key, permanent: true, baseLen: t.baseVersions[key]})
	return nil
}

func (t *memTx) History(_ context.Context, typ, id string) ([]fhir.Resource, error) {
	versions := t.working[resKey{typ, id}]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := make([]fhir.Resource, len(versions))
	for i, v := range versions {
		out[i] = v.doc.Clone()
	}
	return out, nil
}

func (t *memTx) TypeHistory(_ context.Context, typ string) ([]fhir.Resource, error) {
	var ids []string
	for key := range t.working {
		if key.typ == typ {
			ids = append(ids, key.id)
		}
	}
	sort.Strings(ids)

	var out []fhir.Resource
	for _, id := range ids {
		for _, v := range t.working[resKey{typ, id}] {
			out = append(out, v.doc.Clone())
		}
	}
	return out, nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-validate against the shared state: another transaction may have
	// committed since this one began.
	for _, op := range t.ops {
		stored := int64(len(s.data[op.key]))
		if op.created {
			if stored > op.baseLen {
				last := s.data[op.key][stored-1]
				if !last.deleted {
					return ErrDuplicate
				}
			}
			if err := s.checkUniqueIdentifierLocked(op.entry.doc, op.key.id); err != nil {
				return err
			}
		} else if stored != op.baseLen {
			return ErrVersionConflict
		}
	}

	for _, op := range t.ops {
		if op.permanent {
			delete(s.data, op.key)
			continue
		}
		s.data[op.key] = append(s.data[op.key], op.entry)
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.done = true
	return nil
}

func (t *memTx) checkUniqueIdentifier(r fhir.Resource, id string) error {
	if !t.store.UniqueIdentifierTypes[r.Type()] {
		return nil
	}
	want := r.Identifiers()
	for key, versions := range t.working {
		if key.typ != r.Type() || key.id == id || len(versions) == 0 {
			continue
		}
		last := versions[len(versions)-1]
		if last.deleted {
			continue
		}
		if identifiersOverlap(want, last.doc.Identifiers()) {
			return ErrDuplicate
		}
	}
	return nil
}

func (s *Mem) checkUniqueIdentifierLocked(r fhir.Resource, id string) error {
	if !s.UniqueIdentifierTypes[r.Type()] {
		return nil
	}
	want := r.Identifiers()
	for key, versions := range s.data {
		if key.typ != r.Type() || key.id == id || len(versions) == 0 {
			continue
		}
		last := versions[len(versions)-1]
		if last.deleted {
			continue
		}
		if identifiersOverlap(want, last.doc.Identifiers()) {
			return ErrDuplicate
		}
	}
	return nil
}

func identifiersOverlap(a, b []fhir.Identifier) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func (t *memTx) Search(_ context.Context, q Query) (Result, error) {
	var matches []fhir.Resource
	for key, versions := range t.working {
		if key.typ != q.Type || len(versions) == 0 {
			continue
		}
		last := versions[len(versions)-1]
		if last.deleted {
			continue
		}
		if matchesParams(last.doc, q.Params) {
			matches = append(matches, last.doc.Clone())
		}
	}
	sortByID(matches)

	total := len(matches)
	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[q.Offset:]
		}
	}
	if q.Count > 0 && len(matches) > q.Count {
		matches = matches[:q.Count]
	}

	result := Result{Matches: matches, Total: total}
	result.Includes = resolveIncludes(context.Background(), t.Read, matches, q.Includes)
	return result, nil
}

func sortByID(rs []fhir.Resource) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j-1].ID() > rs[j].ID(); j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}

// matchesParams implements the store's search parameter subset: _id,
// identifier (system|value or bare value), url, version and status.
func matchesParams(r fhir.Resource, params map[string][]string) bool {
	for name, values := range params {
		if len(values) == 0 {
			continue
		}
		switch name {
		case "_id":
			if !anyEquals(values, r.ID()) {
				return false
			}
		case "identifier":
			if !matchesIdentifier(r, values) {
				return false
			}
		case "url", "version", "status":
			s, _ := r[name].(string)
			if !anyEquals(values, s) {
				return false
			}
		default:
			// unsupported parameters never match, a conditional create
			// with an unknown criterion must not silently match everything
			return false
		}
	}
	return true
}

func anyEquals(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func matchesIdentifier(r fhir.Resource, values []string) bool {
	for _, v := range values {
		var want fhir.Identifier
		if system, value, ok := strings.Cut(v, "|"); ok {
			want = fhir.Identifier{System: system, Value: value}
		} else {
			want = fhir.Identifier{Value: v}
		}
		for _, id := range r.Identifiers() {
			if id.Value != want.Value {
				continue
			}
			if want.System == "" || id.System == want.System {
				return true
			}
		}
	}
	return false
}
