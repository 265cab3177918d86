package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datasharingframework/dsf-sub004/internal/platform/fhir"
)

// PG is the Postgres-backed Store. Every resource version is one JSONB row;
// the newest row per (type, id) is the head, a head with the deleted flag is
// a delete marker. Business-identifier uniqueness is enforced through the
// resource_identifiers table so concurrent writers fail with ErrDuplicate
// instead of silently racing.
type PG struct {
	pool *pgxpool.Pool

	// UniqueIdentifierTypes lists resource types whose business identifier
	// must be unique among non-deleted resources.
	UniqueIdentifierTypes map[string]bool

	// Clock is overridable in tests.
	Clock func() time.Time
}

// NewPG returns a Store backed by the given connection pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{
		pool: pool,
		UniqueIdentifierTypes: map[string]bool{
			"Organization": true,
			"Endpoint":     true,
			"NamingSystem": true,
		},
		Clock: time.Now,
	}
}

func (p *PG) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{store: p, tx: tx}, nil
}

type pgTx struct {
	store *PG
	tx    pgx.Tx
	done  bool
}

// head returns the newest version row for (typ, id). forUpdate locks the row
// so concurrent writers of the same resource serialize.
func (t *pgTx) head(ctx context.Context, typ, id string, forUpdate bool) (doc fhir.Resource, version int64, deleted bool, err error) {
	q := `SELECT version, deleted, content FROM resources
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version DESC LIMIT 1`
	if forUpdate {
		q += " FOR UPDATE"
	}

	var content []byte
	err = t.tx.QueryRow(ctx, q, typ, id).Scan(&version, &deleted, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, ErrNotFound
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("read head %s/%s: %w", typ, id, err)
	}

	doc, err = fhir.ParseResource(content)
	if err != nil {
		return nil, 0, false, fmt.Errorf("decode stored %s/%s: %w", typ, id, err)
	}
	return doc, version, deleted, nil
}

func (t *pgTx) Read(ctx context.Context, typ, id string) (fhir.Resource, error) {
	doc, _, deleted, err := t.head(ctx, typ, id, false)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, ErrDeleted
	}
	return doc, nil
}

func (t *pgTx) ReadVersion(ctx context.Context, typ, id string, version int64) (fhir.Resource, error) {
	var content []byte
	var deleted bool
	err := t.tx.QueryRow(ctx, `SELECT deleted, content FROM resources
		WHERE resource_type = $1 AND resource_id = $2 AND version = $3`,
		typ, id, version).Scan(&deleted, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read version %s/%s/%d: %w", typ, id, version, err)
	}
	if deleted {
		return nil, ErrDeleted
	}
	return fhir.ParseResource(content)
}

func (t *pgTx) ReadIncludingDeleted(ctx context.Context, typ, id string) (fhir.Resource, bool, error) {
	doc, _, deleted, err := t.head(ctx, typ, id, false)
	if err != nil {
		return nil, false, err
	}
	return doc, deleted, nil
}

func (t *pgTx) CreateWithID(ctx context.Context, r fhir.Resource, id string) (fhir.Resource, error) {
	typ := r.Type()
	_, headVersion, deleted, err := t.head(ctx, typ, id, true)
	switch {
	case errors.Is(err, ErrNotFound):
		headVersion = 0
	case err != nil:
		return nil, err
	case !deleted:
		return nil, ErrDuplicate
	}

	stored := r.Clone()
	stored.SetID(id)
	stored.SetVersion(headVersion+1, t.store.Clock())

	if err := t.replaceIdentifiers(ctx, stored); err != nil {
		return nil, err
	}
	if err := t.insertVersion(ctx, stored, false); err != nil {
		return nil, translateUnique(err, ErrDuplicate)
	}
	return stored, nil
}

func (t *pgTx) Update(ctx context.Context, r fhir.Resource, expectedVersion *int64) (fhir.Resource, error) {
	typ, id := r.Type(), r.ID()
	_, headVersion, deleted, err := t.head(ctx, typ, id, true)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, ErrDeleted
	}
	if expectedVersion != nil && *expectedVersion != headVersion {
		return nil, fmt.Errorf("expected version %d, stored version %d: %w",
			*expectedVersion, headVersion, ErrVersionConflict)
	}

	stored := r.Clone()
	stored.SetVersion(headVersion+1, t.store.Clock())

	if err := t.replaceIdentifiers(ctx, stored); err != nil {
		return nil, err
	}
	if err := t.insertVersion(ctx, stored, false); err != nil {
		return nil, translateUnique(err, ErrVersionConflict)
	}
	return stored, nil
}

func (t *pgTx) MarkDeleted(ctx context.Context, typ, id string) error {
	doc, headVersion, deleted, err := t.head(ctx, typ, id, true)
	if err != nil {
		return err
	}
	if deleted {
		return ErrDeleted
	}

	marker := doc.Clone()
	marker.SetVersion(headVersion+1, t.store.Clock())

	if err := t.dropIdentifiers(ctx, typ, id); err != nil {
		return err
	}
	if err := t.insertVersion(ctx, marker, true); err != nil {
		return translateUnique(err, ErrVersionConflict)
	}
	return nil
}

func (t *pgTx) DeletePermanently(ctx context.Context, typ, id string) error {
	_, _, deleted, err := t.head(ctx, typ, id, true)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotDeleted
	}

	if _, err := t.tx.Exec(ctx, `DELETE FROM resources
		WHERE resource_type = $1 AND resource_id = $2`, typ, id); err != nil {
		return fmt.Errorf("delete %s/%s permanently: %w", typ, id, err)
	}
	return nil
}

func (t *pgTx) History(ctx context.Context, typ, id string) ([]fhir.Resource, error) {
	rows, err := t.tx.Query(ctx, `SELECT content FROM resources
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version ASC`, typ, id)
	if err != nil {
		return nil, fmt.Errorf("read history %s/%s: %w", typ, id, err)
	}
	defer rows.Close()

	var out []fhir.Resource
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		doc, err := fhir.ParseResource(content)
		if err != nil {
			return nil, fmt.Errorf("decode history %s/%s: %w", typ, id, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *pgTx) TypeHistory(ctx context.Context, typ string) ([]fhir.Resource, error) {
	rows, err := t.tx.Query(ctx, `SELECT content FROM resources
		WHERE resource_type = $1
		ORDER BY resource_id ASC, version ASC`, typ)
	if err != nil {
		return nil, fmt.Errorf("read type history %s: %w", typ, err)
	}
	defer rows.Close()

	var out []fhir.Resource
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		doc, err := fhir.ParseResource(content)
		if err != nil {
			return nil, fmt.Errorf("decode type history %s: %w", typ, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type history: %w", err)
	}
	return out, nil
}

func (t *pgTx) Search(ctx context.Context, q Query) (Result, error) {
	where, args, ok := searchClauses(q)
	if !ok {
		// unsupported parameters never match, a conditional create with an
		// unknown criterion must not silently match everything
		return Result{}, nil
	}

	heads := `SELECT DISTINCT ON (resource_id) resource_id, deleted, content
		FROM resources WHERE resource_type = $1
		ORDER BY resource_id, version DESC`
	filter := "NOT deleted"
	if where != "" {
		filter += " AND " + where
	}

	var total int
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM (%s) heads WHERE %s`, heads, filter)
	if err := t.tx.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return Result{}, fmt.Errorf("count search matches: %w", err)
	}

	pageSQL := fmt.Sprintf(`SELECT content FROM (%s) heads WHERE %s ORDER BY resource_id`, heads, filter)
	pageArgs := args
	if q.Offset > 0 {
		pageSQL += fmt.Sprintf(" OFFSET $%d", len(pageArgs)+1)
		pageArgs = append(pageArgs, q.Offset)
	}
	if q.Count > 0 {
		pageSQL += fmt.Sprintf(" LIMIT $%d", len(pageArgs)+1)
		pageArgs = append(pageArgs, q.Count)
	}

	rows, err := t.tx.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return Result{}, fmt.Errorf("search %s: %w", q.Type, err)
	}
	defer rows.Close()

	var matches []fhir.Resource
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return Result{}, fmt.Errorf("scan search row: %w", err)
		}
		doc, err := fhir.ParseResource(content)
		if err != nil {
			return Result{}, fmt.Errorf("decode search match: %w", err)
		}
		matches = append(matches, doc)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate search matches: %w", err)
	}

	result := Result{Matches: matches, Total: total}
	result.Includes = resolveIncludes(ctx, t.Read, matches, q.Includes)
	return result, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return translateUnique(err, ErrDuplicate)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *pgTx) insertVersion(ctx context.Context, r fhir.Resource, deleted bool) error {
	content, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.Local(), err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO resources
		(resource_type, resource_id, version, deleted, last_updated, content)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.Type(), r.ID(), r.VersionID(), deleted, r.LastUpdated(), content)
	if err != nil {
		return fmt.Errorf("insert %s version %d: %w", r.Local(), r.VersionID(), err)
	}
	return nil
}

// replaceIdentifiers rewrites the resource_identifiers rows for r. The
// table's primary key turns a concurrent identifier collision into a unique
// violation, which surfaces as ErrDuplicate.
func (t *pgTx) replaceIdentifiers(ctx context.Context, r fhir.Resource) error {
	if !t.store.UniqueIdentifierTypes[r.Type()] {
		return nil
	}
	if err := t.dropIdentifiers(ctx, r.Type(), r.ID()); err != nil {
		return err
	}
	for _, id := range r.Identifiers() {
		_, err := t.tx.Exec(ctx, `INSERT INTO resource_identifiers
			(resource_type, system, value, resource_id)
			VALUES ($1, $2, $3, $4)`,
			r.Type(), id.System, id.Value, r.ID())
		if err != nil {
			return translateUnique(fmt.Errorf("claim identifier %s|%s: %w", id.System, id.Value, err), ErrDuplicate)
		}
	}
	return nil
}

func (t *pgTx) dropIdentifiers(ctx context.Context, typ, id string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM resource_identifiers
		WHERE resource_type = $1 AND resource_id = $2`, typ, id)
	if err != nil {
		return fmt.Errorf("release identifiers of %s/%s: %w", typ, id, err)
	}
	return nil
}

// searchClauses translates the supported parameter subset (_id, identifier,
// url, version, status) into SQL over the head rows. ok is false when the
// query carries a parameter the store does not understand.
func searchClauses(q Query) (where string, args []interface{}, ok bool) {
	args = []interface{}{q.Type}
	var clauses []string

	for name, values := range q.Params {
		if len(values) == 0 {
			continue
		}
		switch name {
		case "_id":
			clauses = append(clauses, fmt.Sprintf("resource_id = ANY($%d)", len(args)+1))
			args = append(args, values)
		case "identifier":
			var alts []string
			for _, v := range values {
				alts = append(alts, fmt.Sprintf("content -> 'identifier' @> $%d::jsonb", len(args)+1))
				args = append(args, identifierJSON(v))
			}
			clauses = append(clauses, "("+strings.Join(alts, " OR ")+")")
		case "url", "version", "status":
			clauses = append(clauses, fmt.Sprintf("content ->> '%s' = ANY($%d)", name, len(args)+1))
			args = append(args, values)
		default:
			return "", nil, false
		}
	}
	return strings.Join(clauses, " AND "), args, true
}

// identifierJSON renders a "system|value" or bare "value" token as the JSONB
// containment document matching one identifier entry.
func identifierJSON(token string) string {
	var id fhir.Identifier
	if system, value, ok := strings.Cut(token, "|"); ok {
		id = fhir.Identifier{System: system, Value: value}
	} else {
		id = fhir.Identifier{Value: token}
	}
	doc, _ := json.Marshal([]fhir.Identifier{id})
	return string(doc)
}

func translateUnique(err error, sentinel error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return sentinel
	}
	return err
}
