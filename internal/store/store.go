// Package store implements the Resource Store: versioned read/write access
// to FHIR resource bodies backed by the resources/resource_versions tables.
// It owns resource bodies and version counters; the indexer and search
// engine are downstream, derived consumers.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/fhirmodel"
	"github.com/ehr/ehr/internal/platform/db"
)

// queryable is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, letting
// every method below run against whichever is active on ctx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Resource is a single version row as read back from the store.
type Resource struct {
	ResourceType string
	ID           string
	Version      int
	IsCurrent    bool
	Deleted      bool
	LastUpdated  time.Time
	Body         map[string]interface{}
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const resourceCols = `resource_type, id, version, is_current, deleted, last_updated, body`

func scanResource(row pgx.Row) (*Resource, error) {
	var r Resource
	var raw []byte
	if err := row.Scan(&r.ResourceType, &r.ID, &r.Version, &r.IsCurrent, &r.Deleted, &r.LastUpdated, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &r.Body); err != nil {
		return nil, fhirerr.Internal("decode stored resource body: " + err.Error())
	}
	return &r, nil
}

// extractURL pulls a canonical `url` field from conformance-style resources
// (SearchParameter, StructureDefinition, ...) for the url index; ordinary
// clinical resources simply have none.
func extractURL(body map[string]interface{}) interface{} {
	if u, ok := body["url"].(string); ok && u != "" {
		return u
	}
	return nil
}

func extractMetaSourceAndTags(body map[string]interface{}) (interface{}, []byte) {
	meta, _ := body["meta"].(map[string]interface{})
	if meta == nil {
		return nil, nil
	}
	var source interface{}
	if s, ok := meta["source"].(string); ok && s != "" {
		source = s
	}
	var tagsJSON []byte
	if tags, ok := meta["tag"]; ok {
		if b, err := json.Marshal(tags); err == nil {
			tagsJSON = b
		}
	}
	return source, tagsJSON
}

// bumpVersion atomically advances the per-identity counter and returns the
// new version number; concurrent writers to the same resource never observe
// a torn or repeated version.
func (s *Store) bumpVersion(ctx context.Context, resourceType, id string) (int, error) {
	const q = `
		INSERT INTO resource_versions (resource_type, id, next_version)
		VALUES ($1, $2, 1)
		ON CONFLICT (resource_type, id)
		DO UPDATE SET next_version = resource_versions.next_version + 1
		RETURNING next_version`
	var v int
	if err := s.conn(ctx).QueryRow(ctx, q, resourceType, id).Scan(&v); err != nil {
		return 0, fhirerr.Database(err)
	}
	return v, nil
}

// currentVersion returns the current row's version and deleted flag, or
// (0, false, false) if no row exists at all.
func (s *Store) currentVersion(ctx context.Context, resourceType, id string) (version int, deleted bool, exists bool, err error) {
	const q = `SELECT version, deleted FROM resources WHERE resource_type=$1 AND id=$2 AND is_current`
	row := s.conn(ctx).QueryRow(ctx, q, resourceType, id)
	if scanErr := row.Scan(&version, &deleted); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return 0, false, false, nil
		}
		return 0, false, false, fhirerr.Database(scanErr)
	}
	return version, deleted, true, nil
}

func (s *Store) insertCurrent(ctx context.Context, resourceType, id string, version int, deleted bool, lastUpdated time.Time, body map[string]interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fhirerr.InvalidResource("encode resource body: " + err.Error())
	}
	url := extractURL(body)
	source, tags := extractMetaSourceAndTags(body)

	const clearCurrent = `UPDATE resources SET is_current=false WHERE resource_type=$1 AND id=$2 AND is_current`
	if _, err := s.conn(ctx).Exec(ctx, clearCurrent, resourceType, id); err != nil {
		return fhirerr.Database(err)
	}

	const ins = `
		INSERT INTO resources (resource_type, id, version, is_current, deleted, last_updated, body, url, meta_source, meta_tags)
		VALUES ($1, $2, $3, true, $4, $5, $6, $7, $8, $9)`
	if _, err := s.conn(ctx).Exec(ctx, ins, resourceType, id, version, deleted, lastUpdated, raw, url, source, tags); err != nil {
		return fhirerr.Database(err)
	}
	return nil
}

// Create inserts the first version of a resource. body must already carry
// an id; a missing id fails with invalid_resource.
func (s *Store) Create(ctx context.Context, resourceType string, body map[string]interface{}) (*Resource, error) {
	env := fhirmodel.ExtractEnvelope(body)
	if env.ID == "" {
		return nil, fhirerr.InvalidResource("resource body is missing id")
	}
	now := time.Now().UTC()
	version, err := s.bumpVersion(ctx, resourceType, env.ID)
	if err != nil {
		return nil, err
	}
	fhirmodel.StampMeta(body, version, now)
	if err := s.insertCurrent(ctx, resourceType, env.ID, version, false, now, body); err != nil {
		return nil, err
	}
	return &Resource{ResourceType: resourceType, ID: env.ID, Version: version, IsCurrent: true, LastUpdated: now, Body: body}, nil
}

// Upsert bumps the version and writes body as the new current row
// regardless of whether a prior version exists (client-supplied id path).
func (s *Store) Upsert(ctx context.Context, resourceType, id string, body map[string]interface{}) (*Resource, error) {
	return s.update(ctx, resourceType, id, body, nil)
}

// Update writes body as a new current version. If expectedVersion is
// non-nil, the current version must match or VersionConflict is returned.
func (s *Store) Update(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion *int) (*Resource, error) {
	return s.update(ctx, resourceType, id, body, expectedVersion)
}

func (s *Store) update(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion *int) (*Resource, error) {
	if expectedVersion != nil {
		actual, _, exists, err := s.currentVersion(ctx, resourceType, id)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fhirerr.ResourceNotFound(resourceType, id)
		}
		if actual != *expectedVersion {
			return nil, fhirerr.VersionConflict(*expectedVersion, actual)
		}
	}
	now := time.Now().UTC()
	version, err := s.bumpVersion(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	fhirmodel.StampMeta(body, version, now)
	if err := s.insertCurrent(ctx, resourceType, id, version, false, now, body); err != nil {
		return nil, err
	}
	return &Resource{ResourceType: resourceType, ID: id, Version: version, IsCurrent: true, LastUpdated: now, Body: body}, nil
}

// Delete writes a tombstone version, idempotently: deleting an already
// soft-deleted resource returns its existing version without a write.
func (s *Store) Delete(ctx context.Context, resourceType, id string) (version int, alreadyDeleted bool, err error) {
	cur, deleted, exists, err := s.currentVersion(ctx, resourceType, id)
	if err != nil {
		return 0, false, err
	}
	if !exists {
		return 0, false, fhirerr.ResourceNotFound(resourceType, id)
	}
	if deleted {
		return cur, true, nil
	}
	now := time.Now().UTC()
	v, err := s.bumpVersion(ctx, resourceType, id)
	if err != nil {
		return 0, false, err
	}
	tomb := fhirmodel.Tombstone(resourceType, id)
	fhirmodel.StampMeta(tomb, v, now)
	if err := s.insertCurrent(ctx, resourceType, id, v, true, now, tomb); err != nil {
		return 0, false, err
	}
	return v, false, nil
}

// HardDelete removes every version row and the version counter itself,
// irreversibly forgetting the identity.
func (s *Store) HardDelete(ctx context.Context, resourceType, id string) error {
	if _, err := s.conn(ctx).Exec(ctx, `DELETE FROM resources WHERE resource_type=$1 AND id=$2`, resourceType, id); err != nil {
		return fhirerr.Database(err)
	}
	if _, err := s.conn(ctx).Exec(ctx, `DELETE FROM resource_versions WHERE resource_type=$1 AND id=$2`, resourceType, id); err != nil {
		return fhirerr.Database(err)
	}
	return nil
}

// Read returns the current version, or ResourceNotFound/ResourceDeleted.
func (s *Store) Read(ctx context.Context, resourceType, id string) (*Resource, error) {
	const q = `SELECT ` + resourceCols + ` FROM resources WHERE resource_type=$1 AND id=$2 AND is_current`
	row := s.conn(ctx).QueryRow(ctx, q, resourceType, id)
	r, err := scanResource(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fhirerr.ResourceNotFound(resourceType, id)
		}
		return nil, err
	}
	if r.Deleted {
		return nil, fhirerr.ResourceDeleted(resourceType, id, r.Version)
	}
	return r, nil
}

// VRead returns a specific historical version, regardless of deleted/current.
func (s *Store) VRead(ctx context.Context, resourceType, id string, version int) (*Resource, error) {
	const q = `SELECT ` + resourceCols + ` FROM resources WHERE resource_type=$1 AND id=$2 AND version=$3`
	row := s.conn(ctx).QueryRow(ctx, q, resourceType, id, version)
	r, err := scanResource(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fhirerr.VersionNotFound(resourceType, id, version)
		}
		return nil, err
	}
	return r, nil
}

// HistoryOptions controls pagination and time-bounding for the History*
// family.
type HistoryOptions struct {
	Count int
	Since *time.Time
	At    *time.Time
	Asc   bool
}

// History returns versions of one identity, newest-first by default,
// deterministically ordered by (last_updated, version).
func (s *Store) History(ctx context.Context, resourceType, id string, opts HistoryOptions) ([]*Resource, error) {
	return s.history(ctx, "resource_type=$1 AND id=$2", []interface{}{resourceType, id}, opts)
}

// HistoryType returns versions across every identity of one resource type.
func (s *Store) HistoryType(ctx context.Context, resourceType string, opts HistoryOptions) ([]*Resource, error) {
	return s.history(ctx, "resource_type=$1", []interface{}{resourceType}, opts)
}

// HistorySystem returns versions across every resource type.
func (s *Store) HistorySystem(ctx context.Context, opts HistoryOptions) ([]*Resource, error) {
	return s.history(ctx, "TRUE", nil, opts)
}

func (s *Store) history(ctx context.Context, where string, args []interface{}, opts HistoryOptions) ([]*Resource, error) {
	idx := len(args) + 1

	if opts.At != nil {
		// "what was current at t": largest version whose last_updated <= t,
		// per identity. Expressed as a correlated max-version-at-or-before.
		where += " AND last_updated <= $" + strconv.Itoa(idx) +
			" AND version = (SELECT max(v.version) FROM resources v WHERE v.resource_type = resources.resource_type" +
			" AND v.id = resources.id AND v.last_updated <= $" + strconv.Itoa(idx) + ")"
		args = append(args, *opts.At)
		idx++
	} else if opts.Since != nil {
		where += " AND last_updated >= $" + strconv.Itoa(idx)
		args = append(args, *opts.Since)
		idx++
	}

	order := "last_updated DESC, version DESC"
	if opts.Asc {
		order = "last_updated ASC, version ASC"
	}

	limit := opts.Count
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT ` + resourceCols + ` FROM resources WHERE ` + where + ` ORDER BY ` + order + ` LIMIT $` + strconv.Itoa(idx)
	args = append(args, limit)

	rows, err := s.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fhirerr.Database(err)
	}
	return out, nil
}

// CheckResourcesExist reports which of the given (type, id) identities have
// a current, non-deleted resource — used for referential-integrity checks.
func (s *Store) CheckResourcesExist(ctx context.Context, refs [][2]string) (map[[2]string]bool, error) {
	result := make(map[[2]string]bool, len(refs))
	if len(refs) == 0 {
		return result, nil
	}
	types := make([]string, len(refs))
	ids := make([]string, len(refs))
	for i, r := range refs {
		types[i], ids[i] = r[0], r[1]
	}
	const q = `
		SELECT resource_type, id FROM resources
		WHERE is_current AND NOT deleted
		AND (resource_type, id) IN (SELECT * FROM unnest($1::text[], $2::text[]))`
	rows, err := s.conn(ctx).Query(ctx, q, types, ids)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer rows.Close()
	for rows.Next() {
		var t, id string
		if err := rows.Scan(&t, &id); err != nil {
			return nil, fhirerr.Database(err)
		}
		result[[2]string{t, id}] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fhirerr.Database(err)
	}
	return result, nil
}

// Identity names a resource by (type, id) without its body.
type Identity struct {
	ResourceType string
	ID           string
}

// FindReferencingResources looks up resources that hold a reference to
// (targetType, targetID), bounded by limit, used to enforce strict
// referential integrity on delete. It reads the reference index rows the
// indexing service maintains (sp_reference_idx) rather than scanning
// bodies — store and indexing share the schema even though indexing owns
// the row lifetimes.
func (s *Store) FindReferencingResources(ctx context.Context, targetType, targetID string, limit int) ([]Identity, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT DISTINCT i.resource_type, i.id
		FROM sp_reference_idx r
		JOIN resources i ON i.resource_type = r.resource_type AND i.id = r.id AND i.is_current
		WHERE r.target_type = $1 AND r.target_id = $2
		LIMIT $3`
	rows, err := s.conn(ctx).Query(ctx, q, targetType, targetID, limit)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer rows.Close()
	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ResourceType, &id.ID); err != nil {
			return nil, fhirerr.Database(err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fhirerr.Database(err)
	}
	return out, nil
}
