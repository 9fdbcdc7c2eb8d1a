package indexing

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/fhirpath"
)

// Service keeps the typed index tables synchronized with the current
// version of every resource. Three write strategies are auto-selected by
// call shape: Index for a single resource inside its own write transaction,
// IndexBatch for a prefetched group sharing one transaction (transaction
// bundles), and BulkReindex for a full-table rebuild that sends batched
// INSERTs through pgx.Batch (it does not use COPY or temp tables).
type Service struct {
	pool      *pgxpool.Pool
	params    *ParamCache
	extractor *Extractor
	resolver  fhirpath.Resolver
}

func NewService(pool *pgxpool.Pool, params *ParamCache, extractor *Extractor, resolver fhirpath.Resolver) *Service {
	return &Service{pool: pool, params: params, extractor: extractor, resolver: resolver}
}

// Index derives and upserts the index rows for one resource version,
// replacing whatever rows the previous current version of this resource
// left behind. It takes a transaction-scoped Postgres advisory lock keyed on the resource
// identity so concurrent writers to the same resource serialize their index
// maintenance the same way the resources table's unique-current index
// serializes the body write.
func (s *Service) Index(ctx context.Context, resourceType, id string, version int, body map[string]interface{}) error {
	params, err := s.resolve(ctx, resourceType)
	if err != nil {
		return err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("indexing: acquire conn: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("indexing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lockKey := identityLockKey(resourceType, id)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("indexing: advisory lock: %w", err)
	}

	if err := s.deleteStale(ctx, tx, resourceType, id, version); err != nil {
		return err
	}
	if err := s.writeOne(ctx, tx, resourceType, id, version, body, params); err != nil {
		return err
	}
	if err := s.recomputeMembership(ctx, tx, resourceType, id, body); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// resolve pre-warms the SearchParameter cache for resourceType before the
// write transaction opens, so a cold cache load never happens while holding
// the advisory lock or the resources-table write lock.
func (s *Service) resolve(ctx context.Context, resourceType string) ([]SearchParameter, error) {
	return s.params.ForType(ctx, resourceType)
}

// IndexBatch indexes a prefetched group of resources — e.g. every entry of
// a transaction bundle — inside the caller's transaction, so the index
// update commits atomically with the bodies it describes. Parameter sets
// are resolved once per distinct resource type up front (batch-prefetch),
// then every resource writes its own delete+insert against the shared tx;
// no advisory lock is needed because the caller's own write-lock on each
// resources row already serializes concurrent writers to the same
// identity.
func (s *Service) IndexBatch(ctx context.Context, tx pgx.Tx, entries []BatchEntry) error {
	paramsByType := make(map[string][]SearchParameter)
	for _, e := range entries {
		if _, ok := paramsByType[e.ResourceType]; ok {
			continue
		}
		params, err := s.resolve(ctx, e.ResourceType)
		if err != nil {
			return err
		}
		paramsByType[e.ResourceType] = params
	}

	for _, e := range entries {
		if err := s.deleteStale(ctx, tx, e.ResourceType, e.ID, e.Version); err != nil {
			return err
		}
		if err := s.writeOne(ctx, tx, e.ResourceType, e.ID, e.Version, e.Body, paramsByType[e.ResourceType]); err != nil {
			return err
		}
		if err := s.recomputeMembership(ctx, tx, e.ResourceType, e.ID, e.Body); err != nil {
			return err
		}
	}
	return nil
}

// BatchEntry is one resource to index as part of a shared-transaction batch.
type BatchEntry struct {
	ResourceType string
	ID           string
	Version      int
	Body         map[string]interface{}
}

// BulkReindex rebuilds every index table for resourceType from scratch,
// used after a SearchParameter definition changes in a way that affects
// already-indexed resources. Extracted rows are batched with pgx.Batch so
// the rebuild pays one network round trip per batch instead of one per row;
// entry_hash's ON CONFLICT DO NOTHING still absorbs the case where one
// resource yields the same displayable value twice for one parameter.
func (s *Service) BulkReindex(ctx context.Context, resourceType string, fetch func(ctx context.Context) (<-chan BatchEntry, error)) error {
	params, err := s.resolve(ctx, resourceType)
	if err != nil {
		return err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("indexing: acquire conn: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("indexing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := deleteAllTables(ctx, tx, resourceType); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sp_string_idx WHERE resource_type = $1`, resourceType); err != nil {
		return fmt.Errorf("indexing: clear sp_string_idx: %w", err)
	}

	ch, err := fetch(ctx)
	if err != nil {
		return err
	}

	const batchSize = 500
	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("indexing: bulk insert: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("indexing: bulk insert close: %w", err)
		}
		batch = &pgx.Batch{}
		return nil
	}

	for entry := range ch {
		for _, p := range params {
			rows, err := s.extractor.Extract(p, entry.Body, s.resolver)
			if err != nil {
				return fmt.Errorf("indexing: bulk extract %s/%s.%s: %w", entry.ResourceType, entry.ID, p.Code, err)
			}
			queueRows(batch, entry.ResourceType, entry.ID, entry.Version, p.Code, rows)
		}
		if batch.Len() >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func deleteAllTables(ctx context.Context, tx pgx.Tx, resourceType string) error {
	tables := []string{
		"sp_token_idx", "sp_token_type_idx", "sp_date_idx", "sp_number_idx",
		"sp_quantity_idx", "sp_reference_idx", "sp_uri_idx", "sp_text_idx",
		"sp_composite_idx",
	}
	for _, t := range tables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+t+` WHERE resource_type = $1`, resourceType); err != nil {
			return fmt.Errorf("indexing: clear %s: %w", t, err)
		}
	}
	return nil
}

// RemoveResourceIndex drops every index row for one resource identity,
// used on hard-delete.
func (s *Service) RemoveResourceIndex(ctx context.Context, tx pgx.Tx, resourceType, id string) error {
	tables := []string{
		"sp_string_idx", "sp_token_idx", "sp_token_type_idx", "sp_date_idx",
		"sp_number_idx", "sp_quantity_idx", "sp_reference_idx", "sp_uri_idx",
		"sp_text_idx", "sp_composite_idx",
	}
	for _, t := range tables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+t+` WHERE resource_type = $1 AND id = $2`, resourceType, id); err != nil {
			return fmt.Errorf("indexing: remove %s: %w", t, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sp_membership WHERE collection_type = $1 AND collection_id = $2`, resourceType, id); err != nil {
		return fmt.Errorf("indexing: remove membership: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sp_membership WHERE member_type = $1 AND member_id = $2`, resourceType, id); err != nil {
		return fmt.Errorf("indexing: remove membership reference: %w", err)
	}
	return nil
}

func (s *Service) deleteStale(ctx context.Context, tx pgx.Tx, resourceType, id string, version int) error {
	tables := []string{
		"sp_string_idx", "sp_token_idx", "sp_token_type_idx", "sp_date_idx",
		"sp_number_idx", "sp_quantity_idx", "sp_reference_idx", "sp_uri_idx",
		"sp_text_idx", "sp_composite_idx",
	}
	for _, t := range tables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+t+` WHERE resource_type = $1 AND id = $2 AND version <> $3`, resourceType, id, version); err != nil {
			return fmt.Errorf("indexing: delete stale %s: %w", t, err)
		}
	}
	return nil
}

func (s *Service) writeOne(ctx context.Context, tx pgx.Tx, resourceType, id string, version int, body map[string]interface{}, params []SearchParameter) error {
	for _, p := range params {
		rows, err := s.extractor.Extract(p, body, s.resolver)
		if err != nil {
			return fmt.Errorf("indexing: extract %s.%s: %w", resourceType, p.Code, err)
		}
		if err := persistRows(ctx, tx, resourceType, id, version, p.Code, rows); err != nil {
			return err
		}
	}
	return nil
}

// recomputeMembership rebuilds the flattened member list for Group/List/
// CareTeam resources, the only types whose .member/.entry collections are
// queried directly (via _has and compartment-style "member of" lookups)
// rather than through a typed search parameter.
func (s *Service) recomputeMembership(ctx context.Context, tx pgx.Tx, resourceType, id string, body map[string]interface{}) error {
	if resourceType != "Group" && resourceType != "List" && resourceType != "CareTeam" {
		return nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sp_membership WHERE collection_type = $1 AND collection_id = $2`, resourceType, id); err != nil {
		return err
	}
	members := collectMembers(resourceType, body)
	for _, m := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_membership (collection_type, collection_id, member_type, member_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, resourceType, id, m.targetType, m.targetID); err != nil {
			return fmt.Errorf("indexing: insert membership: %w", err)
		}
	}
	return nil
}

type memberRef struct{ targetType, targetID string }

func collectMembers(resourceType string, body map[string]interface{}) []memberRef {
	var refKey string
	switch resourceType {
	case "Group":
		refKey = "member"
	case "List":
		refKey = "entry"
	case "CareTeam":
		refKey = "participant"
	}
	items, _ := body[refKey].([]interface{})
	var out []memberRef
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		entity, ok := m["entity"].(map[string]interface{})
		if !ok {
			entity, ok = m["item"].(map[string]interface{})
		}
		if !ok {
			entity, ok = m["member"].(map[string]interface{})
		}
		if !ok {
			continue
		}
		ref, _ := entity["reference"].(string)
		t, id := parseRelativeReference(ref)
		if t != "" && id != "" {
			out = append(out, memberRef{t, id})
		}
	}
	return out
}

func identityLockKey(resourceType, id string) int64 {
	h := fnv.New64a()
	h.Write([]byte(resourceType))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return int64(h.Sum64())
}

// queueRows appends one pgx.Batch item per extracted row, using ON CONFLICT
// DO NOTHING since BulkReindex owns the whole resource type's table
// contents for the duration of its transaction and never needs to refresh
// a row already queued in the same run.
func queueRows(batch *pgx.Batch, resourceType, id string, version int, code string, rows ExtractedRows) {
	for _, r := range rows.Strings {
		hash := entryHash(resourceType, id, code, r.Value)
		batch.Queue(`INSERT INTO sp_string_idx (resource_type, id, version, param_code, value, value_norm, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, r.Value, r.ValueNorm, hash)
	}
	for _, r := range rows.Tokens {
		hash := entryHash(resourceType, id, code, r.System, r.Code)
		batch.Queue(`INSERT INTO sp_token_idx (resource_type, id, version, param_code, system, code, code_ci, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, nullIfEmpty(r.System), nullIfEmpty(r.Code), nullIfEmpty(r.CodeCI), hash)
	}
	for _, r := range rows.TokenTypes {
		hash := entryHash(resourceType, id, code, r.TypeSystem, r.TypeCode, r.Value)
		batch.Queue(`INSERT INTO sp_token_type_idx (resource_type, id, version, param_code, type_system, type_code, value, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, nullIfEmpty(r.TypeSystem), nullIfEmpty(r.TypeCode), nullIfEmpty(r.Value), hash)
	}
	for _, r := range rows.Dates {
		hash := entryHash(resourceType, id, code, r.Start, r.End)
		batch.Queue(`INSERT INTO sp_date_idx (resource_type, id, version, param_code, period_start, period_end, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, r.Start, r.End, hash)
	}
	for _, r := range rows.Numbers {
		hash := entryHash(resourceType, id, code, r.Value)
		batch.Queue(`INSERT INTO sp_number_idx (resource_type, id, version, param_code, value, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, r.Value, hash)
	}
	for _, r := range rows.Quantities {
		hash := entryHash(resourceType, id, code, r.Value, r.System, r.Code)
		batch.Queue(`INSERT INTO sp_quantity_idx (resource_type, id, version, param_code, value, system, code, unit, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, r.Value, nullIfEmpty(r.System), nullIfEmpty(r.Code), nullIfEmpty(r.Unit), hash)
	}
	for _, r := range rows.References {
		hash := entryHash(resourceType, id, code, r.Kind, r.TargetType, r.TargetID, fmtInt(r.TargetVersion), r.CanonicalURL, r.CanonicalVersion)
		batch.Queue(`INSERT INTO sp_reference_idx (resource_type, id, version, param_code, kind, target_type, target_id, target_version, canonical_url, canonical_version, display, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, r.Kind, nullIfEmpty(r.TargetType), nullIfEmpty(r.TargetID), r.TargetVersion,
			nullIfEmpty(r.CanonicalURL), nullIfEmpty(r.CanonicalVersion), nullIfEmpty(r.Display), hash)
	}
	for _, r := range rows.URIs {
		hash := entryHash(resourceType, id, code, r.Value)
		batch.Queue(`INSERT INTO sp_uri_idx (resource_type, id, version, param_code, value, value_norm, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, r.Value, r.ValueNorm, hash)
	}
	for _, r := range rows.Texts {
		hash := entryHash(resourceType, id, code, r.Content)
		batch.Queue(`INSERT INTO sp_text_idx (resource_type, id, version, param_code, content, content_tsv, entry_hash)
			VALUES ($1,$2,$3,$4,$5, to_tsvector('english', $5), $6) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, r.Content, hash)
	}
	for _, r := range rows.Composites {
		blob, err := json.Marshal(r.Components)
		if err != nil {
			continue
		}
		hash := entryHash(resourceType, id, code, string(blob))
		batch.Queue(`INSERT INTO sp_composite_idx (resource_type, id, version, param_code, components, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO NOTHING`,
			resourceType, id, version, code, blob, hash)
	}
}

func persistRows(ctx context.Context, tx pgx.Tx, resourceType, id string, version int, code string, rows ExtractedRows) error {
	for _, r := range rows.Strings {
		hash := entryHash(resourceType, id, code, r.Value)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_string_idx (resource_type, id, version, param_code, value, value_norm, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET value = EXCLUDED.value`,
			resourceType, id, version, code, r.Value, r.ValueNorm, hash); err != nil {
			return fmt.Errorf("indexing: insert string: %w", err)
		}
	}
	for _, r := range rows.Tokens {
		hash := entryHash(resourceType, id, code, r.System, r.Code)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_token_idx (resource_type, id, version, param_code, system, code, code_ci, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET code = EXCLUDED.code`,
			resourceType, id, version, code, nullIfEmpty(r.System), nullIfEmpty(r.Code), nullIfEmpty(r.CodeCI), hash); err != nil {
			return fmt.Errorf("indexing: insert token: %w", err)
		}
	}
	for _, r := range rows.TokenTypes {
		hash := entryHash(resourceType, id, code, r.TypeSystem, r.TypeCode, r.Value)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_token_type_idx (resource_type, id, version, param_code, type_system, type_code, value, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET value = EXCLUDED.value`,
			resourceType, id, version, code, nullIfEmpty(r.TypeSystem), nullIfEmpty(r.TypeCode), nullIfEmpty(r.Value), hash); err != nil {
			return fmt.Errorf("indexing: insert token type: %w", err)
		}
	}
	for _, r := range rows.Dates {
		hash := entryHash(resourceType, id, code, r.Start, r.End)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_date_idx (resource_type, id, version, param_code, period_start, period_end, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET period_start = EXCLUDED.period_start`,
			resourceType, id, version, code, r.Start, r.End, hash); err != nil {
			return fmt.Errorf("indexing: insert date: %w", err)
		}
	}
	for _, r := range rows.Numbers {
		hash := entryHash(resourceType, id, code, r.Value)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_number_idx (resource_type, id, version, param_code, value, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET value = EXCLUDED.value`,
			resourceType, id, version, code, r.Value, hash); err != nil {
			return fmt.Errorf("indexing: insert number: %w", err)
		}
	}
	for _, r := range rows.Quantities {
		hash := entryHash(resourceType, id, code, r.Value, r.System, r.Code)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_quantity_idx (resource_type, id, version, param_code, value, system, code, unit, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET value = EXCLUDED.value`,
			resourceType, id, version, code, r.Value, nullIfEmpty(r.System), nullIfEmpty(r.Code), nullIfEmpty(r.Unit), hash); err != nil {
			return fmt.Errorf("indexing: insert quantity: %w", err)
		}
	}
	for _, r := range rows.References {
		hash := entryHash(resourceType, id, code, r.Kind, r.TargetType, r.TargetID, fmtInt(r.TargetVersion), r.CanonicalURL, r.CanonicalVersion)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_reference_idx (resource_type, id, version, param_code, kind, target_type, target_id, target_version, canonical_url, canonical_version, display, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET display = EXCLUDED.display`,
			resourceType, id, version, code, r.Kind, nullIfEmpty(r.TargetType), nullIfEmpty(r.TargetID), r.TargetVersion,
			nullIfEmpty(r.CanonicalURL), nullIfEmpty(r.CanonicalVersion), nullIfEmpty(r.Display), hash); err != nil {
			return fmt.Errorf("indexing: insert reference: %w", err)
		}
	}
	for _, r := range rows.URIs {
		hash := entryHash(resourceType, id, code, r.Value)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_uri_idx (resource_type, id, version, param_code, value, value_norm, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET value = EXCLUDED.value`,
			resourceType, id, version, code, r.Value, r.ValueNorm, hash); err != nil {
			return fmt.Errorf("indexing: insert uri: %w", err)
		}
	}
	for _, r := range rows.Texts {
		hash := entryHash(resourceType, id, code, r.Content)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_text_idx (resource_type, id, version, param_code, content, content_tsv, entry_hash)
			VALUES ($1,$2,$3,$4,$5, to_tsvector('english', $5), $6)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET content = EXCLUDED.content, content_tsv = to_tsvector('english', EXCLUDED.content)`,
			resourceType, id, version, code, r.Content, hash); err != nil {
			return fmt.Errorf("indexing: insert text: %w", err)
		}
	}
	for _, r := range rows.Composites {
		blob, err := json.Marshal(r.Components)
		if err != nil {
			return fmt.Errorf("indexing: marshal composite: %w", err)
		}
		hash := entryHash(resourceType, id, code, string(blob))
		if _, err := tx.Exec(ctx, `
			INSERT INTO sp_composite_idx (resource_type, id, version, param_code, components, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (resource_type, id, version, param_code, entry_hash) DO UPDATE SET components = EXCLUDED.components`,
			resourceType, id, version, code, blob, hash); err != nil {
			return fmt.Errorf("indexing: insert composite: %w", err)
		}
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
