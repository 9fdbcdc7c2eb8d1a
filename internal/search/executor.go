package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// ParamDef is the subset of a SearchParameter the executor needs to route a
// query-string parameter onto its index table.
type ParamDef struct {
	Code string
	Type ParamType
}

// Param is one query-string parameter instance: possibly repeated (ANDed)
// across the request, each repetition possibly comma-separated (ORed).
type Param struct {
	Code     string
	Modifier Modifier
	Values   []string // one query-string repetition's comma-split values
}

// Query describes a resolved search request against one resource type.
type Query struct {
	ResourceType string
	Params       []Param
	Sort         []SortField
	Count        int
	Offset       int
	Total        bool // whether to compute the exact total with a COUNT query
}

type SortField struct {
	Code       string
	Descending bool
}

// Result is one page of matching resource identities plus enough metadata
// to build a searchset Bundle.
type Result struct {
	Identities []Identity
	Total      int // -1 when not computed
}

type Identity struct {
	ResourceType string
	ID           string
}

type Executor struct {
	pool *pgxpool.Pool
}

func NewExecutor(pool *pgxpool.Pool) *Executor {
	return &Executor{pool: pool}
}

func (e *Executor) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return e.pool
}

// Execute resolves q against defs (the active SearchParameter set for
// q.ResourceType, keyed by code) and returns the matching, sorted,
// paginated resource identities.
func (e *Executor) Execute(ctx context.Context, q Query, defs map[string]ParamDef) (Result, error) {
	var whereClauses []string
	var args []interface{}
	argIdx := 1

	for _, p := range q.Params {
		if strings.HasPrefix(p.Code, "_") {
			clause, nextIdx, err := e.specialClause(p, q.ResourceType, argIdx)
			if err != nil {
				return Result{}, err
			}
			if clause.SQL != "" {
				whereClauses = append(whereClauses, clause.SQL)
				args = append(args, clause.Args...)
			}
			argIdx = nextIdx
			continue
		}

		def, ok := defs[p.Code]
		if !ok {
			return Result{}, fmt.Errorf("search: unknown parameter %q for %s", p.Code, q.ResourceType)
		}
		if p.Modifier == ModifierMissing {
			clause, nextIdx := missingClause(def.Type, q.ResourceType, p.Code, p.Values, argIdx)
			whereClauses = append(whereClauses, clause.SQL)
			args = append(args, clause.Args...)
			argIdx = nextIdx
			continue
		}
		clause, nextIdx, err := BuildParamSubquery(def.Type, q.ResourceType, p.Code, p.Values, p.Modifier, argIdx)
		if err != nil {
			return Result{}, err
		}
		whereClauses = append(whereClauses, clause.SQL)
		args = append(args, clause.Args...)
		argIdx = nextIdx
	}

	base := `SELECT resource_type, id FROM resources WHERE resource_type = $` + fmt.Sprint(argIdx) + ` AND is_current AND NOT deleted`
	args = append(args, q.ResourceType)
	argIdx++

	for _, c := range whereClauses {
		base += " AND " + c
	}

	// Snapshot the WHERE-clause args (everything gathered so far) so
	// exactTotal can re-run the same filter without the ORDER BY/LIMIT
	// placeholders that get appended below.
	whereArgs := append([]interface{}(nil), args...)

	orderBy, orderArgs := e.buildOrderBy(q.Sort, q.ResourceType, &argIdx)
	args = append(args, orderArgs...)
	if orderBy != "" {
		base += " ORDER BY " + orderBy
	} else {
		base += " ORDER BY last_updated DESC, id"
	}

	count := q.Count
	if count <= 0 {
		count = 50
	}
	base += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, count+1, q.Offset) // one extra row is fetched and dropped below; Result does not report a next page

	rows, err := e.conn(ctx).Query(ctx, base, args...)
	if err != nil {
		return Result{}, fmt.Errorf("search: execute: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ResourceType, &id.ID); err != nil {
			return Result{}, err
		}
		identities = append(identities, id)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	result := Result{Total: -1}
	if len(identities) > count {
		identities = identities[:count]
	}
	result.Identities = identities

	if q.Total {
		total, err := e.exactTotal(ctx, whereClauses, whereArgs)
		if err != nil {
			return Result{}, err
		}
		result.Total = total
	}
	return result, nil
}

// exactTotal re-runs the same filter built in Execute (whereClauses,
// whereArgs already includes the resource_type placeholder's argument) as a
// COUNT(*), when Query.Total is set.
func (e *Executor) exactTotal(ctx context.Context, whereClauses []string, whereArgs []interface{}) (int, error) {
	argIdx := len(whereArgs)
	sql := `SELECT count(*) FROM resources WHERE resource_type = $` + fmt.Sprint(argIdx) + ` AND is_current AND NOT deleted`
	for _, c := range whereClauses {
		sql += " AND " + c
	}
	var total int
	if err := e.conn(ctx).QueryRow(ctx, sql, whereArgs...).Scan(&total); err != nil {
		return 0, fmt.Errorf("search: total count: %w", err)
	}
	return total, nil
}

// specialClause handles _id, _lastUpdated and _tag, the Resource-level
// parameters answerable directly from the resources table rather than a
// typed index table.
func (e *Executor) specialClause(p Param, resourceType string, argIdx int) (Clause, int, error) {
	switch p.Code {
	case "_id":
		placeholders := make([]string, len(p.Values))
		var args []interface{}
		for i, v := range p.Values {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, v)
			argIdx++
		}
		return Clause{SQL: fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ",")), Args: args}, argIdx, nil
	case "_lastUpdated":
		c, next, err := dateClauseOnColumn("last_updated", p.Values[0], argIdx)
		return c, next, err
	case "_tag":
		placeholders := make([]string, len(p.Values))
		var args []interface{}
		for i, v := range p.Values {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, v)
			argIdx++
		}
		return Clause{SQL: fmt.Sprintf("meta_tags && ARRAY[%s]::text[]", strings.Join(placeholders, ",")), Args: args}, argIdx, nil
	default:
		return Clause{}, argIdx, nil
	}
}

func dateClauseOnColumn(column, raw string, argIdx int) (Clause, int, error) {
	parsed := ParseValue(raw)
	t, prec, err := parseFlexDate(parsed.Value)
	if err != nil {
		return Clause{}, argIdx, fmt.Errorf("search: invalid date %q: %w", raw, err)
	}
	end := widenByPrecision(t, prec)
	op := prefixOp(parsed.Prefix)
	if parsed.Prefix == PrefixEq || parsed.Prefix == "" {
		return Clause{SQL: fmt.Sprintf("(%s >= $%d AND %s < $%d)", column, argIdx, column, argIdx+1), Args: []interface{}{t, end}}, argIdx + 2, nil
	}
	return Clause{SQL: fmt.Sprintf("%s %s $%d", column, op, argIdx), Args: []interface{}{t}}, argIdx + 1, nil
}

func missingClause(t ParamType, resourceType, code string, values []string, argIdx int) (Clause, int) {
	table := tableFor(t)
	want := len(values) > 0 && values[0] == "true"
	sub := fmt.Sprintf(`(resource_type, id) IN (SELECT resource_type, id FROM %s WHERE resource_type = $%d AND param_code = $%d)`, table, argIdx, argIdx+1)
	args := []interface{}{resourceType, code}
	argIdx += 2
	if want {
		return Clause{SQL: "NOT " + sub, Args: args}, argIdx
	}
	return Clause{SQL: sub, Args: args}, argIdx
}

// buildOrderBy turns _sort fields into an ORDER BY against the
// corresponding index table via a correlated subquery, since sort keys
// live in sp_*_idx rather than on resources itself for most parameters.
func (e *Executor) buildOrderBy(sort []SortField, resourceType string, argIdx *int) (string, []interface{}) {
	if len(sort) == 0 {
		return "", nil
	}
	var parts []string
	var args []interface{}
	for _, s := range sort {
		dir := "ASC"
		if s.Descending {
			dir = "DESC"
		}
		switch s.Code {
		case "_lastUpdated":
			parts = append(parts, "last_updated "+dir)
		case "_id":
			parts = append(parts, "id "+dir)
		default:
			// Correlated subquery picking the minimum value_norm from
			// sp_string_idx for this code, in either direction. Parameters of
			// other types have no sp_string_idx rows, so they sort as NULL
			// (last).
			sub := fmt.Sprintf(`(SELECT min(value_norm) FROM sp_string_idx WHERE sp_string_idx.resource_type = resources.resource_type AND sp_string_idx.id = resources.id AND param_code = $%d)`, *argIdx)
			args = append(args, s.Code)
			*argIdx++
			parts = append(parts, sub+" "+dir+" NULLS LAST")
		}
	}
	return strings.Join(parts, ", "), args
}
