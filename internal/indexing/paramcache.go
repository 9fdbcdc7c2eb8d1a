package indexing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/platform/db"
)

// queryable is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// ParamCache holds the active SearchParameter set, keyed by resource type,
// with DomainResource/Resource-scoped parameters folded into every concrete
// type's list (shadowed by a same-code type-specific parameter when both
// exist). Invalidate drops it wholesale — the conformance surface changes
// rarely enough that a full reload is cheap relative to the
// per-resource-write traffic that consults it. Writes of SearchParameter
// resources do not call Invalidate.
type ParamCache struct {
	pool *pgxpool.Pool

	mu      sync.RWMutex
	byType  map[string][]SearchParameter
	version int64
}

func NewParamCache(pool *pgxpool.Pool) *ParamCache {
	return &ParamCache{pool: pool}
}

func (c *ParamCache) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return c.pool
}

// Invalidate marks the cache dry; the next ForType call reloads from the
// search_parameters table. Call after any write to search_parameters or
// search_parameter_components.
func (c *ParamCache) Invalidate() {
	atomic.AddInt64(&c.version, 1)
	c.mu.Lock()
	c.byType = nil
	c.mu.Unlock()
}

// ForType returns the SearchParameters applicable to resourceType, including
// DomainResource/Resource-scoped parameters (e.g. _id, _lastUpdated, _tag)
// that are not shadowed by a type-specific parameter of the same code.
func (c *ParamCache) ForType(ctx context.Context, resourceType string) ([]SearchParameter, error) {
	c.mu.RLock()
	loaded := c.byType != nil
	params := c.byType[resourceType]
	c.mu.RUnlock()
	if loaded {
		return params, nil
	}

	if err := c.reload(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byType[resourceType], nil
}

func (c *ParamCache) reload(ctx context.Context) error {
	all, err := c.loadAll(ctx)
	if err != nil {
		return err
	}

	byType := make(map[string][]SearchParameter)
	shared := make([]SearchParameter, 0)
	for _, p := range all {
		if p.ResourceType == "Resource" || p.ResourceType == "DomainResource" {
			shared = append(shared, p)
			continue
		}
		byType[p.ResourceType] = append(byType[p.ResourceType], p)
	}

	for rt, params := range byType {
		codes := make(map[string]bool, len(params))
		for _, p := range params {
			codes[p.Code] = true
		}
		for _, sp := range shared {
			if !codes[sp.Code] {
				byType[rt] = append(byType[rt], sp)
			}
		}
	}
	// Resource types that only ever have shared parameters still need an
	// entry so ForType doesn't treat them as "cache not yet loaded".
	for resourceType := range knownResourceTypes {
		if _, ok := byType[resourceType]; !ok {
			byType[resourceType] = append([]SearchParameter(nil), shared...)
		}
	}

	c.mu.Lock()
	c.byType = byType
	c.mu.Unlock()
	return nil
}

func (c *ParamCache) loadAll(ctx context.Context) ([]SearchParameter, error) {
	rows, err := c.conn(ctx).Query(ctx, `
		SELECT sp.id, sp.code, sp.resource_type, sp.type, sp.expression,
		       sp.modifiers,
		       spc.position, spc.component_path, spc.referenced_param_url, spc.component_type
		FROM search_parameters sp
		LEFT JOIN search_parameter_components spc ON spc.search_parameter_id = sp.id
		WHERE sp.status = 'active'
		ORDER BY sp.id, spc.position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]*SearchParameter)
	var order []string
	for rows.Next() {
		var id, code, resourceType, typ, expression string
		var modifiers []string
		var position *int
		var componentPath, referencedParamURL, componentType *string
		if err := rows.Scan(&id, &code, &resourceType, &typ, &expression, &modifiers,
			&position, &componentPath, &referencedParamURL, &componentType); err != nil {
			return nil, err
		}
		sp, ok := byID[id]
		if !ok {
			sp = &SearchParameter{ID: id, Code: code, ResourceType: resourceType, Type: typ, Expression: expression, Modifiers: modifiers}
			byID[id] = sp
			order = append(order, id)
		}
		if position != nil && componentPath != nil && componentType != nil {
			sp.Components = append(sp.Components, CompositeComponent{
				Position:           *position,
				ComponentPath:      *componentPath,
				ReferencedParamURL: derefStr(referencedParamURL),
				ComponentType:      *componentType,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]SearchParameter, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// knownResourceTypes is the set of resource types that always get a cache
// entry even with zero type-specific parameters, so a cold-miss for a
// rarely-searched type doesn't repeatedly trigger a full reload.
var knownResourceTypes = map[string]bool{
	"Patient": true, "Practitioner": true, "PractitionerRole": true,
	"Organization": true, "Location": true, "Encounter": true,
	"Condition": true, "Observation": true, "MedicationRequest": true,
	"MedicationStatement": true, "AllergyIntolerance": true, "Procedure": true,
	"Immunization": true, "DiagnosticReport": true, "DocumentReference": true,
	"CarePlan": true, "CareTeam": true, "Goal": true, "ServiceRequest": true,
	"Coverage": true, "Claim": true, "ExplanationOfBenefit": true,
	"Group": true, "List": true, "RelatedPerson": true, "Device": true,
	"Specimen": true, "Appointment": true, "Schedule": true, "Slot": true,
	"Task": true, "Provenance": true, "Consent": true, "Communication": true,
	"QuestionnaireResponse": true, "Questionnaire": true,
	"StructureDefinition": true, "ValueSet": true, "CodeSystem": true,
	"ConceptMap": true, "OperationDefinition": true, "SearchParameter": true,
	"CapabilityStatement": true, "ImplementationGuide": true,
	"Bundle": true, "Composition": true, "Media": true, "ImagingStudy": true,
}
