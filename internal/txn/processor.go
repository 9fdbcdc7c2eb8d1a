package txn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehr/internal/crud"
	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/fhirmodel"
	"github.com/ehr/ehr/internal/platform/db"
	"github.com/ehr/ehr/internal/store"
)

// Processor executes parsed Bundles against the CRUD service.
type Processor struct {
	Pool *pgxpool.Pool
	CRUD *crud.Service
}

func New(pool *pgxpool.Pool, crudSvc *crud.Service) *Processor {
	return &Processor{Pool: pool, CRUD: crudSvc}
}

// entryOutcome is the result of executing one entry, before translation
// into a BundleEntry.
type entryOutcome struct {
	status   string
	location string
	etag     string
	body     map[string]interface{}
	outcome  *fhirmodel.OperationOutcome
}

// ProcessTransaction executes every entry inside a single database
// transaction: any failure rolls back the whole Bundle. Entries run in
// FHIR canonical order; urn:uuid references are resolved against
// previously-created identities as they become known (conditional
// "Type?query" references inside resource bodies are left as written), and any
// resource written before all its forward references could be resolved is
// re-written (back-patched) once the full identity map is final.
func (p *Processor) ProcessTransaction(ctx context.Context, raw []byte) (*fhirmodel.Bundle, error) {
	bundle, err := ParseBundle(raw)
	if err != nil {
		return nil, fhirerr.InvalidResource(err.Error())
	}
	if bundle.Type != "transaction" {
		return nil, fhirerr.InvalidResource("expected a transaction Bundle")
	}

	conn, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	defer conn.Release()
	ctx = db.WithConn(ctx, conn)
	ctx, tx, err := db.WithTx(ctx)
	if err != nil {
		return nil, fhirerr.Database(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	sorted := sortEntries(bundle.Entries)
	idMap := make(map[string]string) // fullUrl (urn:uuid:...) -> "Type/id"
	results := make([]entryOutcome, len(sorted))
	var backpatch []int // indices into sorted whose body still held unresolved refs

	for i, entry := range sorted {
		resolvedBody := entry.Resource
		hadUnresolved := false
		if resolvedBody != nil {
			resolvedBody, hadUnresolved = resolveReferences(resolvedBody, idMap)
		}
		url := replaceURNRefs(entry.Request.URL, idMap)

		out, assignedRef, err := p.execEntry(ctx, entry.Request.Method, url, resolvedBody, entry.Request)
		if err != nil {
			return nil, fhirerr.BusinessRule(fmt.Sprintf("transaction failed at entry %d (%s %s): %s", entry.Index, entry.Request.Method, entry.Request.URL, err))
		}
		results[i] = out

		if entry.FullURL != "" && strings.HasPrefix(entry.FullURL, "urn:uuid:") && assignedRef != "" {
			idMap[entry.FullURL] = assignedRef
		}
		if hadUnresolved && assignedRef != "" {
			backpatch = append(backpatch, i)
		}
	}

	// Back-patch: now that every identity is known, re-resolve references
	// in entries that were written before all their forward references
	// existed, and write the correction as a new version.
	for _, i := range backpatch {
		entry := sorted[i]
		if entry.Resource == nil {
			continue
		}
		final, stillUnresolved := resolveReferences(entry.Resource, idMap)
		if stillUnresolved {
			continue // remaining refs are genuinely external or unresolvable; leave as-is
		}
		resourceType, id, _ := parseEntryURL(replaceURNRefs(entry.Request.URL, idMap))
		if id == "" {
			// server-assigned id: pull it back out of the location we recorded.
			if loc := results[i].location; loc != "" {
				parts := strings.SplitN(loc, "/", 2)
				if len(parts) == 2 {
					resourceType = parts[0]
					id = strings.SplitN(parts[1], "/", 2)[0]
				}
			}
		}
		if resourceType == "" || id == "" {
			continue
		}
		final["resourceType"] = resourceType
		final["id"] = id
		if _, err := p.CRUD.Update(ctx, resourceType, id, final, nil); err != nil {
			return nil, fhirerr.BusinessRule(fmt.Sprintf("transaction back-patch failed for %s/%s: %s", resourceType, id, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fhirerr.Database(err)
	}
	committed = true

	return buildResponseBundle("transaction-response", results), nil
}

// ProcessBatch executes every entry independently, outside any shared
// transaction; a failing entry's outcome is captured in its own response
// and does not affect the others.
func (p *Processor) ProcessBatch(ctx context.Context, raw []byte) (*fhirmodel.Bundle, error) {
	bundle, err := ParseBundle(raw)
	if err != nil {
		return nil, fhirerr.InvalidResource(err.Error())
	}
	if bundle.Type != "batch" {
		return nil, fhirerr.InvalidResource("expected a batch Bundle")
	}

	results := make([]entryOutcome, len(bundle.Entries))
	for i, entry := range bundle.Entries {
		out, _, err := p.execEntry(ctx, entry.Request.Method, entry.Request.URL, entry.Resource, entry.Request)
		if err != nil {
			status := "400 Bad Request"
			if fe, ok := fhirerr.As(err); ok {
				status = fmt.Sprintf("%d %s", fe.Kind.HTTPStatus(), fe.Kind)
			}
			results[i] = entryOutcome{status: status, outcome: fhirmodel.ErrorOutcome(err.Error())}
			continue
		}
		results[i] = out
	}
	return buildResponseBundle("batch-response", results), nil
}

// execEntry dispatches one entry's request/resource pair to the CRUD
// service and returns its outcome plus the "Type/id" it wrote (for
// urn:uuid mapping), if any.
func (p *Processor) execEntry(ctx context.Context, method, url string, body map[string]interface{}, req EntryRequest) (entryOutcome, string, error) {
	resourceType, id, query := parseEntryURL(url)

	switch method {
	case "POST":
		res, created, err := p.CRUD.ConditionalCreate(ctx, resourceType, body, req.IfNoneExist)
		if err != nil {
			return entryOutcome{}, "", err
		}
		ref := fhirmodel.FormatReference(resourceType, res.ID)
		status := "200 OK"
		if created {
			status = "201 Created"
		}
		return entryOutcome{status: status, location: fhirmodel.Location(resourceType, res.ID, res.Version), etag: fhirmodel.FormatETag(res.Version), body: res.Body}, ref, nil

	case "PUT":
		if query != "" {
			res, created, err := p.CRUD.ConditionalUpdate(ctx, resourceType, query, body)
			if err != nil {
				return entryOutcome{}, "", err
			}
			status := "200 OK"
			if created {
				status = "201 Created"
			}
			ref := fhirmodel.FormatReference(resourceType, res.ID)
			return entryOutcome{status: status, location: fhirmodel.Location(resourceType, res.ID, res.Version), etag: fhirmodel.FormatETag(res.Version), body: res.Body}, ref, nil
		}
		var expected *int
		if req.IfMatch != "" {
			if v, perr := fhirmodel.ParseETag(req.IfMatch); perr == nil {
				expected = &v
			}
		}
		res, err := p.CRUD.Update(ctx, resourceType, id, body, expected)
		if err != nil {
			return entryOutcome{}, "", err
		}
		ref := fhirmodel.FormatReference(resourceType, res.ID)
		return entryOutcome{status: "200 OK", location: fhirmodel.Location(resourceType, res.ID, res.Version), etag: fhirmodel.FormatETag(res.Version), body: res.Body}, ref, nil

	case "PATCH":
		var res *store.Resource
		var err error
		if query != "" {
			res, err = p.CRUD.ConditionalPatch(ctx, resourceType, query, nil, body)
		} else {
			res, err = p.CRUD.Patch(ctx, resourceType, id, nil, body, nil)
		}
		if err != nil {
			return entryOutcome{}, "", err
		}
		ref := fhirmodel.FormatReference(resourceType, res.ID)
		return entryOutcome{status: "200 OK", location: fhirmodel.Location(resourceType, res.ID, res.Version), etag: fhirmodel.FormatETag(res.Version), body: res.Body}, ref, nil

	case "DELETE":
		if query != "" {
			n, err := p.CRUD.ConditionalDelete(ctx, resourceType, query, false)
			if err != nil {
				return entryOutcome{}, "", err
			}
			return entryOutcome{status: fmt.Sprintf("200 OK (%d deleted)", n)}, "", nil
		}
		_, already, err := p.CRUD.Delete(ctx, resourceType, id, false)
		if err != nil {
			return entryOutcome{}, "", err
		}
		status := "204 No Content"
		if already {
			status = "204 No Content (already deleted)"
		}
		return entryOutcome{status: status}, "", nil

	case "GET", "HEAD":
		if query != "" {
			matches, err := p.CRUD.ResolveQuery(ctx, resourceType, query)
			if err != nil {
				return entryOutcome{}, "", err
			}
			return entryOutcome{status: "200 OK", body: map[string]interface{}{
				"resourceType": "Bundle", "type": "searchset", "total": len(matches),
			}}, "", nil
		}
		res, err := p.CRUD.Store.Read(ctx, resourceType, id)
		if err != nil {
			return entryOutcome{}, "", err
		}
		return entryOutcome{status: "200 OK", etag: fhirmodel.FormatETag(res.Version), body: res.Body}, "", nil

	default:
		return entryOutcome{}, "", fhirerr.MethodNotAllowed("unsupported bundle entry method " + method)
	}
}

func buildResponseBundle(bundleType string, results []entryOutcome) *fhirmodel.Bundle {
	b := fhirmodel.NewBundle(bundleType)
	for _, r := range results {
		entry := fhirmodel.BundleEntry{
			Response: &fhirmodel.BundleResponse{
				Status:   r.status,
				Location: r.location,
				Etag:     r.etag,
			},
		}
		if r.outcome != nil {
			entry.Response.Outcome = r.outcome
		}
		if r.body != nil {
			if raw, err := json.Marshal(r.body); err == nil {
				entry.Resource = raw
			}
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}

// resolveReferences replaces every "reference" field matching a key in
// idMap with its mapped value, and reports whether any reference field
// remains pointing at an unmapped urn:uuid (a genuine forward reference
// that must be back-patched once every identity is known).
func resolveReferences(resource map[string]interface{}, idMap map[string]string) (map[string]interface{}, bool) {
	out := deepCopyJSON(resource)
	unresolved := false
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				if mapped, found := idMap[ref]; found {
					val["reference"] = mapped
				} else if strings.HasPrefix(ref, "urn:uuid:") {
					unresolved = true
				}
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(out)
	return out, unresolved
}

func replaceURNRefs(s string, idMap map[string]string) string {
	for urn, actual := range idMap {
		s = strings.ReplaceAll(s, urn, actual)
	}
	return s
}

func deepCopyJSON(m map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
