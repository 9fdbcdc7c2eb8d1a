// Package crud implements the CRUD/Conditional Service: create, update,
// patch and delete with conditional (search-qualified) semantics and
// referential-integrity enforcement, layered over the Resource Store and
// the Search Engine.
package crud

import (
	"net/url"

	"github.com/google/uuid"

	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/fhirmodel"
	"github.com/ehr/ehr/internal/indexing"
	"github.com/ehr/ehr/internal/search"
	"github.com/ehr/ehr/internal/store"

	"context"
)

// Service wires the store (bodies/versions), the indexer (keeps search
// rows in sync with every write) and the search engine (resolves
// conditional references and conditional update/delete targets) into the
// single set of write operations the FHIR REST API exposes.
type Service struct {
	Store  *store.Store
	Index  *indexing.Service
	Search *search.Executor
	Params *indexing.ParamCache
}

func New(st *store.Store, idx *indexing.Service, exec *search.Executor, params *indexing.ParamCache) *Service {
	return &Service{Store: st, Index: idx, Search: exec, Params: params}
}

// Create inserts a new resource, assigning a server id when the body has
// none. Referential integrity is checked against every local reference in
// the body before the write commits.
func (s *Service) Create(ctx context.Context, resourceType string, body map[string]interface{}) (*store.Resource, error) {
	env := fhirmodel.ExtractEnvelope(body)
	if env.ID == "" {
		body["id"] = uuid.NewString()
	}
	if err := s.checkReferentialIntegrity(ctx, body); err != nil {
		return nil, err
	}
	res, err := s.Store.Create(ctx, resourceType, body)
	if err != nil {
		return nil, err
	}
	if err := s.Index.Index(ctx, resourceType, res.ID, res.Version, res.Body); err != nil {
		return nil, err
	}
	return res, nil
}

// ConditionalCreate resolves ifNoneExist (a search query string, without
// the leading '?') against resourceType first. Zero matches creates the
// resource; exactly one match returns it unchanged; more than one is a
// business-rule error per the conditional create contract.
func (s *Service) ConditionalCreate(ctx context.Context, resourceType string, body map[string]interface{}, ifNoneExist string) (res *store.Resource, created bool, err error) {
	if ifNoneExist == "" {
		res, err = s.Create(ctx, resourceType, body)
		return res, true, err
	}
	matches, err := s.resolveQuery(ctx, resourceType, ifNoneExist)
	if err != nil {
		return nil, false, err
	}
	switch len(matches) {
	case 0:
		res, err = s.Create(ctx, resourceType, body)
		return res, true, err
	case 1:
		res, err = s.Store.Read(ctx, resourceType, matches[0].ID)
		return res, false, err
	default:
		return nil, false, fhirerr.BusinessRule("conditional create: If-None-Exist matched more than one resource")
	}
}

// Update writes body as a new version. expectedVersion, when non-nil,
// enforces If-Match optimistic concurrency.
func (s *Service) Update(ctx context.Context, resourceType, id string, body map[string]interface{}, expectedVersion *int) (*store.Resource, error) {
	if err := s.checkReferentialIntegrity(ctx, body); err != nil {
		return nil, err
	}
	res, err := s.Store.Update(ctx, resourceType, id, body, expectedVersion)
	if err != nil {
		return nil, err
	}
	if err := s.Index.Index(ctx, resourceType, res.ID, res.Version, res.Body); err != nil {
		return nil, err
	}
	return res, nil
}

// ConditionalUpdate resolves query against resourceType. Zero matches
// creates the resource at the client-supplied id (or a new one); one match
// updates that identity; more than one is an error, matching the
// conditional update contract.
func (s *Service) ConditionalUpdate(ctx context.Context, resourceType, query string, body map[string]interface{}) (res *store.Resource, created bool, err error) {
	matches, err := s.resolveQuery(ctx, resourceType, query)
	if err != nil {
		return nil, false, err
	}
	switch len(matches) {
	case 0:
		env := fhirmodel.ExtractEnvelope(body)
		id := env.ID
		if id == "" {
			id = uuid.NewString()
			body["id"] = id
		}
		res, err = s.Update(ctx, resourceType, id, body, nil)
		return res, true, err
	case 1:
		res, err = s.Update(ctx, resourceType, matches[0].ID, body, nil)
		return res, false, err
	default:
		return nil, false, fhirerr.BusinessRule("conditional update: query matched more than one resource")
	}
}

// Patch reads the current version, applies ops (JSON Patch when patchOps is
// set, else a JSON Merge Patch), removes the narrative `text` element and
// writes the result as a new version.
func (s *Service) Patch(ctx context.Context, resourceType, id string, patchOps []PatchOp, mergePatch map[string]interface{}, expectedVersion *int) (*store.Resource, error) {
	current, err := s.Store.Read(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && current.Version != *expectedVersion {
		return nil, fhirerr.VersionConflict(*expectedVersion, current.Version)
	}
	var patched map[string]interface{}
	if patchOps != nil {
		patched, err = ApplyJSONPatch(current.Body, patchOps)
		if err != nil {
			return nil, err
		}
	} else {
		patched = ApplyMergePatch(current.Body, mergePatch)
	}
	delete(patched, "text")
	return s.Update(ctx, resourceType, id, patched, nil)
}

// ConditionalPatch resolves query and patches the single matching resource.
func (s *Service) ConditionalPatch(ctx context.Context, resourceType, query string, patchOps []PatchOp, mergePatch map[string]interface{}) (*store.Resource, error) {
	matches, err := s.resolveQuery(ctx, resourceType, query)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fhirerr.ResourceNotFound(resourceType, "<conditional>")
	case 1:
		return s.Patch(ctx, resourceType, matches[0].ID, patchOps, mergePatch, nil)
	default:
		return nil, fhirerr.BusinessRule("conditional patch: query matched more than one resource")
	}
}

// Delete writes a tombstone version. strict, when true, rejects the delete
// with a business-rule error if other current resources still reference
// this identity.
func (s *Service) Delete(ctx context.Context, resourceType, id string, strict bool) (version int, alreadyDeleted bool, err error) {
	if strict {
		referrers, err := s.Store.FindReferencingResources(ctx, resourceType, id, 1)
		if err != nil {
			return 0, false, err
		}
		if len(referrers) > 0 {
			return 0, false, fhirerr.BusinessRule("cannot delete " + resourceType + "/" + id + ": referenced by " + referrers[0].ResourceType + "/" + referrers[0].ID)
		}
	}
	version, alreadyDeleted, err = s.Store.Delete(ctx, resourceType, id)
	if err != nil {
		return 0, false, err
	}
	if !alreadyDeleted {
		if err := s.Index.Index(ctx, resourceType, id, version, fhirmodel.Tombstone(resourceType, id)); err != nil {
			return 0, false, err
		}
	}
	return version, alreadyDeleted, nil
}

// ConditionalDelete resolves query and deletes every matching resource (the
// multiple-match conditional delete contract, unlike update/create which
// reject ambiguity).
func (s *Service) ConditionalDelete(ctx context.Context, resourceType, query string, strict bool) (deleted int, err error) {
	matches, err := s.resolveQuery(ctx, resourceType, query)
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if _, already, err := s.Delete(ctx, resourceType, m.ID, strict); err != nil {
			return deleted, err
		} else if !already {
			deleted++
		}
	}
	return deleted, nil
}

// checkReferentialIntegrity verifies that every local reference embedded in
// body points at a resource that currently exists. References outside the
// local server (absolute URLs) and contained references (starting with
// "#") are not checked.
func (s *Service) checkReferentialIntegrity(ctx context.Context, body map[string]interface{}) error {
	refs := localReferences(body)
	if len(refs) == 0 {
		return nil
	}
	pairs := make([][2]string, 0, len(refs))
	for _, r := range refs {
		pairs = append(pairs, [2]string{r.typ, r.id})
	}
	exists, err := s.Store.CheckResourcesExist(ctx, pairs)
	if err != nil {
		return err
	}
	for _, r := range refs {
		if !exists[[2]string{r.typ, r.id}] {
			return fhirerr.BusinessRule("reference target does not exist: " + r.typ + "/" + r.id)
		}
	}
	return nil
}

type localRef struct{ typ, id string }

// localReferences walks body and collects every "reference" string shaped
// like "Type/id" (a relative local reference), ignoring contained (#...),
// urn:uuid:, urn:oid: and absolute-URL references.
func localReferences(v interface{}) []localRef {
	var out []localRef
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				if typ, id, ok := splitLocalReference(ref); ok {
					out = append(out, localRef{typ, id})
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
	walk(v)
	return out
}

func splitLocalReference(ref string) (typ, id string, ok bool) {
	if ref == "" || ref[0] == '#' {
		return "", "", false
	}
	if containsAny(ref, "://") {
		return "", "", false
	}
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			typ, id = ref[:i], ref[i+1:]
			if typ == "" || id == "" || containsAny(id, "/") {
				return "", "", false
			}
			return typ, id, true
		}
	}
	return "", "", false
}

func containsAny(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// ResolveQuery runs a raw search query string (e.g. "identifier=123") against
// resourceType and returns the matching identities. Exported for the
// transaction service, which needs the same conditional-reference
// resolution CRUD uses internally for conditional create/update/delete.
func (s *Service) ResolveQuery(ctx context.Context, resourceType, rawQuery string) ([]search.Identity, error) {
	return s.resolveQuery(ctx, resourceType, rawQuery)
}

// resolveQuery runs a raw query string (e.g. "identifier=123&status=active")
// against resourceType and returns the matching identities, used by every
// conditional operation.
func (s *Service) resolveQuery(ctx context.Context, resourceType, rawQuery string) ([]search.Identity, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fhirerr.InvalidResource("invalid conditional query: " + err.Error())
	}
	defs, err := s.Params.ForType(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]search.ParamDef, len(defs))
	for _, d := range defs {
		byCode[d.Code] = search.ParamDef{Code: d.Code, Type: search.ParamType(d.Type)}
	}

	var params []search.Param
	for key, vals := range values {
		code, modifier := search.ParseParamModifier(key)
		for _, v := range vals {
			params = append(params, search.Param{
				Code:     code,
				Modifier: modifier,
				Values:   splitCSV(v),
			})
		}
	}

	result, err := s.Search.Execute(ctx, search.Query{ResourceType: resourceType, Params: params, Count: 2}, byCode)
	if err != nil {
		return nil, err
	}
	return result.Identities, nil
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			out = append(out, v[start:i])
			start = i + 1
		}
	}
	return out
}
