package store

import (
	"context"
	"strings"

	"github.com/ehr/ehr/internal/fhirerr"
)

// Resolver adapts the Store to fhirpath.Resolver, letting FHIRPath
// expressions evaluated during indexing follow a "Type/id" reference
// through to the referenced resource's current body. Contained ("#id")
// references are not resolved by it.
type Resolver struct {
	store *Store
	ctx   context.Context
}

// NewResolver binds a Store and a context into a fhirpath.Resolver; every
// Resolve call reads through whatever transaction/connection that bound ctx
// carries. cmd/ehr-server builds a single one at startup from its root
// context, so its reads go through the pool, outside any request's
// transaction.
func NewResolver(ctx context.Context, store *Store) *Resolver {
	return &Resolver{store: store, ctx: ctx}
}

// Resolve fetches the current version of the resource a local reference
// ("Patient/123") points at. Absolute URLs and urn:uuid references are not
// resolvable this way and are reported as not-found rather than erroring,
// since a FHIRPath resolve() over an external reference should simply miss.
func (r *Resolver) Resolve(reference string) (interface{}, bool, error) {
	resourceType, id, ok := splitLocalReference(reference)
	if !ok {
		return nil, false, nil
	}
	res, err := r.store.Read(r.ctx, resourceType, id)
	if err != nil {
		if fe, ok := fhirerr.As(err); ok && (fe.Kind == fhirerr.KindResourceNotFound || fe.Kind == fhirerr.KindResourceDeleted) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return res.Body, true, nil
}

func splitLocalReference(reference string) (resourceType, id string, ok bool) {
	if strings.Contains(reference, "://") || strings.HasPrefix(reference, "urn:") {
		return "", "", false
	}
	parts := strings.SplitN(reference, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
