package fhirpath

import "fmt"

// Engine evaluates FHIRPath expressions against decoded FHIR resources. It
// is stateless beyond the process-wide plan cache, so a single Engine is
// shared across requests; FHIRVersion scopes the plan cache (a small number
// of functions/root-type rules differ between R4, R4B and R5).
type Engine struct {
	FHIRVersion string
}

func NewEngine(fhirVersion string) *Engine {
	return &Engine{FHIRVersion: fhirVersion}
}

// EvalOptions carries the per-call inputs that vary independently of the
// expression text: the resource body, %-prefixed external variables, and
// the reference resolver backing resolve().
type EvalOptions struct {
	Resource  map[string]interface{}
	Variables map[string]Collection
	Resolver  Resolver
}

// Eval compiles (or fetches from cache) and runs expr against opts.Resource,
// returning the resulting collection.
func (e *Engine) Eval(expr string, opts EvalOptions) (Collection, error) {
	plan, err := CompileCached(expr, e.FHIRVersion)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: compile %q: %w", expr, err)
	}
	root := wrapJSON(opts.Resource, "")
	vars := opts.Variables
	if vars == nil {
		vars = map[string]Collection{}
	}
	var resolverCache *resolverCache
	if opts.Resolver != nil {
		resolverCache = newResolverCache(opts.Resolver, 128)
	}
	ev := env{root: root, extVars: vars, resolver: resolverCache}
	result, err := plan.Eval(ev)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval %q: %w", expr, err)
	}
	return result, nil
}

// EvalBool runs expr and applies FHIRPath's singleton-to-boolean rule,
// the shape invariant and search-parameter expressions are consumed in.
func (e *Engine) EvalBool(expr string, opts EvalOptions) (bool, error) {
	c, err := e.Eval(expr, opts)
	if err != nil {
		return false, err
	}
	return c.ToBool(), nil
}
