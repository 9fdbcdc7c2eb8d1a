package fhirpath

// closureFuncs names the FHIRPath functions whose arguments are evaluated
// per-item against a rebound `$this`/`$index` context rather than once
// up-front. plan.go consults this table to decide whether an argument
// subtree is compiled into a nested sub-Plan (a closure) or a flat Plan
// whose result is computed once before the call.
//
// The map value is the set of argument positions (0-based) that are
// closures; all other positions are plain eagerly-evaluated arguments.
var closureFuncs = map[string]map[int]bool{
	"where":     {0: true},
	"select":    {0: true},
	"all":       {0: true},
	"exists":    {0: true},
	"repeat":    {0: true},
	"aggregate": {0: true},
	"sort":      {0: true},
}

func isClosureArg(fn string, argIdx int) bool {
	return closureFuncs[fn][argIdx]
}

// leftmostIdentifier returns the name of the leftmost identifier of the
// expression tree (following invocation, method-call and indexer targets),
// the position where FHIRPath's "root resource type name as an identity
// filter" rule applies (e.g. `Patient.name` against a Patient resource
// matches every `name`, but against an Observation it short-circuits to
// empty). It reports false when that leftmost node is not an identifier.
func leftmostIdentifier(n Node) (string, bool) {
	switch v := n.(type) {
	case IdentifierNode:
		return v.Name, true
	case InvocationNode:
		return leftmostIdentifier(v.Target)
	case FunctionCallNode:
		if v.Target != nil {
			return leftmostIdentifier(v.Target)
		}
	case IndexerNode:
		return leftmostIdentifier(v.Target)
	}
	return "", false
}
