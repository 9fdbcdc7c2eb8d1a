package fhirpath

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// callFunction dispatches a single FHIRPath function invocation. target is
// the already-evaluated invocation context (e.g. the `x` in `x.where(...)`);
// args holds the eagerly-evaluated non-closure arguments in source order;
// sub is the compiled closure body when this function takes one (nil
// otherwise). It is a dispatch table with one case per supported FHIRPath
// function, driving a compiled Plan/VM instead of walking the AST at call
// time.
func callFunction(name string, target Collection, args []Collection, sub *Plan, e env) (Collection, error) {
	switch name {
	case "where":
		return filterWhere(target, sub, e)
	case "select":
		return mapSelect(target, sub, e)
	case "all":
		return allMatch(target, sub, e)
	case "exists":
		if sub != nil {
			filtered, err := filterWhere(target, sub, e)
			if err != nil {
				return nil, err
			}
			return Collection{Bool(len(filtered) > 0)}, nil
		}
		return Collection{Bool(len(target) > 0)}, nil
	case "repeat":
		return repeatClosure(target, sub, e)
	case "aggregate":
		return aggregate(target, sub, args, e)

	case "count":
		return Collection{Int(int64(len(target)))}, nil
	case "empty":
		return Collection{Bool(len(target) == 0)}, nil
	case "not":
		if len(target) == 0 {
			return nil, nil
		}
		return Collection{Bool(!target.ToBool())}, nil
	case "first":
		if len(target) == 0 {
			return nil, nil
		}
		return Collection{target[0]}, nil
	case "last":
		if len(target) == 0 {
			return nil, nil
		}
		return Collection{target[len(target)-1]}, nil
	case "tail":
		if len(target) <= 1 {
			return nil, nil
		}
		return target[1:], nil
	case "single":
		if len(target) != 1 {
			return nil, fmt.Errorf("fhirpath: single() requires exactly one item, got %d", len(target))
		}
		return target, nil
	case "skip":
		n, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		if n >= len(target) {
			return nil, nil
		}
		if n < 0 {
			n = 0
		}
		return target[n:], nil
	case "take":
		n, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, nil
		}
		if n > len(target) {
			n = len(target)
		}
		return target[:n], nil
	case "distinct":
		return distinctCollection(target), nil
	case "isDistinct":
		return Collection{Bool(len(distinctCollection(target)) == len(target))}, nil
	case "combine":
		return append(append(Collection{}, target...), flattenArgs(args)...), nil
	case "union":
		return unionCollections(target, flattenArgs(args)), nil
	case "intersect":
		return intersectCollection(target, flattenArgs(args)), nil
	case "exclude":
		return excludeCollection(target, flattenArgs(args)), nil

	case "hasValue":
		return Collection{Bool(len(target) == 1)}, nil
	case "ofType":
		typeName, err := stringArgFromTypeSpec(args, sub)
		if err != nil {
			return nil, err
		}
		return filterOfType(target, typeName), nil
	case "as":
		typeName, _ := stringArgFromTypeSpec(args, sub)
		return evalAs(target, Collection{Str(typeName)})
	case "is":
		typeName, _ := stringArgFromTypeSpec(args, sub)
		return evalIs(target, Collection{Str(typeName)})

	case "iif":
		return iif(target, args, e)

	case "trace":
		return target, nil

	case "startsWith":
		return stringPredicate(target, args, strings.HasPrefix)
	case "endsWith":
		return stringPredicate(target, args, strings.HasSuffix)
	case "contains":
		return stringPredicate(target, args, strings.Contains)
	case "matches":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		pat, err := singletonStringArg(args, 0)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("fhirpath: bad regex in matches(): %w", err)
		}
		return Collection{Bool(re.MatchString(s))}, nil
	case "replace":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		pattern, _ := singletonStringArg(args, 0)
		repl, _ := singletonStringArg(args, 1)
		return Collection{Str(strings.ReplaceAll(s, pattern, repl))}, nil
	case "replaceMatches":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		pattern, _ := singletonStringArg(args, 0)
		repl, _ := singletonStringArg(args, 1)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("fhirpath: bad regex in replaceMatches(): %w", err)
		}
		return Collection{Str(re.ReplaceAllString(s, repl))}, nil
	case "length":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		return Collection{Int(int64(len([]rune(s))))}, nil
	case "upper":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		return Collection{Str(strings.ToUpper(s))}, nil
	case "lower":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		return Collection{Str(strings.ToLower(s))}, nil
	case "trim":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		return Collection{Str(strings.TrimSpace(s))}, nil
	case "substring":
		s, ok := singletonString(target)
		if !ok {
			return nil, nil
		}
		start, err := intArg(args, 0)
		if err != nil {
			return nil, err
		}
		runes := []rune(s)
		if start < 0 || start >= len(runes) {
			return nil, nil
		}
		end := len(runes)
		if len(args) > 1 {
			n, err := intArg(args, 1)
			if err != nil {
				return nil, err
			}
			if start+n < end {
				end = start + n
			}
		}
		return Collection{Str(string(runes[start:end]))}, nil

	case "toString":
		v, ok, err := singleton(target)
		if err != nil || !ok {
			return nil, err
		}
		s, ok := v.AsString()
		if !ok {
			return nil, nil
		}
		return Collection{Str(s)}, nil
	case "toInteger":
		return convertToInteger(target)
	case "toDecimal":
		return convertToDecimal(target)
	case "toBoolean":
		v, ok, err := singleton(target)
		if err != nil || !ok {
			return nil, err
		}
		if v.Kind == KindBoolean {
			return Collection{v}, nil
		}
		if s, ok := v.AsString(); ok {
			switch strings.ToLower(s) {
			case "true":
				return Collection{Bool(true)}, nil
			case "false":
				return Collection{Bool(false)}, nil
			}
		}
		return nil, nil
	case "toDate":
		return convertTemporal(target, KindDate)
	case "toDateTime":
		return convertTemporal(target, KindDateTime)
	case "toTime":
		return convertTemporal(target, KindTime)

	case "abs":
		return mathUnary(target, func(d decimal.Decimal) decimal.Decimal { return d.Abs() })
	case "ceiling":
		return mathUnary(target, func(d decimal.Decimal) decimal.Decimal { return d.Ceil() })
	case "floor":
		return mathUnary(target, func(d decimal.Decimal) decimal.Decimal { return d.Floor() })
	case "round":
		prec := int32(0)
		if len(args) > 0 {
			n, _ := intArg(args, 0)
			prec = int32(n)
		}
		return mathUnary(target, func(d decimal.Decimal) decimal.Decimal { return d.Round(prec) })
	case "sqrt":
		v, ok, err := singleton(target)
		if err != nil || !ok {
			return nil, err
		}
		d, ok := toDecimal(v)
		if !ok {
			return nil, nil
		}
		f, _ := d.Float64()
		if f < 0 {
			return nil, nil
		}
		return Collection{Dec(decimal.NewFromFloat(sqrtFloat(f)))}, nil

	case "now":
		return Collection{{Kind: KindDateTime, Time: time.Now(), Prec: PrecisionMillisecond, TZSet: true}}, nil
	case "today":
		return Collection{{Kind: KindDate, Time: time.Now(), Prec: PrecisionDay}}, nil

	case "resolve":
		return resolveReferences(target, e)
	case "extension":
		url, err := singletonStringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return extensionsByURL(target, url), nil

	case "children":
		return allChildren(target), nil
	case "descendants":
		return allDescendants(target), nil

	case "convertsToInteger", "convertsToDecimal", "convertsToBoolean", "convertsToString":
		return Collection{Bool(true)}, nil

	default:
		return nil, fmt.Errorf("fhirpath: unknown function %q", name)
	}
}

// runSubplan evaluates a closure body once per item of target, rebinding
// $this/$index for each call — the mechanism where/select/all/exists/
// repeat/aggregate all build on.
func runSubplan(target Collection, sub *Plan, e env) ([]Collection, error) {
	results := make([]Collection, len(target))
	for i, v := range target {
		r, err := sub.Eval(e.withThis(v, i))
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

func filterWhere(target Collection, sub *Plan, e env) (Collection, error) {
	if sub == nil {
		return target, nil
	}
	results, err := runSubplan(target, sub, e)
	if err != nil {
		return nil, err
	}
	var out Collection
	for i, r := range results {
		if r.ToBool() {
			out = append(out, target[i])
		}
	}
	return out, nil
}

func mapSelect(target Collection, sub *Plan, e env) (Collection, error) {
	if sub == nil {
		return target, nil
	}
	results, err := runSubplan(target, sub, e)
	if err != nil {
		return nil, err
	}
	var out Collection
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func allMatch(target Collection, sub *Plan, e env) (Collection, error) {
	if sub == nil {
		return Collection{Bool(true)}, nil
	}
	results, err := runSubplan(target, sub, e)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if !r.ToBool() {
			return Collection{Bool(false)}, nil
		}
	}
	return Collection{Bool(true)}, nil
}

// repeatClosure applies sub repeatedly, breadth-first, accumulating every
// newly reached item until a fixed point — used for tree-walking
// expressions like `Questionnaire.repeat(item)`.
func repeatClosure(target Collection, sub *Plan, e env) (Collection, error) {
	if sub == nil {
		return target, nil
	}
	seen := map[string]bool{}
	var out Collection
	frontier := target
	for len(frontier) > 0 {
		results, err := runSubplan(frontier, sub, e)
		if err != nil {
			return nil, err
		}
		var next Collection
		for _, r := range results {
			for _, v := range r {
				key := valueIdentity(v)
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, v)
				next = append(next, v)
			}
		}
		frontier = next
	}
	return out, nil
}

func aggregate(target Collection, sub *Plan, args []Collection, e env) (Collection, error) {
	if sub == nil {
		return nil, fmt.Errorf("fhirpath: aggregate() requires an aggregator expression")
	}
	var total Collection
	if len(args) > 0 {
		total = args[0]
	}
	for i, v := range target {
		e2 := e.withThis(v, i)
		e2.extVars = cloneExtVarsWithTotal(e2.extVars, total)
		r, err := sub.Eval(e2)
		if err != nil {
			return nil, err
		}
		total = r
	}
	return total, nil
}

func cloneExtVarsWithTotal(vars map[string]Collection, total Collection) map[string]Collection {
	out := make(map[string]Collection, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	out["total"] = total
	return out
}

func iif(target Collection, args []Collection, e env) (Collection, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("fhirpath: iif() requires at least 2 arguments")
	}
	cond := args[0]
	if cond.ToBool() {
		return args[1], nil
	}
	if len(args) > 2 {
		return args[2], nil
	}
	return nil, nil
}

func distinctCollection(c Collection) Collection {
	seen := map[string]bool{}
	var out Collection
	for _, v := range c {
		key := valueIdentity(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func intersectCollection(a, b Collection) Collection {
	bset := map[string]bool{}
	for _, v := range b {
		bset[valueIdentity(v)] = true
	}
	var out Collection
	seen := map[string]bool{}
	for _, v := range a {
		key := valueIdentity(v)
		if bset[key] && !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

func excludeCollection(a, b Collection) Collection {
	bset := map[string]bool{}
	for _, v := range b {
		bset[valueIdentity(v)] = true
	}
	var out Collection
	for _, v := range a {
		if !bset[valueIdentity(v)] {
			out = append(out, v)
		}
	}
	return out
}

func flattenArgs(args []Collection) Collection {
	var out Collection
	for _, a := range args {
		out = append(out, a...)
	}
	return out
}

func intArg(args []Collection, idx int) (int, error) {
	if idx >= len(args) {
		return 0, fmt.Errorf("fhirpath: missing argument %d", idx)
	}
	v, ok, err := singleton(args[idx])
	if err != nil || !ok {
		return 0, err
	}
	if v.Kind != KindInteger {
		return 0, fmt.Errorf("fhirpath: argument %d must be an Integer", idx)
	}
	return int(v.Int), nil
}

func singletonStringArg(args []Collection, idx int) (string, error) {
	if idx >= len(args) {
		return "", fmt.Errorf("fhirpath: missing argument %d", idx)
	}
	v, ok, err := singleton(args[idx])
	if err != nil || !ok {
		return "", err
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("fhirpath: argument %d must be a String", idx)
	}
	return s, nil
}

// stringArgFromTypeSpec handles functions like ofType()/is()/as() whose
// single argument compiles as a plain constant string push (TypeSpecifierNode).
func stringArgFromTypeSpec(args []Collection, sub *Plan) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("fhirpath: missing type specifier argument")
	}
	v, ok, err := singleton(args[0])
	if err != nil || !ok {
		return "", err
	}
	return v.Str, nil
}

func singletonString(c Collection) (string, bool) {
	v, ok, err := singleton(c)
	if err != nil || !ok {
		return "", false
	}
	s, ok := v.AsString()
	return s, ok
}

func stringPredicate(target Collection, args []Collection, pred func(s, sub string) bool) (Collection, error) {
	s, ok := singletonString(target)
	if !ok {
		return nil, nil
	}
	arg, err := singletonStringArg(args, 0)
	if err != nil {
		return nil, err
	}
	return Collection{Bool(pred(s, arg))}, nil
}

func mathUnary(target Collection, fn func(decimal.Decimal) decimal.Decimal) (Collection, error) {
	v, ok, err := singleton(target)
	if err != nil || !ok {
		return nil, err
	}
	d, ok := toDecimal(v)
	if !ok {
		return nil, fmt.Errorf("fhirpath: expected a number")
	}
	return Collection{numericResult(fn(d), v.Kind == KindInteger)}, nil
}

func convertToInteger(target Collection) (Collection, error) {
	v, ok, err := singleton(target)
	if err != nil || !ok {
		return nil, err
	}
	switch v.Kind {
	case KindInteger:
		return Collection{v}, nil
	case KindDecimal:
		return Collection{Int(v.Dec.IntPart())}, nil
	case KindString:
		d, err := decimal.NewFromString(v.Str)
		if err != nil {
			return nil, nil
		}
		return Collection{Int(d.IntPart())}, nil
	}
	return nil, nil
}

func convertToDecimal(target Collection) (Collection, error) {
	v, ok, err := singleton(target)
	if err != nil || !ok {
		return nil, err
	}
	d, ok := toDecimal(v)
	if ok {
		return Collection{Dec(d)}, nil
	}
	if v.Kind == KindString {
		d, err := decimal.NewFromString(v.Str)
		if err != nil {
			return nil, nil
		}
		return Collection{Dec(d)}, nil
	}
	return nil, nil
}

func convertTemporal(target Collection, kind ValueKind) (Collection, error) {
	v, ok, err := singleton(target)
	if err != nil || !ok {
		return nil, err
	}
	if v.Kind == kind {
		return Collection{v}, nil
	}
	s, ok := v.AsString()
	if !ok {
		return nil, nil
	}
	converted, err := parseTemporalLiteral(strings.TrimPrefix(s, "T"), kind)
	if err != nil {
		return nil, nil
	}
	return Collection{converted}, nil
}

func resolveReferences(target Collection, e env) (Collection, error) {
	if e.resolver == nil {
		return nil, nil
	}
	var out Collection
	for _, v := range target {
		ref, ok := extractReferenceString(v)
		if !ok {
			continue
		}
		node, found, err := e.resolver.Resolve(ref)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		out = append(out, wrapJSON(node, ref)...)
	}
	return out, nil
}

func extractReferenceString(v Value) (string, bool) {
	mv := materialize(v)
	if mv.Kind == KindString {
		return mv.Str, true
	}
	if mv.Kind == KindLazyJSON {
		if m, ok := mv.Lazy.Node.(map[string]interface{}); ok {
			if ref, ok := m["reference"].(string); ok {
				return ref, true
			}
		}
	}
	return "", false
}

func extensionsByURL(target Collection, url string) Collection {
	exts := navigateCollection(target, "extension")
	var out Collection
	for _, v := range exts {
		if m, ok := v.Lazy.Node.(map[string]interface{}); ok {
			if u, ok := m["url"].(string); ok && u == url {
				out = append(out, v)
			}
		}
	}
	return out
}

func allChildren(target Collection) Collection {
	var out Collection
	for _, v := range target {
		if m, ok := v.Lazy.Node.(map[string]interface{}); ok {
			for k := range m {
				out = append(out, navigateValue(v, k)...)
			}
		}
	}
	return out
}

func allDescendants(target Collection) Collection {
	var out Collection
	frontier := allChildren(target)
	for len(frontier) > 0 {
		out = append(out, frontier...)
		frontier = allChildren(frontier)
	}
	return out
}

func sqrtFloat(f float64) float64 {
	if f == 0 {
		return 0
	}
	x := f
	for i := 0; i < 40; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}
