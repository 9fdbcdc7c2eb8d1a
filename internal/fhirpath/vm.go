package fhirpath

import "fmt"

// env carries per-evaluation state threaded through a Plan run: the
// original root context, %-prefixed external constants, the reference
// resolver, and (inside a closure subplan) the rebound $this/$index.
type env struct {
	root     Collection
	extVars  map[string]Collection
	resolver *resolverCache

	hasThis bool
	this    Value
	index   int
}

func (e env) withThis(v Value, idx int) env {
	e2 := e
	e2.hasThis = true
	e2.this = v
	e2.index = idx
	return e2
}

// Eval runs the compiled plan against the given environment, returning the
// resulting collection. This is the VM's single entry point; closures
// (where/select/...) call back into it recursively via runSubplan.
func (p *Plan) Eval(e env) (Collection, error) {
	var stack []Collection
	push := func(c Collection) { stack = append(stack, c) }
	pop := func() Collection {
		n := len(stack) - 1
		v := stack[n]
		stack = stack[:n]
		return v
	}

	for _, in := range p.Code {
		switch in.op {
		case opPushConst:
			push(Collection{p.Consts[in.a]})

		case opPushExtVar:
			push(lookupExtVar(e, in.str))

		case opPushRoot:
			if e.hasThis {
				push(Collection{e.this})
			} else {
				push(e.root)
			}

		case opNavigate:
			target := pop()
			if in.str == "$this" {
				if e.hasThis {
					push(Collection{e.this})
				} else {
					push(nil)
				}
				continue
			}
			if in.str == "$index" {
				push(Collection{Int(int64(e.index))})
				continue
			}
			push(navigateCollection(target, in.str))

		case opRootFilter:
			target := pop()
			push(filterByResourceType(target, in.str))

		case opIndex:
			idxCol := pop()
			target := pop()
			idxVal, ok, err := singleton(idxCol)
			if err != nil {
				return nil, err
			}
			if !ok || idxVal.Kind != KindInteger {
				push(nil)
				continue
			}
			i := int(idxVal.Int)
			if i < 0 || i >= len(target) {
				push(nil)
				continue
			}
			push(Collection{target[i]})

		case opUnary:
			operand := pop()
			res, err := evalUnary(in.str, operand)
			if err != nil {
				return nil, err
			}
			push(res)

		case opBinary:
			right := pop()
			left := pop()
			res, err := evalBinary(in.str, left, right, e)
			if err != nil {
				return nil, err
			}
			push(res)

		case opCall:
			args := make([]Collection, in.a)
			for i := in.a - 1; i >= 0; i-- {
				args[i] = pop()
			}
			target := pop()
			var sub *Plan
			if in.b >= 0 {
				sub = p.Subplans[in.b]
			}
			res, err := callFunction(in.str, target, args, sub, e)
			if err != nil {
				return nil, err
			}
			push(res)

		default:
			return nil, fmt.Errorf("fhirpath: unhandled opcode %d", in.op)
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("fhirpath: malformed plan, stack depth %d at end", len(stack))
	}
	return stack[0], nil
}

func lookupExtVar(e env, name string) Collection {
	switch name {
	case "context", "resource", "rootResource":
		return e.root
	}
	if v, ok := e.extVars[name]; ok {
		return v
	}
	return nil
}

func filterByResourceType(c Collection, typeName string) Collection {
	var out Collection
	for _, v := range c {
		if v.TypeHint == typeName {
			out = append(out, v)
			continue
		}
		if v.Kind == KindLazyJSON {
			if m, ok := v.Lazy.Node.(map[string]interface{}); ok {
				if rt, ok := m["resourceType"].(string); ok && rt == typeName {
					out = append(out, v)
				}
			}
		}
	}
	return out
}
