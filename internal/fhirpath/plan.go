package fhirpath

type opcode int

const (
	opPushConst opcode = iota
	opPushExtVar
	opPushRoot     // push the evaluation root collection ($resource-equivalent default context)
	opNavigate     // navigate current TOS collection by member name, with choice-type expansion
	opIndex        // pop index collection + target collection; push indexer result
	opCall         // call a named function; A = arg count, B = subplan index (-1 if none), Str = fn name
	opBinary       // Str = operator
	opUnary        // Str = operator
	opRootFilter   // Str = resource type name; filters/validates root context by type
)

type instr struct {
	op  opcode
	a   int    // const index, or arg count for opCall
	b   int    // subplan index for opCall (-1 if none), or unused
	str string // function/operator/member name
}

// Plan is the compiled, executable form of a FHIRPath expression: a flat
// instruction stream plus a constant pool and a table of nested Plans used
// as closures by higher-order functions (where/select/all/...). The VM
// (vm.go) executes Code against a stack of Collections.
type Plan struct {
	Code     []instr
	Consts   []Value
	Subplans []*Plan
	Source   string
}

// Compile parses and lowers a FHIRPath expression into an executable Plan.
// Callers should generally go through the process-wide cache (plancache.go)
// rather than calling Compile directly on a hot path.
func Compile(expr string) (*Plan, error) {
	ast, err := parse(expr)
	if err != nil {
		return nil, err
	}
	c := &compiler{plan: &Plan{Source: expr}}
	if err := c.compileNode(ast, true); err != nil {
		return nil, err
	}
	return c.plan, nil
}

type compiler struct {
	plan *Plan
}

func (c *compiler) emit(in instr) { c.plan.Code = append(c.plan.Code, in) }

func (c *compiler) addConst(v Value) int {
	c.plan.Consts = append(c.plan.Consts, v)
	return len(c.plan.Consts) - 1
}

func (c *compiler) addSubplan(p *Plan) int {
	c.plan.Subplans = append(c.plan.Subplans, p)
	return len(c.plan.Subplans) - 1
}

// compileNode lowers n, appending instructions to c.plan. isRoot marks
// whether n sits at the very start of the expression (used to decide
// whether a bare IdentifierNode matching a resource type name is the
// root-type filter rule rather than ordinary field navigation).
func (c *compiler) compileNode(n Node, isRoot bool) error {
	switch v := n.(type) {
	case LiteralNode:
		c.emit(instr{op: opPushConst, a: c.addConst(v.Value)})
		return nil

	case ExternalConstantNode:
		c.emit(instr{op: opPushExtVar, str: v.Name})
		return nil

	case IdentifierNode:
		// A bare identifier is always the head of a navigation chain (the
		// parser only produces it as a primary), so it always needs the
		// current context pushed first — at the plan root that is the
		// evaluation root; inside a closure subplan, opPushRoot resolves to
		// the rebound $this instead (see vm.go).
		c.emit(instr{op: opPushRoot})
		if isRoot && isLikelyTypeName(v.Name) {
			c.emit(instr{op: opRootFilter, str: v.Name})
			return nil
		}
		c.emit(instr{op: opNavigate, str: v.Name})
		return nil

	case InvocationNode:
		if err := c.compileNode(v.Target, isRoot); err != nil {
			return err
		}
		c.emit(instr{op: opNavigate, str: v.Member})
		return nil

	case IndexerNode:
		if err := c.compileNode(v.Target, isRoot); err != nil {
			return err
		}
		if err := c.compileNode(v.Index, false); err != nil {
			return err
		}
		c.emit(instr{op: opIndex})
		return nil

	case UnaryNode:
		if err := c.compileNode(v.Operand, false); err != nil {
			return err
		}
		c.emit(instr{op: opUnary, str: v.Op})
		return nil

	case BinaryNode:
		if v.Op == "is" || v.Op == "as" {
			if err := c.compileNode(v.Left, isRoot); err != nil {
				return err
			}
			c.emit(instr{op: opPushConst, a: c.addConst(Str(typeSpecifierName(v.Right)))})
			c.emit(instr{op: opBinary, str: v.Op})
			return nil
		}
		if err := c.compileNode(v.Left, isRoot); err != nil {
			return err
		}
		if err := c.compileNode(v.Right, false); err != nil {
			return err
		}
		c.emit(instr{op: opBinary, str: v.Op})
		return nil

	case FunctionCallNode:
		if v.Target != nil {
			if err := c.compileNode(v.Target, isRoot); err != nil {
				return err
			}
		} else {
			c.emit(instr{op: opPushRoot})
		}
		subplanIdx := -1
		pushedArgs := 0
		typeArgFuncs := v.Name == "ofType" || v.Name == "is" || v.Name == "as"
		for i, arg := range v.Args {
			if typeArgFuncs && i == 0 {
				c.emit(instr{op: opPushConst, a: c.addConst(Str(typeSpecifierName(arg)))})
				pushedArgs++
				continue
			}
			if isClosureArg(v.Name, i) {
				sub, err := compileSubplan(arg)
				if err != nil {
					return err
				}
				subplanIdx = c.addSubplan(sub)
			} else {
				if err := c.compileNode(arg, false); err != nil {
					return err
				}
				pushedArgs++
			}
		}
		c.emit(instr{op: opCall, a: pushedArgs, b: subplanIdx, str: v.Name})
		return nil

	case TypeSpecifierNode:
		c.emit(instr{op: opPushConst, a: c.addConst(Str(v.Name))})
		return nil
	}
	return nil
}

// compileSubplan compiles a closure argument (the expression passed to
// where/select/all/...) into its own Plan, evaluated per-item by the VM
// with $this/$index rebound in a child scope (vm.go).
func compileSubplan(n Node) (*Plan, error) {
	c := &compiler{plan: &Plan{}}
	if err := c.compileNode(n, false); err != nil {
		return nil, err
	}
	return c.plan, nil
}

// typeSpecifierName extracts the bare type name from a parsed type
// specifier operand, whether it parsed as a plain identifier ("Quantity")
// or a namespaced invocation ("FHIR.Quantity", "System.String").
func typeSpecifierName(n Node) string {
	switch v := n.(type) {
	case TypeSpecifierNode:
		return v.Name
	case IdentifierNode:
		return v.Name
	case InvocationNode:
		if _, ok := v.Target.(IdentifierNode); ok {
			return v.Member
		}
	}
	return ""
}

// isLikelyTypeName applies FHIRPath's lexical convention: type/resource
// names start with an uppercase letter, ordinary element names do not.
func isLikelyTypeName(name string) bool {
	if name == "" {
		return false
	}
	r := name[0]
	return r >= 'A' && r <= 'Z'
}
