package fhirpath

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// parser is a Pratt/recursive-descent parser over the token stream, using a
// peek/advance/expect style common to hand-rolled small-DSL parsers.
type parser struct {
	toks []token
	pos  int
}

func parse(expr string) (Node, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("fhirpath: unexpected trailing token %q at %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.peek().kind != kind {
		return token{}, fmt.Errorf("fhirpath: expected %s at %d, got %q", what, p.peek().pos, p.peek().text)
	}
	return p.advance(), nil
}

// binding power table, highest binds tightest. Mirrors FHIRPath's published
// operator precedence (implies lowest, '.' / indexer highest, handled
// outside this table by parsePostfix).
var infixPrec = map[string]int{
	"implies": 1,
	"or":      2, "xor": 2,
	"and": 3,
	"in": 4, "contains": 4,
	"is": 5, "as": 5,
	"=": 6, "!=": 6, "~": 6, "!~": 6,
	"<": 7, "<=": 7, ">": 7, ">=": 7,
	"|": 8,
	"+": 9, "-": 9, "&": 9,
	"*": 10, "/": 10, "div": 10, "mod": 10,
}

func (p *parser) parseExpression(minPrec int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			break
		}
		prec, ok := infixPrec[t.text]
		if !ok || prec < minPrec {
			break
		}
		op := p.advance().text
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = BinaryNode{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryNode{Op: t.text, Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.advance()
			member, err := p.expectMemberName()
			if err != nil {
				return nil, err
			}
			if p.peek().kind == tokLParen {
				args, err := p.parseArgList()
				if err != nil {
					return nil, err
				}
				n = FunctionCallNode{Target: n, Name: member, Args: args}
			} else {
				n = InvocationNode{Target: n, Member: member}
			}
		case tokLBracket:
			p.advance()
			idx, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return nil, err
			}
			n = IndexerNode{Target: n, Index: idx}
		default:
			return n, nil
		}
	}
}

func (p *parser) expectMemberName() (string, error) {
	t := p.peek()
	switch t.kind {
	case tokIdent, tokDelimIdent:
		p.advance()
		return t.text, nil
	case tokOp:
		// keywords usable as member names after '.', e.g. `Observation.as`.
		p.advance()
		return t.text, nil
	}
	return "", fmt.Errorf("fhirpath: expected member name at %d, got %q", t.pos, t.text)
}

func (p *parser) parseArgList() ([]Node, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	var args []Node
	if p.peek().kind == tokRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind == tokComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.advance()
		n, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return n, nil
	case tokLBrace:
		p.advance()
		if _, err := p.expect(tokRBrace, "}"); err != nil {
			return nil, err
		}
		return LiteralNode{Value: Value{Kind: KindEmpty}}, nil
	case tokNumber:
		p.advance()
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("fhirpath: bad number literal %q: %w", t.text, err)
		}
		if !strings.Contains(t.text, ".") {
			if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
				return LiteralNode{Value: Int(i)}, nil
			}
		}
		return LiteralNode{Value: Dec(d)}, nil
	case tokString:
		p.advance()
		return LiteralNode{Value: Str(t.text)}, nil
	case tokDateTime:
		p.advance()
		v, err := parseTemporalLiteral(t.text, KindDateTime)
		if err != nil {
			return nil, err
		}
		return LiteralNode{Value: v}, nil
	case tokTime:
		p.advance()
		v, err := parseTemporalLiteral(strings.TrimPrefix(t.text, "T"), KindTime)
		if err != nil {
			return nil, err
		}
		return LiteralNode{Value: v}, nil
	case tokConstant:
		p.advance()
		return ExternalConstantNode{Name: t.text}, nil
	case tokDelimIdent:
		p.advance()
		return IdentifierNode{Name: t.text}, nil
	case tokIdent:
		p.advance()
		if t.text == "true" || t.text == "false" {
			return LiteralNode{Value: Bool(t.text == "true")}, nil
		}
		if p.peek().kind == tokLParen {
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			return FunctionCallNode{Target: nil, Name: t.text, Args: args}, nil
		}
		return IdentifierNode{Name: t.text}, nil
	case tokOp:
		// `contains`/`in`/`is`/`as` can't start a primary; surface a clear error.
		return nil, fmt.Errorf("fhirpath: unexpected operator %q at %d", t.text, t.pos)
	}
	return nil, fmt.Errorf("fhirpath: unexpected token %q at %d", t.text, t.pos)
}

// parseTemporalLiteral parses the subset of ISO-8601 FHIRPath accepts in
// @-literals, tracking precision so equality/comparison can apply the
// spec's partial-precision rules.
func parseTemporalLiteral(text string, kind ValueKind) (Value, error) {
	layouts := []struct {
		layout string
		prec   TemporalPrecision
		hasTZ  bool
	}{
		{"2006-01-02T15:04:05.000Z07:00", PrecisionMillisecond, true},
		{"2006-01-02T15:04:05Z07:00", PrecisionSecond, true},
		{"2006-01-02T15:04Z07:00", PrecisionMinute, true},
		{"2006-01-02T15:04:05.000", PrecisionMillisecond, false},
		{"2006-01-02T15:04:05", PrecisionSecond, false},
		{"2006-01-02T15:04", PrecisionMinute, false},
		{"2006-01-02T15", PrecisionHour, false},
		{"2006-01-02", PrecisionDay, false},
		{"2006-01", PrecisionMonth, false},
		{"2006", PrecisionYear, false},
		{"15:04:05.000", PrecisionMillisecond, false},
		{"15:04:05", PrecisionSecond, false},
		{"15:04", PrecisionMinute, false},
	}
	for _, l := range layouts {
		if tm, err := time.Parse(l.layout, text); err == nil {
			return Value{Kind: kind, Time: tm, Prec: l.prec, TZSet: l.hasTZ}, nil
		}
	}
	return Value{}, fmt.Errorf("fhirpath: unparseable temporal literal %q", text)
}

// ParseTemporal exposes the @-literal layout table to callers outside the
// package (the indexing pipeline needs it to turn a raw date/dateTime/instant
// JSON string into a precision-aware time.Time without duplicating the
// layout list).
func ParseTemporal(text string) (time.Time, TemporalPrecision, error) {
	v, err := parseTemporalLiteral(text, KindDateTime)
	if err != nil {
		return time.Time{}, 0, err
	}
	return v.Time, v.Prec, nil
}
