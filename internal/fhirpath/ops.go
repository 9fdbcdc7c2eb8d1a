package fhirpath

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func evalUnary(op string, operand Collection) (Collection, error) {
	v, ok, err := singleton(operand)
	if err != nil || !ok {
		return nil, err
	}
	switch op {
	case "-":
		switch v.Kind {
		case KindInteger:
			return Collection{Int(-v.Int)}, nil
		case KindDecimal:
			return Collection{Dec(v.Dec.Neg())}, nil
		}
		return nil, fmt.Errorf("fhirpath: unary '-' requires a number")
	case "+":
		return Collection{v}, nil
	}
	return nil, fmt.Errorf("fhirpath: unknown unary operator %q", op)
}

func evalBinary(op string, left, right Collection, e env) (Collection, error) {
	switch op {
	case "and":
		return Collection{Bool(threeValuedAnd(left, right))}, nil
	case "or":
		return Collection{Bool(threeValuedOr(left, right))}, nil
	case "xor":
		if len(left) == 0 || len(right) == 0 {
			return nil, nil
		}
		return Collection{Bool(left.ToBool() != right.ToBool())}, nil
	case "implies":
		if len(left) == 0 {
			if len(right) > 0 && right.ToBool() {
				return Collection{Bool(true)}, nil
			}
			return nil, nil
		}
		if !left.ToBool() {
			return Collection{Bool(true)}, nil
		}
		if len(right) == 0 {
			return nil, nil
		}
		return Collection{Bool(right.ToBool())}, nil
	case "|":
		return unionCollections(left, right), nil
	case "in":
		lv, ok, err := singleton(left)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{Bool(collectionContains(right, lv))}, nil
	case "contains":
		rv, ok, err := singleton(right)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{Bool(collectionContains(left, rv))}, nil
	case "is":
		return evalIs(left, right)
	case "as":
		return evalAs(left, right)
	case "=", "!=", "~", "!~":
		return evalEquality(op, left, right)
	case "<", "<=", ">", ">=":
		return evalComparison(op, left, right)
	case "+", "-", "*", "/", "div", "mod", "&":
		return evalArithmetic(op, left, right)
	}
	return nil, fmt.Errorf("fhirpath: unknown binary operator %q", op)
}

func threeValuedAnd(left, right Collection) bool {
	lEmpty, rEmpty := len(left) == 0, len(right) == 0
	lTrue := !lEmpty && left.ToBool()
	rTrue := !rEmpty && right.ToBool()
	if (!lEmpty && !lTrue) || (!rEmpty && !rTrue) {
		return false
	}
	return lTrue && rTrue
}

func threeValuedOr(left, right Collection) bool {
	lEmpty, rEmpty := len(left) == 0, len(right) == 0
	lTrue := !lEmpty && left.ToBool()
	rTrue := !rEmpty && right.ToBool()
	return lTrue || rTrue
}

func unionCollections(left, right Collection) Collection {
	seen := map[string]bool{}
	var out Collection
	add := func(c Collection) {
		for _, v := range c {
			key := valueIdentity(v)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	add(left)
	add(right)
	return out
}

func valueIdentity(v Value) string {
	v = materialize(v)
	s, ok := v.AsString()
	if ok {
		return fmt.Sprintf("%s:%s", v.Kind, s)
	}
	if v.Kind == KindLazyJSON {
		return fmt.Sprintf("lazy:%s", v.Lazy.Path)
	}
	return fmt.Sprintf("%v", v.Raw())
}

func collectionContains(c Collection, needle Value) bool {
	for _, v := range c {
		eq, ok := valuesEqual(v, needle)
		if ok && eq {
			return true
		}
	}
	return false
}

func evalEquality(op string, left, right Collection) (Collection, error) {
	if len(left) == 0 || len(right) == 0 {
		return nil, nil
	}
	if len(left) != len(right) {
		return Collection{Bool(op == "!=" || op == "!~")}, nil
	}
	allEq := true
	for i := range left {
		eq, ok := valuesEqual(left[i], right[i])
		if !ok {
			return nil, nil
		}
		if strings.Contains(op, "~") {
			eq = equivalent(left[i], right[i])
			ok = true
		}
		if !eq {
			allEq = false
		}
	}
	result := allEq
	if op == "!=" || op == "!~" {
		result = !allEq
	}
	return Collection{Bool(result)}, nil
}

func equivalent(a, b Value) bool {
	a, b = materialize(a), materialize(b)
	as, aok := a.AsString()
	bs, bok := b.AsString()
	if aok && bok {
		return strings.EqualFold(strings.TrimSpace(as), strings.TrimSpace(bs))
	}
	eq, _ := valuesEqual(a, b)
	return eq
}

func valuesEqual(a, b Value) (bool, bool) {
	a, b = materialize(a), materialize(b)
	if isNumeric(a) && isNumeric(b) {
		da, _ := toDecimal(a)
		db, _ := toDecimal(b)
		return da.Equal(db), true
	}
	if a.Kind != b.Kind {
		return false, true
	}
	switch a.Kind {
	case KindBoolean:
		return a.Bool == b.Bool, true
	case KindString:
		return a.Str == b.Str, true
	case KindDate, KindDateTime, KindTime:
		return compareTemporal(a, b) == 0, true
	default:
		return fmt.Sprintf("%v", a.Raw()) == fmt.Sprintf("%v", b.Raw()), true
	}
}

func isNumeric(v Value) bool { return v.Kind == KindInteger || v.Kind == KindDecimal }

func evalComparison(op string, left, right Collection) (Collection, error) {
	lv, ok, err := singleton(left)
	if err != nil || !ok {
		return nil, err
	}
	rv, ok, err := singleton(right)
	if err != nil || !ok {
		return nil, err
	}
	var cmp int
	switch {
	case isNumeric(lv) && isNumeric(rv):
		da, _ := toDecimal(lv)
		db, _ := toDecimal(rv)
		cmp = da.Cmp(db)
	case lv.Kind == KindString && rv.Kind == KindString:
		cmp = strings.Compare(lv.Str, rv.Str)
	case (lv.Kind == KindDate || lv.Kind == KindDateTime || lv.Kind == KindTime) && lv.Kind == rv.Kind:
		cmp = compareTemporal(lv, rv)
	default:
		return nil, fmt.Errorf("fhirpath: cannot compare %s and %s", lv.Kind, rv.Kind)
	}
	var result bool
	switch op {
	case "<":
		result = cmp < 0
	case "<=":
		result = cmp <= 0
	case ">":
		result = cmp > 0
	case ">=":
		result = cmp >= 0
	}
	return Collection{Bool(result)}, nil
}

func compareTemporal(a, b Value) int {
	if a.Time.Before(b.Time) {
		return -1
	}
	if a.Time.After(b.Time) {
		return 1
	}
	return 0
}

func evalArithmetic(op string, left, right Collection) (Collection, error) {
	lv, ok, err := singleton(left)
	if err != nil || !ok {
		return nil, err
	}
	rv, ok, err := singleton(right)
	if err != nil || !ok {
		return nil, err
	}
	if op == "&" {
		ls, _ := lv.AsString()
		rs, _ := rv.AsString()
		return Collection{Str(ls + rs)}, nil
	}
	if lv.Kind == KindString && rv.Kind == KindString && op == "+" {
		return Collection{Str(lv.Str + rv.Str)}, nil
	}
	da, aok := toDecimal(lv)
	db, bok := toDecimal(rv)
	if !aok || !bok {
		return nil, fmt.Errorf("fhirpath: arithmetic operator %q requires numeric operands", op)
	}
	bothInt := lv.Kind == KindInteger && rv.Kind == KindInteger
	switch op {
	case "+":
		return Collection{numericResult(da.Add(db), bothInt)}, nil
	case "-":
		return Collection{numericResult(da.Sub(db), bothInt)}, nil
	case "*":
		return Collection{numericResult(da.Mul(db), bothInt)}, nil
	case "/":
		if db.IsZero() {
			return nil, nil
		}
		return Collection{Dec(da.DivRound(db, 8))}, nil
	case "div":
		if db.IsZero() {
			return nil, nil
		}
		q := da.Div(db).Truncate(0)
		return Collection{numericResult(q, true)}, nil
	case "mod":
		if db.IsZero() {
			return nil, nil
		}
		q := da.Div(db).Truncate(0)
		rem := da.Sub(q.Mul(db))
		return Collection{numericResult(rem, bothInt)}, nil
	}
	return nil, fmt.Errorf("fhirpath: unknown arithmetic operator %q", op)
}

func numericResult(d decimal.Decimal, asInt bool) Value {
	if asInt && d.IsInteger() {
		return Int(d.IntPart())
	}
	return Dec(d)
}
