package fhirpath

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// materialize resolves a Value to its concrete scalar/object form,
// collapsing LazyJSON leaves (string/bool/number) into typed Values so
// arithmetic and comparison don't need to special-case the lazy path.
func materialize(v Value) Value {
	if v.Kind != KindLazyJSON {
		return v
	}
	switch n := v.Lazy.Node.(type) {
	case string:
		return Str(n)
	case bool:
		return Bool(n)
	case float64:
		return numberValue(n)
	default:
		return v
	}
}

// toDecimal coerces a numeric Value (Integer or Decimal) to decimal.Decimal.
func toDecimal(v Value) (decimal.Decimal, bool) {
	v = materialize(v)
	switch v.Kind {
	case KindInteger:
		return decimal.NewFromInt(v.Int), true
	case KindDecimal:
		return v.Dec, true
	default:
		return decimal.Decimal{}, false
	}
}

// singleton extracts the single item from a collection per FHIRPath's
// implicit singleton-evaluation rule; returns an error for collections with
// more than one item, per the spec's strict-failure-mode requirement.
func singleton(c Collection) (Value, bool, error) {
	switch len(c) {
	case 0:
		return Value{}, false, nil
	case 1:
		return materialize(c[0]), true, nil
	default:
		return Value{}, false, fmt.Errorf("fhirpath: expected singleton collection, got %d items", len(c))
	}
}
