package fhirpath

import "strings"

// typeNameOf determines the FHIRPath type name of a materialized value,
// used by is/as/ofType. For LazyJSON objects this prefers an explicit
// TypeHint (set by choice-type navigation) and falls back to the node's
// own "resourceType" field for resources/backbone elements.
func typeNameOf(v Value) string {
	if v.TypeHint != "" {
		return v.TypeHint
	}
	switch v.Kind {
	case KindBoolean:
		return "Boolean"
	case KindInteger:
		return "Integer"
	case KindDecimal:
		return "Decimal"
	case KindString:
		return "String"
	case KindDate:
		return "Date"
	case KindDateTime:
		return "DateTime"
	case KindTime:
		return "Time"
	case KindQuantity:
		return "Quantity"
	case KindLazyJSON:
		if m, ok := v.Lazy.Node.(map[string]interface{}); ok {
			if rt, ok := m["resourceType"].(string); ok && rt != "" {
				return rt
			}
			return "object"
		}
		switch v.Lazy.Node.(type) {
		case string:
			return "String"
		case bool:
			return "Boolean"
		case float64:
			return "Decimal"
		}
	}
	return ""
}

func matchesTypeName(actual, wanted string) bool {
	if actual == wanted {
		return true
	}
	// System.* / FHIR.* namespace qualifiers are accepted unqualified too.
	wanted = strings.TrimPrefix(wanted, "System.")
	wanted = strings.TrimPrefix(wanted, "FHIR.")
	return actual == wanted
}

func evalIs(left, right Collection) (Collection, error) {
	v, ok, err := singleton(left)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	typeName, _, err := singleton(right)
	if err != nil {
		return nil, err
	}
	return Collection{Bool(matchesTypeName(typeNameOf(v), typeName.Str))}, nil
}

func evalAs(left, right Collection) (Collection, error) {
	v, ok, err := singleton(left)
	if err != nil || !ok {
		return nil, err
	}
	typeName, _, err := singleton(right)
	if err != nil {
		return nil, err
	}
	if matchesTypeName(typeNameOf(v), typeName.Str) {
		return Collection{v}, nil
	}
	return nil, nil
}

func filterOfType(c Collection, typeName string) Collection {
	var out Collection
	for _, v := range c {
		mv := materialize(v)
		if matchesTypeName(typeNameOf(mv), typeName) {
			out = append(out, mv)
		}
	}
	return out
}
