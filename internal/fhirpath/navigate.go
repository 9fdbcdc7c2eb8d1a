package fhirpath

import "strings"

// choiceTypeSuffixes lists the concrete type suffixes FHIR appends to a
// choice ("[x]") element's JSON key, in the order navigate() tries them.
// This is the standard R4/R4B/R5 choice-type list (primitives first, since
// they're overwhelmingly the common case in practice).
var choiceTypeSuffixes = []string{
	"Boolean", "Integer", "Decimal", "String", "Uri", "Url", "Canonical",
	"Base64Binary", "Instant", "Date", "DateTime", "Time", "Code", "Oid",
	"Id", "Markdown", "UnsignedInt", "PositiveInt", "Uuid",
	"Quantity", "CodeableConcept", "Coding", "Identifier", "Reference",
	"Period", "Range", "Ratio", "SampledData", "Signature", "HumanName",
	"Address", "ContactPoint", "Timing", "Age", "Distance", "Duration",
	"Count", "Money", "Annotation", "Attachment", "Meta",
	"Dosage", "Expression", "ParameterDefinition", "ContactDetail",
	"Contributor", "DataRequirement", "RelatedArtifact", "TriggerDefinition",
	"UsageContext", "Extension",
}

// navigateCollection applies a single '.member' step to every item in c,
// flattening results per FHIRPath's navigation rules. LazyJSON items are
// walked directly against the underlying map/slice; Object items consult
// their materialized field map.
func navigateCollection(c Collection, member string) Collection {
	var out Collection
	for _, v := range c {
		out = append(out, navigateValue(v, member)...)
	}
	return out
}

func navigateValue(v Value, member string) Collection {
	switch v.Kind {
	case KindObject:
		if col, ok := v.Obj[member]; ok {
			return col
		}
		return nil
	case KindLazyJSON:
		return navigateLazyNode(v.Lazy.Node, v.Lazy.Path, member)
	default:
		return nil
	}
}

func navigateLazyNode(node interface{}, path, member string) Collection {
	switch n := node.(type) {
	case map[string]interface{}:
		if raw, ok := n[member]; ok {
			return wrapJSON(raw, path+"."+member)
		}
		// choice-type ([x]) expansion: field name is the base name without
		// the type suffix, e.g. "value" -> "valueQuantity".
		for _, suffix := range choiceTypeSuffixes {
			key := member + suffix
			if raw, ok := n[key]; ok {
				return wrapJSONTyped(raw, path+"."+key, suffix)
			}
		}
		return nil
	case []interface{}:
		var out Collection
		for idx, item := range n {
			out = append(out, navigateLazyNode(item, pathIndex(path, idx), member)...)
		}
		return out
	default:
		return nil
	}
}

func pathIndex(path string, idx int) string {
	var sb strings.Builder
	sb.WriteString(path)
	sb.WriteByte('[')
	sb.WriteString(itoaSmall(idx))
	sb.WriteByte(']')
	return sb.String()
}

func itoaSmall(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// wrapJSON turns a raw decoded JSON value (map/slice/scalar) into a
// Collection of Values, flattening arrays to one item per element per
// FHIRPath collection semantics.
func wrapJSON(raw interface{}, path string) Collection {
	return wrapJSONTyped(raw, path, "")
}

func wrapJSONTyped(raw interface{}, path, typeHint string) Collection {
	switch t := raw.(type) {
	case nil:
		return nil
	case []interface{}:
		var out Collection
		for idx, item := range t {
			out = append(out, wrapJSONTyped(item, pathIndex(path, idx), typeHint)...)
		}
		return out
	case map[string]interface{}:
		return Collection{{Kind: KindLazyJSON, Lazy: LazyRef{Node: t, Path: path}, TypeHint: typeHint}}
	case string:
		return Collection{Lazy(t, path)}
	case bool:
		return Collection{Bool(t)}
	case float64:
		return Collection{numberValue(t)}
	default:
		return Collection{Lazy(t, path)}
	}
}

func numberValue(f float64) Value {
	if f == float64(int64(f)) {
		return Int(int64(f))
	}
	return Dec(decimalFromFloat(f))
}
