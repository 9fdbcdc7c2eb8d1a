package indexing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ehr/internal/fhirerr"
	"github.com/ehr/ehr/internal/fhirpath"
)

// Extractor evaluates a SearchParameter's FHIRPath expression against a
// resource body and builds typed index rows, dispatching on the
// parameter's declared type.
type Extractor struct {
	Engine *fhirpath.Engine
}

func NewExtractor(fhirVersion string) *Extractor {
	return &Extractor{Engine: fhirpath.NewEngine(fhirVersion)}
}

// Extract evaluates param.Expression against body and returns the rows it
// yields, regardless of write strategy — callers compute entry_hash and
// persist.
func (x *Extractor) Extract(param SearchParameter, body map[string]interface{}, resolver fhirpath.Resolver) (ExtractedRows, error) {
	if param.Type == "composite" {
		return x.extractComposite(param, body, resolver)
	}

	results, err := x.Engine.Eval(param.Expression, fhirpath.EvalOptions{Resource: body, Resolver: resolver})
	if err != nil {
		return ExtractedRows{}, fhirerr.FHIRPath(fmt.Sprintf("evaluate %s expression %q: %v", param.Code, param.Expression, err))
	}

	var rows ExtractedRows
	for _, v := range results {
		if err := dispatchValue(param.Type, v, &rows); err != nil {
			return ExtractedRows{}, err
		}
	}
	return rows, nil
}

func dispatchValue(paramType string, v fhirpath.Value, rows *ExtractedRows) error {
	switch paramType {
	case "string":
		s, ok := scalarString(v)
		if !ok {
			return nil
		}
		rows.Strings = append(rows.Strings, StringRow{Value: s, ValueNorm: normalizeString(s)})
	case "token":
		extractToken(v, rows)
	case "date":
		if r, ok := extractDate(v); ok {
			rows.Dates = append(rows.Dates, r)
		}
	case "number":
		if s, ok := scalarString(v); ok {
			rows.Numbers = append(rows.Numbers, NumberRow{Value: s})
		}
	case "quantity":
		if r, ok := extractQuantity(v); ok {
			rows.Quantities = append(rows.Quantities, r)
		}
	case "reference":
		if r, ok := extractReference(v); ok {
			rows.References = append(rows.References, r)
		}
	case "uri":
		if s, ok := scalarString(v); ok {
			rows.URIs = append(rows.URIs, URIRow{Value: s, ValueNorm: normalizeURI(s)})
		}
	case "special":
		// narrative/full-resource text extraction (_text, _content);
		// the caller passes the already-rendered text as a plain string
		// result of the expression (e.g. `text.div`).
		if s, ok := scalarString(v); ok {
			rows.Texts = append(rows.Texts, TextRow{Content: s})
		}
	}
	return nil
}

func (x *Extractor) extractComposite(param SearchParameter, body map[string]interface{}, resolver fhirpath.Resolver) (ExtractedRows, error) {
	// Composite parameters correlate components positionally within each
	// match of the parameter's own expression (e.g. each
	// Observation.component for component-code & component-value-quantity).
	roots, err := x.Engine.Eval(param.Expression, fhirpath.EvalOptions{Resource: body, Resolver: resolver})
	if err != nil {
		return ExtractedRows{}, fhirerr.FHIRPath(fmt.Sprintf("evaluate composite %s expression %q: %v", param.Code, param.Expression, err))
	}

	var rows ExtractedRows
	for _, root := range roots {
		rootBody, ok := root.Raw().(map[string]interface{})
		if !ok {
			continue
		}
		tuple := make([]interface{}, len(param.Components))
		complete := true
		for _, comp := range param.Components {
			vals, err := x.Engine.Eval(comp.ComponentPath, fhirpath.EvalOptions{Resource: rootBody, Resolver: resolver})
			if err != nil {
				return ExtractedRows{}, fhirerr.FHIRPath(fmt.Sprintf("evaluate composite component %q: %v", comp.ComponentPath, err))
			}
			if len(vals) == 0 {
				complete = false
				break
			}
			var sub ExtractedRows
			if err := dispatchValue(comp.ComponentType, vals[0], &sub); err != nil {
				return ExtractedRows{}, err
			}
			tuple[comp.Position] = componentTupleValue(comp.ComponentType, sub)
		}
		if complete {
			rows.Composites = append(rows.Composites, CompositeRow{Components: tuple})
		}
	}
	return rows, nil
}

func componentTupleValue(componentType string, rows ExtractedRows) interface{} {
	switch componentType {
	case "token":
		if len(rows.Tokens) > 0 {
			return rows.Tokens[0]
		}
	case "quantity":
		if len(rows.Quantities) > 0 {
			return rows.Quantities[0]
		}
	case "number":
		if len(rows.Numbers) > 0 {
			return rows.Numbers[0]
		}
	case "date":
		if len(rows.Dates) > 0 {
			return rows.Dates[0]
		}
	case "string":
		if len(rows.Strings) > 0 {
			return rows.Strings[0]
		}
	}
	return nil
}

// scalarString renders a Value as a FHIRPath-primitive string, unwrapping
// LazyJSON scalars and stringifying integers/decimals.
func scalarString(v fhirpath.Value) (string, bool) {
	return v.AsString()
}

func asMap(v fhirpath.Value) (map[string]interface{}, bool) {
	m, ok := v.Raw().(map[string]interface{})
	return m, ok
}

func mapString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// extractToken dispatches on the shape of v: a bare code, a Coding, a
// CodeableConcept (one row per coding), or an Identifier (plus a
// token-of-type row when .type is present).
func extractToken(v fhirpath.Value, rows *ExtractedRows) {
	if v.Kind == fhirpath.KindBoolean {
		code := "false"
		if v.Bool {
			code = "true"
		}
		rows.Tokens = append(rows.Tokens, TokenRow{Code: code, CodeCI: code})
		return
	}
	if s, ok := scalarString(v); ok {
		rows.Tokens = append(rows.Tokens, TokenRow{Code: s, CodeCI: strings.ToLower(s)})
		return
	}
	m, ok := asMap(v)
	if !ok {
		return
	}

	if codings, ok := m["coding"].([]interface{}); ok {
		// CodeableConcept: one row per coding.
		for _, c := range codings {
			if cm, ok := c.(map[string]interface{}); ok {
				addCodingRow(cm, rows)
			}
		}
		return
	}
	if _, hasSystem := m["system"]; hasSystem {
		if _, hasValue := m["value"]; hasValue {
			addIdentifierRow(m, rows)
			return
		}
	}
	if _, hasCode := m["code"]; hasCode {
		addCodingRow(m, rows)
		return
	}
	if _, hasValue := m["value"]; hasValue {
		addIdentifierRow(m, rows)
	}
}

func addCodingRow(m map[string]interface{}, rows *ExtractedRows) {
	system, code := mapString(m, "system"), mapString(m, "code")
	rows.Tokens = append(rows.Tokens, TokenRow{System: system, Code: code, CodeCI: strings.ToLower(code)})
}

func addIdentifierRow(m map[string]interface{}, rows *ExtractedRows) {
	system, value := mapString(m, "system"), mapString(m, "value")
	rows.Tokens = append(rows.Tokens, TokenRow{System: system, Code: value, CodeCI: strings.ToLower(value)})
	if typ, ok := m["type"].(map[string]interface{}); ok {
		if codings, ok := typ["coding"].([]interface{}); ok && len(codings) > 0 {
			if cm, ok := codings[0].(map[string]interface{}); ok {
				rows.TokenTypes = append(rows.TokenTypes, TokenTypeRow{
					TypeSystem: mapString(cm, "system"),
					TypeCode:   mapString(cm, "code"),
					Value:      value,
				})
			}
		}
	}
}

// extractDate builds a half-open interval from dateTime/date/instant
// (a point, widened to the precision's implicit range) or Period. Date
// elements arrive as plain JSON strings (KindLazyJSON), never pre-typed, so
// this always parses the raw text itself.
func extractDate(v fhirpath.Value) (DateRow, bool) {
	if m, ok := asMap(v); ok {
		if _, isPeriod := m["start"]; isPeriod {
			start, _ := parseFlexTime(mapString(m, "start"))
			endStr := mapString(m, "end")
			var end time.Time
			if endStr == "" {
				end = time.Unix(1<<62, 0) // open-ended upper bound
			} else {
				endVal, prec := parseFlexTime(endStr)
				end = widenByPrecision(endVal, prec)
			}
			return DateRow{Start: start.UTC().Format(time.RFC3339Nano), End: end.UTC().Format(time.RFC3339Nano)}, true
		}
		return DateRow{}, false
	}
	s, ok := scalarString(v)
	if !ok {
		return DateRow{}, false
	}
	start, prec := parseFlexTime(s)
	if start.IsZero() {
		return DateRow{}, false
	}
	end := widenByPrecision(start, prec)
	return DateRow{Start: start.UTC().Format(time.RFC3339Nano), End: end.UTC().Format(time.RFC3339Nano)}, true
}

func widenByPrecision(t time.Time, prec fhirpath.TemporalPrecision) time.Time {
	switch prec {
	case fhirpath.PrecisionYear:
		return t.AddDate(1, 0, 0)
	case fhirpath.PrecisionMonth:
		return t.AddDate(0, 1, 0)
	case fhirpath.PrecisionDay:
		return t.AddDate(0, 0, 1)
	case fhirpath.PrecisionHour:
		return t.Add(time.Hour)
	case fhirpath.PrecisionMinute:
		return t.Add(time.Minute)
	case fhirpath.PrecisionSecond:
		return t.Add(time.Second)
	default:
		return t.Add(time.Millisecond)
	}
}

func parseFlexTime(s string) (time.Time, fhirpath.TemporalPrecision) {
	if s == "" {
		return time.Time{}, fhirpath.PrecisionDay
	}
	t, prec, err := fhirpath.ParseTemporal(s)
	if err != nil {
		return time.Time{}, fhirpath.PrecisionDay
	}
	return t, prec
}

func extractQuantity(v fhirpath.Value) (QuantityRow, bool) {
	if v.Kind == fhirpath.KindQuantity {
		return QuantityRow{Value: v.Qty.Value.String(), System: v.Qty.System, Code: v.Qty.Code, Unit: v.Qty.Unit}, true
	}
	m, ok := asMap(v)
	if !ok {
		return QuantityRow{}, false
	}
	val, hasVal := m["value"]
	if !hasVal {
		return QuantityRow{}, false
	}
	f, ok := val.(float64)
	if !ok {
		return QuantityRow{}, false
	}
	return QuantityRow{
		Value:  strconv.FormatFloat(f, 'f', -1, 64),
		System: mapString(m, "system"),
		Code:   mapString(m, "code"),
		Unit:   mapString(m, "unit"),
	}, true
}

// extractReference parses a Reference element's .reference string into a
// kind/target tuple: "Patient/123" (literal), "#contained-id" (logical,
// within the same resource), "urn:uuid:..." (logical, same transaction),
// or an absolute/canonical URL.
func extractReference(v fhirpath.Value) (ReferenceRow, bool) {
	m, ok := asMap(v)
	if !ok {
		if s, ok := scalarString(v); ok {
			// canonical/url search parameters evaluate directly to a string.
			return ReferenceRow{Kind: "canonical", CanonicalURL: s}, true
		}
		return ReferenceRow{}, false
	}
	row := ReferenceRow{Display: mapString(m, "display")}
	ref := mapString(m, "reference")
	switch {
	case ref == "" && m["identifier"] != nil:
		row.Kind = "logical"
		return row, true
	case strings.HasPrefix(ref, "#"):
		row.Kind = "logical"
		row.TargetType = mapString(m, "type")
		row.TargetID = strings.TrimPrefix(ref, "#")
	case strings.HasPrefix(ref, "urn:uuid:") || strings.HasPrefix(ref, "urn:oid:"):
		row.Kind = "logical"
		row.TargetID = ref
	case strings.Contains(ref, "://"):
		row.Kind = "canonical"
		url, version := splitCanonicalVersion(ref)
		row.CanonicalURL, row.CanonicalVersion = url, version
		if t, id, v, ok := parseAbsoluteReference(ref); ok {
			row.Kind = "literal"
			row.TargetType, row.TargetID, row.TargetVersion = t, id, v
		}
	default:
		row.Kind = "literal"
		row.TargetType, row.TargetID = parseRelativeReference(ref)
	}
	return row, true
}

// parseRelativeReference splits "Patient/123" into ("Patient","123").
func parseRelativeReference(ref string) (resourceType, id string) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", ref
}

func splitCanonicalVersion(ref string) (url, version string) {
	if idx := strings.LastIndex(ref, "|"); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

// parseAbsoluteReference recognizes "http://host/fhir/Patient/123" shaped
// absolute URLs as literal references when the last two path segments look
// like a resource type and id.
func parseAbsoluteReference(ref string) (resourceType, id string, version *int, ok bool) {
	url, _ := splitCanonicalVersion(ref)
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	if len(parts) < 2 {
		return "", "", nil, false
	}
	last, prev := parts[len(parts)-1], parts[len(parts)-2]
	if last == "_history" || prev == "" {
		return "", "", nil, false
	}
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		v, err := strconv.Atoi(last)
		if err != nil {
			return "", "", nil, false
		}
		return parts[len(parts)-4], parts[len(parts)-3], &v, true
	}
	if isLikelyResourceTypeSegment(prev) {
		return prev, last, nil, true
	}
	return "", "", nil, false
}

func isLikelyResourceTypeSegment(s string) bool {
	if s == "" {
		return false
	}
	r := s[0]
	return r >= 'A' && r <= 'Z'
}

func normalizeURI(s string) string {
	return strings.TrimRight(s, "/")
}
