// Package search implements the Search Engine: turns parsed query
// parameters into SQL against the generic sp_*_idx tables and executes
// them as a paginated, sorted resource-identity lookup.
package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Prefix is a FHIR search value prefix for ordered parameter types.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

// Modifier is a FHIR search parameter modifier (":exact", ":missing", ...).
type Modifier string

const (
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierText     Modifier = "text"
	ModifierNot      Modifier = "not"
	ModifierAbove    Modifier = "above"
	ModifierBelow    Modifier = "below"
	ModifierIn       Modifier = "in"
	ModifierMissing  Modifier = "missing"
	ModifierOfType   Modifier = "of-type"
	ModifierIdentifier Modifier = "identifier"
)

// ParsedValue splits a raw search value into its prefix and remainder.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"); "100" -> (eq, "100").
type ParsedValue struct {
	Prefix Prefix
	Value  string
}

func ParseValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		switch p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedValue{Prefix: p, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits "name:exact" into ("name", "exact").
func ParseParamModifier(name string) (string, Modifier) {
	parts := strings.SplitN(name, ":", 2)
	if len(parts) == 2 {
		return parts[0], Modifier(parts[1])
	}
	return parts[0], ""
}

// Clause is one SQL fragment plus its positional arguments, built against
// a caller-supplied starting arg index so clauses compose into one query.
type Clause struct {
	SQL  string
	Args []interface{}
}

// paramType mirrors indexing.SearchParameter.Type without importing the
// indexing package (search only needs the type tag, not extraction).
type ParamType string

const (
	TypeString   ParamType = "string"
	TypeToken    ParamType = "token"
	TypeDate     ParamType = "date"
	TypeNumber   ParamType = "number"
	TypeQuantity ParamType = "quantity"
	TypeReference ParamType = "reference"
	TypeURI      ParamType = "uri"
	TypeComposite ParamType = "composite"
	TypeSpecial  ParamType = "special"
)

// tableFor returns the sp_*_idx table backing a parameter type.
func tableFor(t ParamType) string {
	switch t {
	case TypeString:
		return "sp_string_idx"
	case TypeToken:
		return "sp_token_idx"
	case TypeDate:
		return "sp_date_idx"
	case TypeNumber:
		return "sp_number_idx"
	case TypeQuantity:
		return "sp_quantity_idx"
	case TypeReference:
		return "sp_reference_idx"
	case TypeURI:
		return "sp_uri_idx"
	case TypeComposite:
		return "sp_composite_idx"
	default:
		return ""
	}
}

// BuildParamSubquery builds `(resource_type, id) IN (SELECT ... FROM sp_x_idx ...)`
// style subqueries for one instance of a repeated query parameter (FHIR
// ANDs across repeated parameter names and ORs across comma-separated
// values within one instance). argIdx is the next free positional
// placeholder; the returned Clause's Args must be appended in order.
func BuildParamSubquery(t ParamType, resourceType, code string, rawValues []string, modifier Modifier, argIdx int) (Clause, int, error) {
	table := tableFor(t)
	if table == "" {
		return Clause{}, argIdx, fmt.Errorf("search: no index table for parameter type %q", t)
	}

	resourceTypeArg := argIdx
	codeArg := argIdx + 1
	argIdx += 2

	var orClauses []string
	var args []interface{}
	for _, raw := range rawValues {
		var c Clause
		var err error
		switch t {
		case TypeString:
			c, argIdx, err = stringClause(raw, modifier, argIdx)
		case TypeToken:
			c, argIdx, err = tokenClause(raw, modifier, argIdx)
		case TypeDate:
			c, argIdx, err = dateClause(raw, argIdx)
		case TypeNumber:
			c, argIdx, err = numberClause(raw, argIdx)
		case TypeQuantity:
			c, argIdx, err = quantityClause(raw, argIdx)
		case TypeReference:
			c, argIdx, err = referenceClause(raw, argIdx)
		case TypeURI:
			c, argIdx, err = uriClause(raw, argIdx)
		}
		if err != nil {
			return Clause{}, argIdx, err
		}
		orClauses = append(orClauses, c.SQL)
		args = append(args, c.Args...)
	}

	args = append([]interface{}{resourceType, code}, args...)

	sql := fmt.Sprintf(`(resource_type, id) IN (
		SELECT resource_type, id FROM %s
		WHERE resource_type = $%d AND param_code = $%d AND (%s)
	)`, table, resourceTypeArg, codeArg, strings.Join(orClauses, " OR "))

	if modifier == ModifierNot {
		sql = "NOT " + sql
	}

	return Clause{SQL: sql, Args: args}, argIdx, nil
}

func stringClause(value string, modifier Modifier, argIdx int) (Clause, int, error) {
	normalized := normalizeForCompare(value)
	switch modifier {
	case ModifierExact:
		return Clause{SQL: fmt.Sprintf("value = $%d", argIdx), Args: []interface{}{value}}, argIdx + 1, nil
	case ModifierContains:
		return Clause{SQL: fmt.Sprintf("value_norm LIKE $%d", argIdx), Args: []interface{}{"%" + normalized + "%"}}, argIdx + 1, nil
	default:
		return Clause{SQL: fmt.Sprintf("value_norm LIKE $%d", argIdx), Args: []interface{}{normalized + "%"}}, argIdx + 1, nil
	}
}

func tokenClause(value string, modifier Modifier, argIdx int) (Clause, int, error) {
	system, code, hasSystem := splitTokenValue(value)
	var sql string
	var args []interface{}
	switch {
	case hasSystem && system != "" && code != "":
		sql = fmt.Sprintf("(system = $%d AND code = $%d)", argIdx, argIdx+1)
		args = []interface{}{system, code}
		argIdx += 2
	case hasSystem && system != "":
		sql = fmt.Sprintf("system = $%d", argIdx)
		args = []interface{}{system}
		argIdx++
	case modifier == ModifierText:
		sql = fmt.Sprintf("code_ci LIKE $%d", argIdx)
		args = []interface{}{"%" + strings.ToLower(code) + "%"}
		argIdx++
	default:
		sql = fmt.Sprintf("code = $%d", argIdx)
		args = []interface{}{code}
		argIdx++
	}
	return Clause{SQL: sql, Args: args}, argIdx, nil
}

func splitTokenValue(value string) (system, code string, hasSystem bool) {
	if idx := strings.Index(value, "|"); idx >= 0 {
		return value[:idx], value[idx+1:], true
	}
	return "", value, false
}

func dateClause(raw string, argIdx int) (Clause, int, error) {
	parsed := ParseValue(raw)
	t, prec, err := parseFlexDate(parsed.Value)
	if err != nil {
		return Clause{}, argIdx, fmt.Errorf("search: invalid date value %q: %w", raw, err)
	}
	end := widenByPrecision(t, prec)

	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		return Clause{SQL: fmt.Sprintf("period_start >= $%d", argIdx), Args: []interface{}{end}}, argIdx + 1, nil
	case PrefixLt, PrefixEb:
		return Clause{SQL: fmt.Sprintf("period_end <= $%d", argIdx), Args: []interface{}{t}}, argIdx + 1, nil
	case PrefixGe:
		return Clause{SQL: fmt.Sprintf("period_end > $%d", argIdx), Args: []interface{}{t}}, argIdx + 1, nil
	case PrefixLe:
		return Clause{SQL: fmt.Sprintf("period_start < $%d", argIdx), Args: []interface{}{end}}, argIdx + 1, nil
	case PrefixNe:
		return Clause{SQL: fmt.Sprintf("NOT (period_start < $%d AND period_end > $%d)", argIdx+1, argIdx), Args: []interface{}{t, end}}, argIdx + 2, nil
	case PrefixAp:
		margin := end.Sub(t) / 10
		if margin < 24*time.Hour {
			margin = 24 * time.Hour
		}
		return Clause{SQL: fmt.Sprintf("period_start < $%d AND period_end > $%d", argIdx, argIdx+1), Args: []interface{}{end.Add(margin), t.Add(-margin)}}, argIdx + 2, nil
	default: // eq: the stored interval must fall within the search value's own interval
		return Clause{SQL: fmt.Sprintf("period_start >= $%d AND period_end <= $%d", argIdx, argIdx+1), Args: []interface{}{t, end}}, argIdx + 2, nil
	}
}

func numberClause(raw string, argIdx int) (Clause, int, error) {
	parsed := ParseValue(raw)
	if _, err := strconv.ParseFloat(parsed.Value, 64); err != nil {
		return Clause{}, argIdx, fmt.Errorf("search: invalid number value %q: %w", raw, err)
	}
	op := prefixOp(parsed.Prefix)
	return Clause{SQL: fmt.Sprintf("value %s $%d", op, argIdx), Args: []interface{}{parsed.Value}}, argIdx + 1, nil
}

func quantityClause(raw string, argIdx int) (Clause, int, error) {
	// value[|system|code]
	parts := strings.SplitN(raw, "|", 3)
	parsed := ParseValue(parts[0])
	if _, err := strconv.ParseFloat(parsed.Value, 64); err != nil {
		return Clause{}, argIdx, fmt.Errorf("search: invalid quantity value %q: %w", raw, err)
	}
	op := prefixOp(parsed.Prefix)
	sql := fmt.Sprintf("value %s $%d", op, argIdx)
	args := []interface{}{parsed.Value}
	argIdx++
	if len(parts) >= 3 && parts[1] != "" {
		sql += fmt.Sprintf(" AND system = $%d", argIdx)
		args = append(args, parts[1])
		argIdx++
	}
	if len(parts) >= 2 && parts[len(parts)-1] != "" && parts[len(parts)-1] != parsed.Value {
		sql += fmt.Sprintf(" AND code = $%d", argIdx)
		args = append(args, parts[len(parts)-1])
		argIdx++
	}
	return Clause{SQL: sql, Args: args}, argIdx, nil
}

func prefixOp(p Prefix) string {
	switch p {
	case PrefixGt, PrefixSa:
		return ">"
	case PrefixLt, PrefixEb:
		return "<"
	case PrefixGe:
		return ">="
	case PrefixLe:
		return "<="
	case PrefixNe:
		return "!="
	default:
		return "="
	}
}

func referenceClause(raw string, argIdx int) (Clause, int, error) {
	targetType, targetID := splitReferenceValue(raw)
	if targetType == "" {
		return Clause{SQL: fmt.Sprintf("target_id = $%d", argIdx), Args: []interface{}{targetID}}, argIdx + 1, nil
	}
	return Clause{
		SQL:  fmt.Sprintf("(target_type = $%d AND target_id = $%d)", argIdx, argIdx+1),
		Args: []interface{}{targetType, targetID},
	}, argIdx + 2, nil
}

func splitReferenceValue(raw string) (resourceType, id string) {
	if strings.Contains(raw, "://") {
		return "", raw
	}
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return "", raw
}

func uriClause(raw string, argIdx int) (Clause, int, error) {
	return Clause{SQL: fmt.Sprintf("value_norm = $%d", argIdx), Args: []interface{}{strings.TrimRight(raw, "/")}}, argIdx + 1, nil
}

func normalizeForCompare(s string) string {
	return strings.ToLower(s)
}

func parseFlexDate(s string) (time.Time, TemporalPrecision, error) {
	layouts := []struct {
		layout string
		prec   TemporalPrecision
	}{
		{"2006-01-02T15:04:05.000Z07:00", PrecisionMillisecond},
		{"2006-01-02T15:04:05Z07:00", PrecisionSecond},
		{"2006-01-02T15:04Z07:00", PrecisionMinute},
		{"2006-01-02T15:04:05", PrecisionSecond},
		{"2006-01-02T15:04", PrecisionMinute},
		{"2006-01-02", PrecisionDay},
		{"2006-01", PrecisionMonth},
		{"2006", PrecisionYear},
	}
	for _, l := range layouts {
		if t, err := time.Parse(l.layout, s); err == nil {
			return t, l.prec, nil
		}
	}
	return time.Time{}, 0, fmt.Errorf("unparseable date %q", s)
}

// TemporalPrecision mirrors fhirpath.TemporalPrecision's granularity without
// importing the fhirpath package into search's query-building surface.
type TemporalPrecision int

const (
	PrecisionYear TemporalPrecision = iota
	PrecisionMonth
	PrecisionDay
	PrecisionHour
	PrecisionMinute
	PrecisionSecond
	PrecisionMillisecond
)

func widenByPrecision(t time.Time, prec TemporalPrecision) time.Time {
	switch prec {
	case PrecisionYear:
		return t.AddDate(1, 0, 0)
	case PrecisionMonth:
		return t.AddDate(0, 1, 0)
	case PrecisionDay:
		return t.AddDate(0, 0, 1)
	case PrecisionHour:
		return t.Add(time.Hour)
	case PrecisionMinute:
		return t.Add(time.Minute)
	case PrecisionSecond:
		return t.Add(time.Second)
	default:
		return t.Add(time.Millisecond)
	}
}
