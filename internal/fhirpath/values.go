package fhirpath

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValueKind tags the dynamic type carried by a Value, mirroring the FHIRPath
// type system.
type ValueKind int

const (
	KindEmpty ValueKind = iota
	KindBoolean
	KindInteger
	KindDecimal
	KindString
	KindDate
	KindDateTime
	KindTime
	KindQuantity
	KindObject
	KindLazyJSON
)

func (k ValueKind) String() string {
	switch k {
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
	case KindObject:
		return "Object"
	case KindLazyJSON:
		return "LazyJSON"
	default:
		return "Empty"
	}
}

// TemporalPrecision records how much of a Date/DateTime/Time literal was
// actually specified, since FHIRPath comparison and equality rules depend on
// precision alignment.
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

// Quantity is a decimal magnitude with a UCUM unit or code.
type Quantity struct {
	Value decimal.Decimal
	Unit  string
	// System is the unit system URI (typically UCUM); Code is the coded
	// unit as it appears in the resource (may differ from Unit's display).
	System string
	Code   string
}

// LazyRef is a zero-copy pointer into the original JSON document: Node is
// whatever map[string]interface{}/[]interface{}/scalar sits at Path. Path is
// kept purely for diagnostics and for choice-type resolution bookkeeping.
type LazyRef struct {
	Node interface{}
	Path string
}

// Object is a materialized field->Collection map, produced when navigation
// needs to synthesize a value rather than reference raw JSON (e.g. the
// result of toQuantity(), or a constructed closure '$this' rebind target
// that the caller has already partially evaluated).
type Object map[string]Collection

// Value is a single FHIRPath value. Exactly one of the typed fields is
// meaningful, selected by Kind; Obj/Lazy are pointers-by-reference so
// navigation stays zero-copy for the common case (LazyJSON).
type Value struct {
	Kind ValueKind

	Bool   bool
	Int    int64
	Dec    decimal.Decimal
	Str    string
	Time   time.Time
	Prec   TemporalPrecision
	TZSet  bool
	Qty    Quantity
	Obj    Object
	Lazy   LazyRef

	// TypeHint carries the StructureDefinition-declared or path-inferred
	// type name for this value when known (e.g. "Quantity", "CodeableConcept",
	// "Patient"), used by is/as/ofType when structural typing is ambiguous.
	TypeHint string
}

// Collection is the FHIRPath evaluation unit: an ordered list of Values.
// Most operators work item-wise or singleton-check their input collection.
type Collection []Value

func Empty() Collection { return nil }

func Bool(b bool) Value    { return Value{Kind: KindBoolean, Bool: b} }
func Int(i int64) Value    { return Value{Kind: KindInteger, Int: i} }
func Str(s string) Value   { return Value{Kind: KindString, Str: s} }
func Dec(d decimal.Decimal) Value { return Value{Kind: KindDecimal, Dec: d} }

func Lazy(node interface{}, path string) Value {
	return Value{Kind: KindLazyJSON, Lazy: LazyRef{Node: node, Path: path}}
}

// Raw unwraps a Value back to a plain Go value for embedding into index rows
// or JSON responses — it materializes LazyJSON nodes as-is.
func (v Value) Raw() interface{} {
	switch v.Kind {
	case KindEmpty:
		return nil
	case KindBoolean:
		return v.Bool
	case KindInteger:
		return v.Int
	case KindDecimal:
		return v.Dec
	case KindString:
		return v.Str
	case KindDate, KindDateTime, KindTime:
		return v.Time
	case KindQuantity:
		return v.Qty
	case KindLazyJSON:
		return v.Lazy.Node
	case KindObject:
		return v.Obj
	default:
		return nil
	}
}

// AsString renders a Value the way FHIRPath's implicit string conversion
// does for simple types; returns ("", false) for structured kinds.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case KindString:
		return v.Str, true
	case KindBoolean:
		if v.Bool {
			return "true", true
		}
		return "false", true
	case KindInteger:
		return fmt.Sprintf("%d", v.Int), true
	case KindDecimal:
		return v.Dec.String(), true
	case KindLazyJSON:
		if s, ok := v.Lazy.Node.(string); ok {
			return s, true
		}
		return "", false
	default:
		return "", false
	}
}

// ToBool applies FHIRPath singleton-evaluation-to-boolean rules.
func (c Collection) ToBool() bool {
	switch len(c) {
	case 0:
		return false
	case 1:
		v := c[0]
		if v.Kind == KindBoolean {
			return v.Bool
		}
		return true
	default:
		return true
	}
}
