package serial

import (
	"math"
	"strconv"
	"strings"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindBigInt
	KindString
	KindArray
	KindMap
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBigInt:
		return "bigint"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindFunc:
		return "func"
	default:
		return "invalid"
	}
}

// Named float literals. Non-finite floats and negative zero never travel as
// numbers so that every wire format can carry them.
const (
	LitNaN     = "NaN"
	LitInf     = "Infinity"
	LitNegInf  = "-Infinity"
	LitNegZero = "-0"
)

// Value is one node of a serialized dependency.
//
// Lit holds the named literal of a special float, the decimal digits of a big
// integer, or the registered name of a function. Map entries are Keys[i] ->
// Elems[i], sorted by key.
type Value struct {
	Kind  Kind     `cbor:"1,keyasint" json:"k"`
	Bool  bool     `cbor:"2,keyasint,omitempty" json:"b,omitempty"`
	Int   int64    `cbor:"3,keyasint,omitempty" json:"i,omitempty"`
	Float float64  `cbor:"4,keyasint,omitempty" json:"f,omitempty"`
	Lit   string   `cbor:"5,keyasint,omitempty" json:"l,omitempty"`
	Str   string   `cbor:"6,keyasint,omitempty" json:"s,omitempty"`
	Elems []Value  `cbor:"7,keyasint,omitempty" json:"e,omitempty"`
	Keys  []string `cbor:"8,keyasint,omitempty" json:"m,omitempty"`
}

// Binding is a named dependency.
type Binding struct {
	Name  string `cbor:"1,keyasint" json:"name"`
	Value Value  `cbor:"2,keyasint" json:"value"`
}

// FloatValue returns the float held by a KindFloat value, resolving literals.
func (v Value) FloatValue() float64 {
	switch v.Lit {
	case LitNaN:
		return math.NaN()
	case LitInf:
		return math.Inf(1)
	case LitNegInf:
		return math.Inf(-1)
	case LitNegZero:
		return math.Copysign(0, -1)
	}
	return v.Float
}

// String renders v as a source-like literal: NaN and Infinity by name, big
// integers with an n suffix, strings quoted, functions by registered name.
func (v Value) String() string {
	var sb strings.Builder
	v.writeTo(&sb)
	return sb.String()
}

func (v Value) writeTo(sb *strings.Builder) {
	switch v.Kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.Bool))
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		if v.Lit != "" {
			sb.WriteString(v.Lit)
			return
		}
		s := strconv.FormatFloat(v.Float, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		sb.WriteString(s)
	case KindBigInt:
		sb.WriteString(v.Lit)
		sb.WriteByte('n')
	case KindString:
		sb.WriteString(strconv.Quote(v.Str))
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.writeTo(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range v.Keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteString(": ")
			v.Elems[i].writeTo(sb)
		}
		sb.WriteByte('}')
	case KindFunc:
		sb.WriteString(v.Lit)
	default:
		sb.WriteString("undefined")
	}
}
