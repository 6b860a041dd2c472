package serial

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
)

// maxDepth bounds nesting; it also stops self-referencing maps.
const maxDepth = 64

// FuncNamer maps a function value to its registered name.
type FuncNamer interface {
	NameOf(fn any) (string, bool)
}

// FuncResolver maps a registered name back to a function value.
type FuncResolver interface {
	Resolve(name string) (any, bool)
}

var bigIntType = reflect.TypeOf(big.Int{})

// Encode serializes a single dependency value. funcs may be nil when no
// function values are expected.
func Encode(name string, v any, funcs FuncNamer) (Value, error) {
	e := encoder{name: name, funcs: funcs}
	return e.encode(reflect.ValueOf(v), "$", 0)
}

// EncodeAll serializes dependencies in order. Names must be unique and
// non-empty.
func EncodeAll(deps []Dependency, funcs FuncNamer) ([]Binding, error) {
	seen := make(map[string]struct{}, len(deps))
	out := make([]Binding, 0, len(deps))
	for _, d := range deps {
		if d.Name == "" {
			return nil, &api.Error{Kind: api.KindSerialization, Msg: "dependency with empty name"}
		}
		if _, dup := seen[d.Name]; dup {
			return nil, &api.Error{Kind: api.KindSerialization, Op: d.Name, Msg: "duplicate dependency"}
		}
		seen[d.Name] = struct{}{}
		v, err := Encode(d.Name, d.Value, funcs)
		if err != nil {
			return nil, err
		}
		out = append(out, Binding{Name: d.Name, Value: v})
	}
	return out, nil
}

// Dependency is a named constant the embedding application hands to every unit.
type Dependency struct {
	Name  string
	Value any
}

type encoder struct {
	name  string
	funcs FuncNamer
}

func (e encoder) fail(path string, format string, a ...any) error {
	return &api.Error{Kind: api.KindSerialization, Op: e.name, Msg: fmt.Sprintf("at %s: ", path) + fmt.Sprintf(format, a...)}
}

func (e encoder) encode(rv reflect.Value, path string, depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, e.fail(path, "nesting deeper than %d", maxDepth)
	}
	if !rv.IsValid() {
		return Value{Kind: KindNull}, nil
	}
	if rv.Type() == bigIntType {
		b := rv.Interface().(big.Int)
		return bigValue(&b), nil
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return Value{Kind: KindNull}, nil
		}
		return e.encode(rv.Elem(), path, depth)
	case reflect.Pointer:
		if rv.Type().Elem() == bigIntType {
			if rv.IsNil() {
				return Value{Kind: KindNull}, nil
			}
			return bigValue(rv.Interface().(*big.Int)), nil
		}
		return Value{}, e.fail(path, "unsupported kind %s", rv.Type())
	case reflect.Bool:
		return Value{Kind: KindBool, Bool: rv.Bool()}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Value{Kind: KindInt, Int: rv.Int()}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return Value{Kind: KindBigInt, Lit: strconv.FormatUint(u, 10)}, nil
		}
		return Value{Kind: KindInt, Int: int64(u)}, nil
	case reflect.Float32, reflect.Float64:
		return floatValue(rv.Float()), nil
	case reflect.String:
		return Value{Kind: KindString, Str: rv.String()}, nil
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		out := Value{Kind: KindArray, Elems: make([]Value, 0, n)}
		for i := 0; i < n; i++ {
			ev, err := e.encode(rv.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return Value{}, err
			}
			out.Elems = append(out.Elems, ev)
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, e.fail(path, "map key kind %s, only string keys are supported", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		out := Value{Kind: KindMap, Keys: keys, Elems: make([]Value, 0, len(keys))}
		for _, k := range keys {
			mv := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
			ev, err := e.encode(mv, path+"."+k, depth+1)
			if err != nil {
				return Value{}, err
			}
			out.Elems = append(out.Elems, ev)
		}
		return out, nil
	case reflect.Func:
		if rv.IsNil() {
			return Value{Kind: KindNull}, nil
		}
		if e.funcs != nil {
			if name, ok := e.funcs.NameOf(rv.Interface()); ok {
				return Value{Kind: KindFunc, Lit: name}, nil
			}
		}
		return Value{}, e.fail(path, "function %s is not registered in the operation library", rv.Type())
	default:
		return Value{}, e.fail(path, "unsupported kind %s", rv.Type())
	}
}

func bigValue(b *big.Int) Value {
	if b.IsInt64() {
		return Value{Kind: KindBigInt, Lit: strconv.FormatInt(b.Int64(), 10)}
	}
	return Value{Kind: KindBigInt, Lit: b.String()}
}

func floatValue(f float64) Value {
	switch {
	case math.IsNaN(f):
		return Value{Kind: KindFloat, Lit: LitNaN}
	case math.IsInf(f, 1):
		return Value{Kind: KindFloat, Lit: LitInf}
	case math.IsInf(f, -1):
		return Value{Kind: KindFloat, Lit: LitNegInf}
	case f == 0 && math.Signbit(f):
		return Value{Kind: KindFloat, Lit: LitNegZero}
	}
	return Value{Kind: KindFloat, Float: f}
}
