package serial

import (
	"math/big"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
)

// Decode rebuilds a Go value from v: int64, float64, *big.Int, string, bool,
// []any, map[string]any, nil, or the function resolved by funcs.
func Decode(name string, v Value, funcs FuncResolver) (any, error) {
	return decode(name, v, "$", funcs)
}

func decode(name string, v Value, path string, funcs FuncResolver) (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInt:
		return v.Int, nil
	case KindFloat:
		return v.FloatValue(), nil
	case KindBigInt:
		b, ok := new(big.Int).SetString(v.Lit, 10)
		if !ok {
			return nil, api.Errorf(api.KindSerialization, "dependency %q at %s: bad big integer literal %q", name, path, v.Lit)
		}
		return b, nil
	case KindString:
		return v.Str, nil
	case KindArray:
		out := make([]any, len(v.Elems))
		for i, e := range v.Elems {
			d, err := decode(name, e, path+"[]", funcs)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case KindMap:
		if len(v.Keys) != len(v.Elems) {
			return nil, api.Errorf(api.KindSerialization, "dependency %q at %s: map has %d keys and %d values", name, path, len(v.Keys), len(v.Elems))
		}
		out := make(map[string]any, len(v.Keys))
		for i, k := range v.Keys {
			d, err := decode(name, v.Elems[i], path+"."+k, funcs)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case KindFunc:
		if funcs != nil {
			if fn, ok := funcs.Resolve(v.Lit); ok {
				return fn, nil
			}
		}
		return nil, &api.Error{Kind: api.KindFunctionNotFound, Op: name, Msg: "function " + v.Lit + " is not linked into this unit"}
	default:
		return nil, api.Errorf(api.KindSerialization, "dependency %q at %s: unknown value kind %d", name, path, v.Kind)
	}
}
