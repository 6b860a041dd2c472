package calc

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// toDecimal accepts every numeric shape a codec can hand over: integers,
// floats, big integers and decimal strings.
func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, fmt.Errorf("not a finite number: %v", n)
		}
		return decimal.NewFromFloat(n), nil
	case *big.Int:
		if n == nil {
			return decimal.Decimal{}, fmt.Errorf("nil big integer")
		}
		return decimal.NewFromBigInt(n, 0), nil
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("not a number: %q", n)
		}
		return d, nil
	case nil:
		return decimal.Decimal{}, fmt.Errorf("missing number")
	default:
		return decimal.Decimal{}, fmt.Errorf("not a number: %T", v)
	}
}

func toInt(v any) (int64, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() || d.BigInt().BitLen() > 63 {
		return 0, fmt.Errorf("not a machine integer: %s", d)
	}
	return d.IntPart(), nil
}

func toDecimals(v any) ([]decimal.Decimal, error) {
	xs, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of numbers, got %T", v)
	}
	out := make([]decimal.Decimal, len(xs))
	for i, x := range xs {
		d, err := toDecimal(x)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

// render turns a result into a transferable value: integers that fit become
// int64, everything else a decimal string.
func render(d decimal.Decimal, s Settings) any {
	if d.IsInteger() {
		if b := d.BigInt(); b.IsInt64() {
			return b.Int64()
		}
		return d.String()
	}
	if s.Mode == ModeFixed {
		return d.StringFixed(s.Precision)
	}
	return d.Round(s.Precision).String()
}

func renderBig(b *big.Int) any {
	if b.IsInt64() {
		return b.Int64()
	}
	return b.String()
}
