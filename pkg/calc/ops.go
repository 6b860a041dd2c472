// Package calc is the arbitrary-precision operation library linked into
// both the controller and every execution unit.
package calc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

// ConfigOp is the operation the dispatcher replays settings through.
const ConfigOp = "setConfig"

// cancellation is checked every checkEvery loop iterations
const checkEvery = 256

// maxPowDigits bounds the estimated size of a power's exact result.
const maxPowDigits = 1_000_000

var errDivZero = errors.New("division by zero")

// Library returns a fresh library with every calculator operation.
func Library() *unit.Library {
	return unit.NewLibrary().
		MustRegister("add", Add).
		MustRegister("sub", Sub).
		MustRegister("mul", Mul).
		MustRegister("div", Div).
		MustRegister("pow", Pow).
		MustRegister("factorial", Factorial).
		MustRegister("regress", Regress).
		MustRegister("const", Const).
		MustRegister(ConfigOp, SetConfig).
		MustRegister("getConfig", GetConfig)
}

// Dependencies are the bindings every unit is bootstrapped with.
func Dependencies(c config.CalcConfig) []serial.Dependency {
	return []serial.Dependency{
		{Name: "defaultPrecision", Value: int64(c.Precision)},
		{Name: "defaultMode", Value: c.Mode},
		{Name: "constants", Value: map[string]string{
			"pi":    "3.14159265358979323846264338327950288419716939937510",
			"e":     "2.71828182845904523536028747135266249775724709369995",
			"phi":   "1.61803398874989484820458683436563811772030917980576",
			"ln2":   "0.69314718055994530941723212145817656807550013436025",
			"sqrt2": "1.41421356237309504880168872420969807856967187537694",
		}},
	}
}

func Add(_ context.Context, in *unit.Invocation) (any, error) {
	sum := decimal.Zero
	for i, a := range in.Args {
		d, err := toDecimal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		sum = sum.Add(d)
	}
	return render(sum, current(in.Env)), nil
}

func Sub(_ context.Context, in *unit.Invocation) (any, error) {
	a, b, err := two(in)
	if err != nil {
		return nil, err
	}
	return render(a.Sub(b), current(in.Env)), nil
}

func Mul(_ context.Context, in *unit.Invocation) (any, error) {
	prod := decimal.NewFromInt(1)
	for i, a := range in.Args {
		d, err := toDecimal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		prod = prod.Mul(d)
	}
	return render(prod, current(in.Env)), nil
}

func Div(_ context.Context, in *unit.Invocation) (any, error) {
	a, b, err := two(in)
	if err != nil {
		return nil, err
	}
	if b.IsZero() {
		return nil, errDivZero
	}
	s := current(in.Env)
	return render(a.DivRound(b, s.Precision), s), nil
}

// Pow raises a decimal to an integer power by repeated squaring. Every step
// polls for cancellation, and results estimated above maxPowDigits digits are
// refused before any work is done.
func Pow(_ context.Context, in *unit.Invocation) (any, error) {
	base, err := toDecimal(in.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("base: %w", err)
	}
	n, err := toInt(in.Arg(1))
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	neg := n < 0
	if neg {
		if base.IsZero() {
			return nil, errDivZero
		}
		n = -n
	}
	if digits := powDigits(base, n); digits > maxPowDigits {
		return nil, fmt.Errorf("result too large: about %.0f digits", digits)
	}
	out := decimal.NewFromInt(1)
	for n > 0 {
		if err := in.CheckCancelled(); err != nil {
			return nil, err
		}
		if n&1 == 1 {
			out = out.Mul(base)
		}
		base = base.Mul(base)
		n >>= 1
	}
	s := current(in.Env)
	if neg {
		out = decimal.NewFromInt(1).DivRound(out, s.Precision)
	}
	return render(out, s), nil
}

// powDigits estimates the digits needed to hold base^n exactly.
func powDigits(base decimal.Decimal, n int64) float64 {
	abs := base.Abs()
	if abs.IsZero() || abs.Equal(decimal.NewFromInt(1)) {
		return 0
	}
	coef := float64(base.Coefficient().BitLen()) * math.Log10(2)
	return float64(n) * (coef + math.Abs(float64(base.Exponent())))
}

// Factorial computes n! exactly. It polls for cancellation, so long runs can
// be stopped without restarting the unit.
func Factorial(_ context.Context, in *unit.Invocation) (any, error) {
	n, err := toInt(in.Arg(0))
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("factorial of negative number %d", n)
	}
	acc := big.NewInt(1)
	var k big.Int
	for i := int64(2); i <= n; i++ {
		if i%checkEvery == 0 {
			if err := in.CheckCancelled(); err != nil {
				return nil, err
			}
		}
		acc.Mul(acc, k.SetInt64(i))
	}
	return renderBig(acc), nil
}

// Regress fits y = slope*x + intercept by least squares and reports r2.
func Regress(_ context.Context, in *unit.Invocation) (any, error) {
	xs, err := toDecimals(in.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("xs: %w", err)
	}
	ys, err := toDecimals(in.Arg(1))
	if err != nil {
		return nil, fmt.Errorf("ys: %w", err)
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("xs and ys differ in length: %d != %d", len(xs), len(ys))
	}
	if len(xs) < 2 {
		return nil, errors.New("regression needs at least two points")
	}
	var sx, sy, sxx, syy, sxy decimal.Decimal
	for i := range xs {
		if i%checkEvery == 0 {
			if err := in.CheckCancelled(); err != nil {
				return nil, err
			}
		}
		x, y := xs[i], ys[i]
		sx = sx.Add(x)
		sy = sy.Add(y)
		sxx = sxx.Add(x.Mul(x))
		syy = syy.Add(y.Mul(y))
		sxy = sxy.Add(x.Mul(y))
	}
	s := current(in.Env)
	n := decimal.NewFromInt(int64(len(xs)))
	num := n.Mul(sxy).Sub(sx.Mul(sy))
	den := n.Mul(sxx).Sub(sx.Mul(sx))
	if den.IsZero() {
		return nil, errors.New("all x values are equal")
	}
	slope := num.DivRound(den, s.Precision)
	intercept := sy.Sub(slope.Mul(sx)).DivRound(n, s.Precision)

	r2 := decimal.NewFromInt(1)
	if dy := n.Mul(syy).Sub(sy.Mul(sy)); !dy.IsZero() {
		r2 = num.Mul(num).DivRound(den.Mul(dy), s.Precision)
	}
	return map[string]any{
		"slope":     render(slope, s),
		"intercept": render(intercept, s),
		"r2":        render(r2, s),
		"n":         int64(len(xs)),
	}, nil
}

// Const returns a named constant from the program bindings, rounded to the
// current precision.
func Const(_ context.Context, in *unit.Invocation) (any, error) {
	name, _ := in.Arg(0).(string)
	v, ok := in.Env.Binding("constants")
	if !ok {
		return nil, errors.New("no constants bound")
	}
	table, _ := v.(map[string]any)
	lit, ok := table[name].(string)
	if !ok {
		return nil, fmt.Errorf("unknown constant %q", name)
	}
	d, err := decimal.NewFromString(lit)
	if err != nil {
		return nil, err
	}
	s := current(in.Env)
	return render(d.Round(s.Precision), s), nil
}

// SetConfig merges a settings map into the unit state and returns the result.
func SetConfig(_ context.Context, in *unit.Invocation) (any, error) {
	m, ok := in.Arg(0).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("setConfig expects a map, got %T", in.Arg(0))
	}
	s, err := current(in.Env).apply(m)
	if err != nil {
		return nil, err
	}
	in.Env.Set(stateKey, s)
	return s.asMap(), nil
}

func GetConfig(_ context.Context, in *unit.Invocation) (any, error) {
	return current(in.Env).asMap(), nil
}

func two(in *unit.Invocation) (a, b decimal.Decimal, err error) {
	if len(in.Args) != 2 {
		return a, b, fmt.Errorf("%s takes 2 arguments, got %d", in.Op, len(in.Args))
	}
	if a, err = toDecimal(in.Args[0]); err != nil {
		return a, b, fmt.Errorf("argument 0: %w", err)
	}
	if b, err = toDecimal(in.Args[1]); err != nil {
		return a, b, fmt.Errorf("argument 1: %w", err)
	}
	return a, b, nil
}
