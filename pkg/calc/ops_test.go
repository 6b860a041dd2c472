package calc

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

// testEnv builds the environment a unit would get from Dependencies.
func testEnv(t *testing.T) *unit.Env {
	t.Helper()
	lib := Library()
	bindings, err := serial.EncodeAll(Dependencies(config.CalcConfig{Precision: 10, Mode: ModeExact}), lib)
	if err != nil {
		t.Fatalf("encode deps: %v", err)
	}
	m := map[string]any{}
	for _, b := range bindings {
		v, err := serial.Decode(b.Name, b.Value, lib)
		if err != nil {
			t.Fatalf("decode %s: %v", b.Name, err)
		}
		m[b.Name] = v
	}
	return unit.NewEnv(m)
}

func run(t *testing.T, env *unit.Env, fn unit.Func, args ...any) (any, error) {
	t.Helper()
	ctx, in, cancel := unit.NewInvocation(context.Background(), "test", args, env)
	defer cancel()
	return fn(ctx, in)
}

func mustRun(t *testing.T, env *unit.Env, fn unit.Func, args ...any) any {
	t.Helper()
	v, err := run(t, env, fn, args...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

func TestArithmetic(t *testing.T) {
	env := testEnv(t)
	huge, _ := new(big.Int).SetString("99999999999999999999", 10)
	cases := []struct {
		name string
		fn   unit.Func
		args []any
		want any
	}{
		{"add ints", Add, []any{2, 3}, int64(5)},
		{"add mixed", Add, []any{uint64(1), "0.25", 0.5}, "1.75"},
		{"add big", Add, []any{huge, 1}, "100000000000000000000"},
		{"sub", Sub, []any{int64(-2), 3}, int64(-5)},
		{"mul", Mul, []any{"1.5", 4}, int64(6)},
		{"div exact", Div, []any{1, 4}, "0.25"},
		{"div rounded", Div, []any{2, 3}, "0.6666666667"},
		{"pow", Pow, []any{2, 10}, int64(1024)},
		{"pow negative", Pow, []any{2, -2}, "0.25"},
		{"factorial", Factorial, []any{20}, int64(2432902008176640000)},
		{"factorial big", Factorial, []any{25}, "15511210043330985984000000"},
		{"const", Const, []any{"pi"}, "3.1415926536"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mustRun(t, env, tc.fn, tc.args...); got != tc.want {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestArithmeticErrors(t *testing.T) {
	env := testEnv(t)
	cases := []struct {
		name string
		fn   unit.Func
		args []any
	}{
		{"div by zero", Div, []any{1, 0}},
		{"pow zero negative", Pow, []any{0, -1}},
		{"not a number", Add, []any{"abc"}},
		{"nan", Add, []any{math.NaN()}},
		{"sub arity", Sub, []any{1}},
		{"negative factorial", Factorial, []any{-1}},
		{"fractional exponent", Pow, []any{2, "0.5"}},
		{"unknown constant", Const, []any{"tau"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := run(t, env, tc.fn, tc.args...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSetConfigChangesPrecision(t *testing.T) {
	env := testEnv(t)
	if got := mustRun(t, env, GetConfig); !cmp.Equal(got, map[string]any{"precision": int64(10), "mode": ModeExact}) {
		t.Fatalf("initial config %v", got)
	}
	mustRun(t, env, SetConfig, map[string]any{"precision": uint64(3), "mode": ModeFixed})
	if got := mustRun(t, env, Div, 1, 3); got != "0.333" {
		t.Fatalf("div at precision 3: %v", got)
	}
	if got := mustRun(t, env, Div, 1, 4); got != "0.250" {
		t.Fatalf("fixed mode pads: %v", got)
	}
	// replaying the same settings changes nothing
	mustRun(t, env, SetConfig, map[string]any{"precision": uint64(3), "mode": ModeFixed})
	if got := mustRun(t, env, Div, 1, 3); got != "0.333" {
		t.Fatalf("after replay: %v", got)
	}
	for _, bad := range []map[string]any{{"precision": -1}, {"precision": "x"}, {"mode": "loose"}} {
		if _, err := run(t, env, SetConfig, bad); err == nil {
			t.Fatalf("expected %v to be rejected", bad)
		}
	}
	if _, err := run(t, env, SetConfig, "precision=3"); err == nil {
		t.Fatalf("expected non-map to be rejected")
	}
}

func TestRegress(t *testing.T) {
	env := testEnv(t)
	got := mustRun(t, env, Regress, []any{1, 2, 3, 4}, []any{3, 5, 7, 9})
	want := map[string]any{"slope": int64(2), "intercept": int64(1), "r2": int64(1), "n": int64(4)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("regress (-want +got):\n%s", diff)
	}
	if _, err := run(t, env, Regress, []any{1, 1}, []any{2, 3}); err == nil {
		t.Fatalf("expected error for constant xs")
	}
	if _, err := run(t, env, Regress, []any{1, 2}, []any{2}); err == nil {
		t.Fatalf("expected error for length mismatch")
	}
}

func TestFactorialObservesCancellation(t *testing.T) {
	ctx, in, cancel := unit.NewInvocation(context.Background(), "factorial", []any{1 << 20}, testEnv(t))
	cancel()
	if _, err := Factorial(ctx, in); err == nil {
		t.Fatalf("cancelled factorial returned a value")
	}
}

func TestPowObservesCancellation(t *testing.T) {
	ctx, in, cancel := unit.NewInvocation(context.Background(), "pow", []any{"1.0001", 1 << 16}, testEnv(t))
	cancel()
	_, err := Pow(ctx, in)
	if !errors.Is(err, api.ErrCancelled) {
		t.Fatalf("cancelled pow: got %v, want Cancelled", err)
	}
}

func TestPowRefusesHugeResults(t *testing.T) {
	ctx, in, cancel := unit.NewInvocation(context.Background(), "pow", []any{"1.0001", 1 << 22}, testEnv(t))
	defer cancel()
	start := time.Now()
	_, err := Pow(ctx, in)
	if err == nil {
		t.Fatalf("pow with a multi-million digit result returned a value")
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("refusal took %s", d)
	}
	if _, err := Pow(context.Background(), &unit.Invocation{Op: "pow", Args: []any{1, 1 << 40}, Env: testEnv(t)}); err != nil {
		t.Fatalf("1^n: %v", err)
	}
}
