package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/calc"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/node"
)

func TestParseArg(t *testing.T) {
	require.Equal(t, int64(42), parseArg("42"))
	require.Equal(t, "0.5", parseArg("0.5"))
	require.Equal(t, []any{1.0, 2.0}, parseArg("[1,2]"))
	require.Equal(t, "pi", parseArg("pi"))
	require.Equal(t, "[oops", parseArg("[oops"))
}

func TestREPLSession(t *testing.T) {
	cfg := config.Default()
	n, err := node.New(cfg, calc.Library(), calc.Dependencies(cfg.Calc), cfg.Calc.Snapshot(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	var out bytes.Buffer
	r := newREPL(n, &out)
	script := "add 2 3\n:set precision 2\ndiv 1 3\n:alive\n:restart\n:config\n:quit\nadd 1 1"
	for _, line := range strings.Split(script, "\n") {
		if !r.exec(ctx, line, true) {
			break
		}
	}

	got := out.String()
	require.Contains(t, got, "add = 5")
	require.Contains(t, got, `div = "0.33"`)
	require.Contains(t, got, "alive: true")
	require.Contains(t, got, "unit restarted")
	require.Contains(t, got, `"precision":2`)
	require.NotContains(t, got, "add = 2", "commands after :quit must not run")
}

func TestREPLLoopWaitsForCalls(t *testing.T) {
	cfg := config.Default()
	n, err := node.New(cfg, calc.Library(), calc.Dependencies(cfg.Calc), nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer n.Close()
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	var out bytes.Buffer
	newREPL(n, &out).loop(ctx, strings.NewReader("factorial 10\nnope 1\n"))
	require.Contains(t, out.String(), "factorial = 3628800")
	require.Contains(t, out.String(), "nope: FunctionNotFound")
}
