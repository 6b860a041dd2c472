package node_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/calc"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/node"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
)

func newNode(t *testing.T, mutate func(*config.Config)) *node.Node {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	n, err := node.New(cfg, calc.Library(), calc.Dependencies(cfg.Calc), cfg.Calc.Snapshot(), prometheus.NewRegistry(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNodeServesCalls(t *testing.T) {
	n := newNode(t, func(c *config.Config) { c.Calc.Precision = 4 })
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	v, err := n.Dispatcher.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)

	v, err = n.Dispatcher.Call(ctx, "div", 2, 3)
	require.NoError(t, err)
	require.Equal(t, "0.6667", v)
}

func TestApplyCalcPushesChanges(t *testing.T) {
	n := newNode(t, nil)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))

	require.NoError(t, n.ApplyCalc(ctx, config.CalcConfig{Precision: 3, Mode: calc.ModeFixed}))
	v, err := n.Dispatcher.Call(ctx, "div", 1, 8)
	require.NoError(t, err)
	require.Equal(t, "0.125", v)

	require.Error(t, n.ApplyCalc(ctx, config.CalcConfig{Precision: -5}))
}

func TestNewRejectsBadDependency(t *testing.T) {
	cfg := config.Default()
	deps := append(calc.Dependencies(cfg.Calc), serial.Dependency{Name: "sink", Value: make(chan int)})
	_, err := node.New(cfg, calc.Library(), deps, nil, nil, zaptest.NewLogger(t))
	require.ErrorIs(t, err, api.ErrSerialization)
}

func TestNewSpawner(t *testing.T) {
	for _, kind := range []string{"inproc", "process"} {
		sp, err := node.NewSpawner(config.UnitConfig{Kind: kind, Command: "worker"}, calc.Library(), zaptest.NewLogger(t))
		require.NoError(t, err)
		require.Equal(t, kind, sp.Kind())
	}
	_, err := node.NewSpawner(config.UnitConfig{Kind: "thread"}, calc.Library(), zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	n := newNode(t, nil)
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	require.False(t, n.Channel.IsAlive())
}
