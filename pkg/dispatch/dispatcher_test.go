package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/bootstrap"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/channel"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/dispatch"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func add(_ context.Context, in *unit.Invocation) (any, error) {
	return toInt(in.Arg(0)) + toInt(in.Arg(1)), nil
}

func crash(context.Context, *unit.Invocation) (any, error) { panic("out of memory") }

func fail(context.Context, *unit.Invocation) (any, error) { return nil, errors.New("bad input") }

func setConfig(_ context.Context, in *unit.Invocation) (any, error) {
	m, ok := in.Arg(0).(map[string]any)
	if !ok {
		return nil, errors.New("config must be a map")
	}
	in.Env.Set("config", m)
	n, _ := in.Env.Get("applied")
	applied, _ := n.(int)
	in.Env.Set("applied", applied+1)
	return true, nil
}

func getConfig(_ context.Context, in *unit.Invocation) (any, error) {
	v, _ := in.Env.Get("config")
	return v, nil
}

func applied(_ context.Context, in *unit.Invocation) (any, error) {
	v, _ := in.Env.Get("applied")
	return v, nil
}

func stats(context.Context, *unit.Invocation) (any, error) {
	return map[string]any{"slope": 2.5, "intercept": int64(-1), "label": "fit"}, nil
}

func sleep(ctx context.Context, in *unit.Invocation) (any, error) {
	select {
	case <-time.After(time.Duration(toInt(in.Arg(0))) * time.Millisecond):
		return true, nil
	case <-ctx.Done():
		return nil, in.CheckCancelled()
	}
}

func library(t *testing.T) *unit.Library {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	return unit.NewLibrary().
		MustRegister("add", add).
		MustRegister("crash", crash).
		MustRegister("fail", fail).
		MustRegister("setConfig", setConfig).
		MustRegister("getConfig", getConfig).
		MustRegister("applied", applied).
		MustRegister("stats", stats).
		MustRegister("sleep", sleep).
		MustRegister("spin", func(context.Context, *unit.Invocation) (any, error) {
			<-stop
			return nil, nil
		})
}

// gated counts builds and holds every rebuild until release is closed.
type gated struct {
	b       *bootstrap.Builder
	builds  atomic.Int32
	release chan struct{}
}

func (g *gated) Build(ctx context.Context) (*bootstrap.Handle, error) {
	if g.builds.Add(1) > 1 && g.release != nil {
		<-g.release
	}
	return g.b.Build(ctx)
}

type fixture struct {
	d       *dispatch.Dispatcher
	ch      *channel.Channel
	builder *gated
	metrics *observability.Metrics
}

func newFixture(t *testing.T, snapshot map[string]any, release chan struct{}) *fixture {
	t.Helper()
	lib := library(t)
	log := zaptest.NewLogger(t)
	b, err := bootstrap.NewBuilder(lib, nil, &bootstrap.InProc{Lib: lib, Options: unit.Options{Logger: log}}, bootstrap.Options{Logger: log})
	require.NoError(t, err)
	g := &gated{b: b, release: release}
	m := observability.NewMetrics(prometheus.NewRegistry())
	ch, err := channel.New(g, channel.Options{Logger: log, Metrics: m})
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Shutdown() })
	d := dispatch.New(ch, dispatch.NewStore(snapshot), dispatch.Options{Logger: log, Metrics: m})
	return &fixture{d: d, ch: ch, builder: g, metrics: m}
}

func (fx *fixture) restarts(reason api.Kind) float64 {
	return testutil.ToFloat64(fx.metrics.Restarts.WithLabelValues(string(reason)))
}

func TestCrashRecoversTransparently(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := fx.d.Call(ctx, "crash")
	require.ErrorIs(t, err, api.ErrCrashed)
	require.Contains(t, err.Error(), "out of memory")

	v, err := fx.d.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)
	require.Equal(t, 1.0, fx.restarts(api.KindCrashed))
	require.EqualValues(t, 2, fx.builder.builds.Load())
	require.False(t, fx.d.Recovering())
}

func TestTimeoutRecoversAndReplaysConfig(t *testing.T) {
	fx := newFixture(t, map[string]any{"precision": 30, "mode": "fixed"}, nil)
	ctx := context.Background()
	require.NoError(t, fx.d.Configure(ctx))

	_, err := fx.d.CallWith(ctx, "spin", nil, channel.WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, api.ErrTimedOut)
	require.Equal(t, 1.0, fx.restarts(api.KindTimedOut))

	got, err := fx.d.Call(ctx, "getConfig")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"precision": uint64(30), "mode": "fixed"}, got)

	n, err := fx.d.Call(ctx, "applied")
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "fresh unit receives exactly one replay")
}

func TestFailedReplayStillReportsTriggeringError(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	d := dispatch.New(fx.ch, dispatch.NewStore(map[string]any{"precision": 30}), dispatch.Options{
		ConfigOp: "fail",
		Logger:   zap.New(core),
	})

	_, err := d.Call(ctx, "crash")
	require.ErrorIs(t, err, api.ErrCrashed)
	require.Contains(t, err.Error(), "out of memory")
	require.Equal(t, 1, logs.FilterMessage("configuration replay failed").Len())
	require.False(t, d.Recovering())

	_, err = d.CallWith(ctx, "spin", nil, channel.WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, api.ErrTimedOut)
	require.Equal(t, 2, logs.FilterMessage("configuration replay failed").Len())

	v, err := d.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)
}

func TestReplayIsIdempotent(t *testing.T) {
	fx := newFixture(t, map[string]any{"precision": 12}, nil)
	ctx := context.Background()

	var configs []any
	for i := 0; i < 3; i++ {
		_, err := fx.d.Call(ctx, "crash")
		require.ErrorIs(t, err, api.ErrCrashed)
		v, err := fx.d.Call(ctx, "getConfig")
		require.NoError(t, err)
		configs = append(configs, v)
	}
	require.Equal(t, configs[0], configs[1])
	require.Equal(t, configs[1], configs[2])
	require.Equal(t, 3.0, fx.restarts(api.KindCrashed))
}

func TestOrdinaryErrorsDoNotRecover(t *testing.T) {
	fx := newFixture(t, map[string]any{"precision": 8}, nil)
	ctx := context.Background()
	require.NoError(t, fx.d.Configure(ctx))

	_, err := fx.d.Call(ctx, "fail")
	require.ErrorIs(t, err, api.ErrOperation)
	_, err = fx.d.Call(ctx, "missing")
	require.ErrorIs(t, err, api.ErrFunctionNotFound)

	// same unit: state set before the failures is still there
	n, err := fx.d.Call(ctx, "applied")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.EqualValues(t, 1, fx.builder.builds.Load())
}

func TestCallerCancellationDoesNotRecover(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := fx.d.Call(ctx, "sleep", 5000)
	require.ErrorIs(t, err, api.ErrCancelled)
	require.Zero(t, fx.ch.Pending())
	require.EqualValues(t, 1, fx.builder.builds.Load())
	require.True(t, fx.ch.IsAlive())
}

func TestTerminatedDoesNotRecover(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, fx.ch.Shutdown())
	_, err := fx.d.Call(ctx, "add", 1, 2)
	require.ErrorIs(t, err, api.ErrTerminated)
	require.EqualValues(t, 1, fx.builder.builds.Load())
}

func TestConcurrentFailuresRecoverOnce(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, nil, release)
	ctx := context.Background()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.d.CallWith(ctx, "spin", nil, channel.WithTimeout(20*time.Millisecond))
			errs <- err
		}()
	}

	// the loser returns while the winner is stuck rebuilding
	var first error
	select {
	case first = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("no call returned")
	}
	require.Equal(t, api.KindTerminated, api.KindOf(first), "error: %v", first)
	require.True(t, fx.d.Recovering())

	close(release)
	wg.Wait()
	second := <-errs
	require.ErrorIs(t, second, api.ErrTimedOut)
	require.Equal(t, 1.0, fx.restarts(api.KindTimedOut))
	require.EqualValues(t, 2, fx.builder.builds.Load())

	v, err := fx.d.Call(ctx, "add", 2, 3)
	require.NoError(t, err)
	require.EqualValues(t, 5, v)
}

func TestSetPushesConfiguration(t *testing.T) {
	fx := newFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, fx.d.Set(ctx, "precision", 40))
	require.EqualValues(t, 1, fx.d.Store().Version())

	got, err := fx.d.Call(ctx, "getConfig")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"precision": uint64(40)}, got)
}

func TestCallInto(t *testing.T) {
	fx := newFixture(t, nil, nil)
	var out struct {
		Slope     float64
		Intercept int
		Label     string
	}
	require.NoError(t, fx.d.CallInto(context.Background(), &out, "stats"))
	require.Equal(t, 2.5, out.Slope)
	require.Equal(t, -1, out.Intercept)
	require.Equal(t, "fit", out.Label)

	var n int
	require.NoError(t, fx.d.CallInto(context.Background(), &n, "add", 20, 22))
	require.Equal(t, 42, n)

	err := fx.d.CallInto(context.Background(), &n, "fail")
	require.ErrorIs(t, err, api.ErrOperation)
}
