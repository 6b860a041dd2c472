package channel_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/bootstrap"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/channel"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport/mem"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("not an integer: %T", v)
}

func add(_ context.Context, in *unit.Invocation) (any, error) {
	var sum int64
	for _, a := range in.Args {
		n, err := toInt(a)
		if err != nil {
			return nil, err
		}
		sum += n
	}
	return sum, nil
}

// sleep waits for arg 0 milliseconds, giving up early on cancellation.
func sleep(ctx context.Context, in *unit.Invocation) (any, error) {
	ms, err := toInt(in.Arg(0))
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return nil, in.CheckCancelled()
	}
}

func crash(context.Context, *unit.Invocation) (any, error) { panic("unit corrupted") }

func fail(context.Context, *unit.Invocation) (any, error) {
	return nil, fmt.Errorf("bad input")
}

// testLibrary links the test operations; spin ignores cancellation until the
// test ends.
func testLibrary(t *testing.T) *unit.Library {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	spin := func(context.Context, *unit.Invocation) (any, error) {
		for {
			select {
			case <-stop:
				return nil, nil
			default:
			}
		}
	}
	return unit.NewLibrary().
		MustRegister("add", add).
		MustRegister("sleep", sleep).
		MustRegister("crash", crash).
		MustRegister("fail", fail).
		MustRegister("spin", spin)
}

type fixture struct {
	ch      *channel.Channel
	metrics *observability.Metrics
}

func newInProc(t *testing.T, opts channel.Options) *fixture {
	t.Helper()
	lib := testLibrary(t)
	log := zaptest.NewLogger(t)
	b, err := bootstrap.NewBuilder(lib, nil, &bootstrap.InProc{Lib: lib, Options: unit.Options{Logger: log}}, bootstrap.Options{Logger: log})
	require.NoError(t, err)
	return start(t, b, opts)
}

func start(t *testing.T, b channel.UnitBuilder, opts channel.Options) *fixture {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	ch, err := channel.New(b, opts)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Shutdown() })
	return &fixture{ch: ch, metrics: opts.Metrics}
}

func wait(t *testing.T, f *channel.Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-f.Done():
	case <-ctx.Done():
		t.Fatalf("future #%d (%s) did not settle", f.ID(), f.Op())
	}
	return f.Result()
}

func requireKind(t *testing.T, err error, kind api.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, api.KindOf(err), "error: %v", err)
}

// scripted hands out units the test drives by hand.
type scripted struct {
	t     *testing.T
	reg   *codec.Registry
	units chan *fakeUnit
}

type fakeUnit struct {
	t   *testing.T
	reg *codec.Registry
	st  transport.Stream
	in  chan *protocol.Message
}

func newScripted(t *testing.T) *scripted {
	reg, err := codec.NewDefaultRegistry()
	require.NoError(t, err)
	return &scripted{t: t, reg: reg, units: make(chan *fakeUnit, 4)}
}

func (s *scripted) Build(context.Context) (*bootstrap.Handle, error) {
	cs, us := mem.Pair(transport.DefaultMaxFrame)
	h := bootstrap.NewHandle("scripted", cs, cs.Close)
	h.Format = protocol.FormatCBOR
	u := &fakeUnit{t: s.t, reg: s.reg, st: us, in: make(chan *protocol.Message, 64)}
	go func() {
		defer close(u.in)
		for {
			raw, err := us.RecvBytes()
			if err != nil {
				return
			}
			m, _, err := protocol.DecodeMessage(s.reg, raw)
			if err == nil {
				u.in <- m
			}
		}
	}()
	s.t.Cleanup(func() { _ = us.Close() })
	s.units <- u
	return h, nil
}

func (s *scripted) next() *fakeUnit {
	s.t.Helper()
	select {
	case u := <-s.units:
		return u
	case <-time.After(5 * time.Second):
		s.t.Fatal("no unit built")
		return nil
	}
}

func (u *fakeUnit) recv() *protocol.Message {
	u.t.Helper()
	select {
	case m, ok := <-u.in:
		require.True(u.t, ok, "controller closed stream")
		return m
	case <-time.After(5 * time.Second):
		u.t.Fatal("nothing received")
		return nil
	}
}

func (u *fakeUnit) send(m *protocol.Message) {
	u.t.Helper()
	raw, err := protocol.EncodeMessage(u.reg, protocol.FormatCBOR, m)
	require.NoError(u.t, err)
	require.NoError(u.t, u.st.SendBytes(raw))
}
