// Package node assembles a controller from configuration: spawner, builder,
// channel and dispatcher, plus the metrics they share.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/bootstrap"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/channel"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/dispatch"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

type Node struct {
	Builder    *bootstrap.Builder
	Channel    *channel.Channel
	Dispatcher *dispatch.Dispatcher
	Metrics    *observability.Metrics

	log      *zap.Logger
	mu       sync.Mutex
	closers  []func() error
	calcSeen config.CalcConfig
}

// NewSpawner returns the spawner selected by unit.kind.
func NewSpawner(c config.UnitConfig, lib *unit.Library, log *zap.Logger) (bootstrap.Spawner, error) {
	switch c.Kind {
	case bootstrap.KindInProc, "":
		return &bootstrap.InProc{
			Lib:      lib,
			Options:  unit.Options{MaxConcurrency: c.MaxConcurrency, Logger: log.Named("unit")},
			MaxFrame: c.MaxFrameBytes,
			Grace:    c.StopGrace(),
		}, nil
	case bootstrap.KindProcess:
		return &bootstrap.Process{
			Command:  c.Command,
			Args:     c.Args,
			MaxFrame: c.MaxFrameBytes,
			Grace:    c.StopGrace(),
			Logger:   log.Named("unit"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown unit kind %q", c.Kind)
	}
}

// New wires the controller. deps are serialized here, so an unsupported
// dependency fails before any unit exists. reg may be nil.
func New(cfg *config.Config, lib *unit.Library, deps []serial.Dependency, snapshot map[string]any, reg prometheus.Registerer, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.L()
	}
	format, err := protocol.ParseFormat(cfg.Unit.Format)
	if err != nil {
		return nil, err
	}
	sp, err := NewSpawner(cfg.Unit, lib, log)
	if err != nil {
		return nil, err
	}
	b, err := bootstrap.NewBuilder(lib, deps, sp, bootstrap.Options{
		Format:       format,
		StartTimeout: cfg.Unit.StartTimeout(),
		Constraint:   cfg.Unit.ProtocolConstraint,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	m := observability.NewMetrics(reg)
	ch, err := channel.New(b, channel.Options{
		DefaultTimeout: cfg.Dispatch.DefaultTimeout(),
		Registry:       b.Registry(),
		Metrics:        m,
		Logger:         log.Named("channel"),
	})
	if err != nil {
		return nil, err
	}
	d := dispatch.New(ch, dispatch.NewStore(snapshot), dispatch.Options{
		ConfigOp: cfg.Dispatch.ConfigOp,
		Metrics:  m,
		Logger:   log.Named("dispatch"),
	})
	n := &Node{Builder: b, Channel: ch, Dispatcher: d, Metrics: m, log: log, calcSeen: cfg.Calc}
	n.addCloser(ch.Shutdown)
	return n, nil
}

// Start builds the first unit and pushes the configuration into it.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Channel.Start(ctx); err != nil {
		return err
	}
	if len(n.Dispatcher.Store().Snapshot()) == 0 {
		return nil
	}
	return n.Dispatcher.Configure(ctx)
}

// ApplyCalc replaces the calculator state when it changed and pushes it.
func (n *Node) ApplyCalc(ctx context.Context, c config.CalcConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	same := n.calcSeen == c
	n.calcSeen = c
	n.mu.Unlock()
	if same {
		return nil
	}
	n.Dispatcher.Store().Replace(c.Snapshot())
	n.log.Info("calculator settings changed", zap.Int32("precision", c.Precision), zap.String("mode", c.Mode))
	return n.Dispatcher.Configure(ctx)
}

func (n *Node) addCloser(f func() error) {
	n.mu.Lock()
	n.closers = append(n.closers, f)
	n.mu.Unlock()
}

// Close runs the closers in reverse order.
func (n *Node) Close() error {
	n.mu.Lock()
	cs := n.closers
	n.closers = nil
	n.mu.Unlock()
	var first error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
