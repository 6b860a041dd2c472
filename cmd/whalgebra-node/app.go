package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/calc"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/node"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var live atomic.Pointer[node.Node]
	cfg, err := config.Watch(opts.ConfigPath, func(c *config.Config) {
		n := live.Load()
		if n == nil {
			return
		}
		if err := n.ApplyCalc(ctx, c.Calc); err != nil {
			zap.L().Warn("apply reloaded calc settings", zap.Error(err))
		}
	})
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Metrics != "" {
		cfg.Metrics.Listen = opts.Metrics
	}
	if opts.Timeout > 0 {
		cfg.Dispatch.DefaultTimeoutMS = int(opts.Timeout / time.Millisecond)
	}
	if opts.PrintConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			_, _ = os.Stderr.WriteString("failed to print config: " + err.Error() + "\n")
			return 1
		}
		return 0
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("whalgebra-node started", zap.String("app", cfg.AppName), zap.String("unit", cfg.Unit.Kind))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	nd, err := node.New(cfg, calc.Library(), calc.Dependencies(cfg.Calc), cfg.Calc.Snapshot(), reg, logger)
	if err != nil {
		zap.L().Error("failed to build node", zap.Error(err))
		return 1
	}
	defer func() { _ = nd.Close() }()
	if err := nd.Start(ctx); err != nil {
		zap.L().Error("failed to start execution unit", zap.Error(err))
		return 1
	}
	live.Store(nd)

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.L().Error("metrics server", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
		zap.L().Info("serving metrics", zap.String("addr", cfg.Metrics.Listen))
	}

	r := newREPL(nd, os.Stdout)
	if opts.Script != "" {
		for _, line := range strings.Split(opts.Script, ";") {
			if !r.exec(ctx, line, true) {
				break
			}
		}
		return 0
	}
	r.loop(ctx, os.Stdin)
	return 0
}
