// Command whalgebra-worker is a process execution unit. It reads its program
// and invocations as frames on stdin and answers on stdout; logs go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/calc"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport/stdio"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

// exit codes
const (
	exitOK      = 0
	exitFailed  = 1
	exitCrashed = 2
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config file (defaults to WHALGEBRA_CONFIG)")
	maxConc := flag.Int64("max-concurrency", -1, "override unit.max_concurrency (0 = unbounded)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	logger, err := observability.SetupWorkerLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	limit := cfg.Unit.MaxConcurrency
	if *maxConc >= 0 {
		limit = *maxConc
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := stdio.New(os.Stdin, os.Stdout, cfg.Unit.MaxFrameBytes)
	logger.Debug("worker serving", zap.Int("pid", os.Getpid()), zap.Int64("max_concurrency", limit))
	err = unit.Serve(ctx, st, calc.Library(), unit.Options{MaxConcurrency: limit, Logger: logger})
	switch {
	case err == nil:
		os.Exit(exitOK)
	case api.KindOf(err) == api.KindCrashed:
		logger.Error("worker crashed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(exitCrashed)
	default:
		logger.Error("worker failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(exitFailed)
	}
}

func fatalf(format string, a ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(exitFailed)
}
