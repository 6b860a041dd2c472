// Package dispatch is the supervisor in front of a channel. It classifies
// failures and recovers the execution unit after health failures by
// restarting it and replaying the configuration.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/channel"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
)

// Invoker is the part of *channel.Channel the dispatcher drives.
type Invoker interface {
	Invoke(ctx context.Context, op string, args []any, opts ...channel.InvokeOption) *channel.Future
	CancelOne(id uint64) bool
	Restart(ctx context.Context) error
}

const (
	DefaultConfigOp       = "setConfig"
	DefaultRestartTimeout = 30 * time.Second
)

type Options struct {
	// ConfigOp receives the configuration snapshot as its only argument.
	ConfigOp       string
	RestartTimeout time.Duration
	Metrics        *observability.Metrics
	Logger         *zap.Logger
}

type Dispatcher struct {
	ch       Invoker
	store    *Store
	configOp string
	restartT time.Duration
	metrics  *observability.Metrics
	log      *zap.Logger

	restarting atomic.Bool
}

func New(ch Invoker, store *Store, opts Options) *Dispatcher {
	d := &Dispatcher{
		ch:       ch,
		store:    store,
		configOp: opts.ConfigOp,
		restartT: opts.RestartTimeout,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
	if d.store == nil {
		d.store = NewStore(nil)
	}
	if d.configOp == "" {
		d.configOp = DefaultConfigOp
	}
	if d.restartT <= 0 {
		d.restartT = DefaultRestartTimeout
	}
	if d.log == nil {
		d.log = zap.L()
	}
	return d
}

func (d *Dispatcher) Store() *Store { return d.store }

// Recovering reports whether a unit restart is in progress.
func (d *Dispatcher) Recovering() bool { return d.restarting.Load() }

// Call invokes op and waits for its result.
func (d *Dispatcher) Call(ctx context.Context, op string, args ...any) (any, error) {
	return d.CallWith(ctx, op, args)
}

// CallWith is Call with per-invocation options.
//
// Cancelled, Terminated and ordinary operation errors are returned unchanged.
// A TimedOut or Crashed failure restarts the unit and replays the
// configuration before the original error is returned; if another call is
// already recovering, the failure is returned as Terminated instead.
func (d *Dispatcher) CallWith(ctx context.Context, op string, args []any, opts ...channel.InvokeOption) (any, error) {
	f := d.ch.Invoke(ctx, op, args, opts...)
	v, err := f.Wait(ctx)
	if err == nil {
		return v, nil
	}
	if ctx.Err() != nil && api.KindOf(err) == api.KindCancelled {
		d.ch.CancelOne(f.ID())
		return nil, err
	}
	if !api.IsHealthFailure(err) {
		return nil, err
	}
	if !d.restarting.CompareAndSwap(false, true) {
		return nil, &api.Error{Kind: api.KindTerminated, Op: op, ID: f.ID(), Msg: "unit recovery in progress", Err: err}
	}
	defer d.restarting.Store(false)
	d.recover(ctx, err)
	return nil, err
}

// recover restarts the unit and replays the configuration. Failures are
// logged; the next call finds the channel dead and tries again.
func (d *Dispatcher) recover(ctx context.Context, cause error) {
	kind := api.KindOf(cause)
	d.metrics.Restarted(string(kind))
	log := d.log.With(zap.String("reason", string(kind)))
	log.Warn("recovering execution unit", zap.Error(cause))

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.restartT)
	defer cancel()
	if err := d.ch.Restart(rctx); err != nil {
		log.Error("unit restart failed", zap.Error(err))
		return
	}
	if err := d.replay(rctx); err != nil {
		log.Error("configuration replay failed", zap.Error(err))
		return
	}
	log.Info("execution unit recovered")
}

func (d *Dispatcher) replay(ctx context.Context) error {
	snap := d.store.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	_, err := d.ch.Invoke(ctx, d.configOp, []any{snap}).Wait(ctx)
	return err
}

// Configure pushes the current configuration into the running unit.
func (d *Dispatcher) Configure(ctx context.Context) error {
	_, err := d.Call(ctx, d.configOp, d.store.Snapshot())
	return err
}

// Set updates one configuration key and pushes the result.
func (d *Dispatcher) Set(ctx context.Context, key string, v any) error {
	d.store.Set(key, v)
	return d.Configure(ctx)
}

// CallInto calls op and decodes the result into out, which must be a pointer.
// Maps decode into structs by field name or `mapstructure` tag; numbers
// convert weakly.
func (d *Dispatcher) CallInto(ctx context.Context, out any, op string, args ...any) error {
	v, err := d.Call(ctx, op, args...)
	if err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("dispatch: %s result: %w", op, err)
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("dispatch: decode %s result: %w", op, err)
	}
	return nil
}
