// Package channel is the controller side of an execution unit: it issues
// named invocations, correlates replies by id and settles one future per
// invocation, with timeouts, cancellation and whole-unit restart.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/bootstrap"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/observability"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
)

// UnitBuilder starts a ready execution unit. *bootstrap.Builder implements it.
type UnitBuilder interface {
	Build(ctx context.Context) (*bootstrap.Handle, error)
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateLive
	stateDead
	stateClosed
)

type task struct {
	f      *Future
	h      *bootstrap.Handle
	timer  *time.Timer
	stop   func() bool
	record func(outcome string)
}

// Channel owns exactly one execution unit at a time.
type Channel struct {
	b       UnitBuilder
	reg     *codec.Registry
	log     *zap.Logger
	metrics *observability.Metrics
	timeout time.Duration

	// restartMu serializes Start, Restart and Shutdown.
	restartMu sync.Mutex

	mu       sync.Mutex
	nextID   uint64
	tasks    map[uint64]*task
	h        *bootstrap.Handle
	readDone chan struct{}
	state    state
	deadErr  error

	// wg counts read loops and timer or cancel callbacks; Shutdown waits
	// for it once the channel is closed.
	wg sync.WaitGroup
}

// New returns an idle channel; call Start to build the first unit.
func New(b UnitBuilder, opts Options) (*Channel, error) {
	if b == nil {
		return nil, errors.New("channel: nil builder")
	}
	c := &Channel{
		b:       b,
		reg:     opts.Registry,
		log:     opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.DefaultTimeout,
		tasks:   make(map[uint64]*task),
	}
	if c.reg == nil {
		var err error
		if c.reg, err = codec.NewDefaultRegistry(); err != nil {
			return nil, err
		}
	}
	if c.log == nil {
		c.log = zap.L()
	}
	return c, nil
}

// Start builds the first unit. It is a no-op on a live channel.
func (c *Channel) Start(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	c.mu.Lock()
	switch c.state {
	case stateLive:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return api.Errorf(api.KindTerminated, "channel shut down")
	}
	c.state = stateStarting
	c.mu.Unlock()
	return c.attach(ctx)
}

// Restart destroys the current unit, rejects every pending invocation with
// Terminated and builds a fresh unit from the same program. The old unit's
// read loop has exited when the new unit is built.
func (c *Channel) Restart(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return api.Errorf(api.KindTerminated, "channel shut down")
	}
	old, oldDone := c.h, c.readDone
	c.h, c.readDone = nil, nil
	c.state = stateStarting
	pending := c.drainLocked()
	c.mu.Unlock()

	c.rejectAll(pending, func(t *task) error {
		return &api.Error{Kind: api.KindTerminated, Op: t.f.op, ID: t.f.id, Msg: "unit restarted"}
	}, false)
	if old != nil {
		c.log.Info("destroy unit", zap.String("unit", old.ID.String()))
		_ = old.Close()
	}
	if oldDone != nil {
		<-oldDone
	}
	return c.attach(ctx)
}

// attach builds a unit and installs it; the caller holds restartMu and has
// moved the channel to stateStarting.
func (c *Channel) attach(ctx context.Context) error {
	h, err := c.b.Build(ctx)
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		if h != nil {
			_ = h.Close()
		}
		return api.Errorf(api.KindTerminated, "channel shut down")
	}
	if err != nil {
		c.state = stateDead
		c.deadErr = err
		c.mu.Unlock()
		return err
	}
	done := make(chan struct{})
	c.h, c.readDone = h, done
	c.state = stateLive
	c.deadErr = nil
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.readLoop(h)
	}()
	return nil
}

// Shutdown destroys the unit and rejects pending invocations with
// Terminated. Later invocations are rejected with Terminated as well. It
// returns once the read loop and pending timer callbacks have finished.
func (c *Channel) Shutdown() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	old := c.h
	c.h = nil
	c.state = stateClosed
	pending := c.drainLocked()
	c.mu.Unlock()

	c.rejectAll(pending, func(t *task) error {
		return &api.Error{Kind: api.KindTerminated, Op: t.f.op, ID: t.f.id, Msg: "channel shut down"}
	}, false)
	var err error
	if old != nil {
		err = old.Close()
	}
	c.wg.Wait()
	return err
}

// IsAlive reports whether a unit is installed and has not ended.
func (c *Channel) IsAlive() bool {
	c.mu.Lock()
	h, st := c.h, c.state
	c.mu.Unlock()
	if st != stateLive || h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Pending is the number of unsettled invocations.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Invoke sends op(args...) to the unit and returns its future without
// blocking. Cancelling ctx cancels the invocation.
func (c *Channel) Invoke(ctx context.Context, op string, args []any, opts ...InvokeOption) *Future {
	cfg := invokeConfig{timeout: c.timeout}
	for _, o := range opts {
		o(&cfg)
	}
	record := c.metrics.Started(op)

	c.mu.Lock()
	if err := c.unavailableLocked(); err != nil {
		c.mu.Unlock()
		record(string(err.Kind))
		return failed(0, op, err.WithCall(op, 0))
	}
	c.nextID++
	id := c.nextID
	h := c.h
	frame, err := protocol.EncodeMessage(c.reg, h.Format, protocol.Invoke(id, op, args))
	if err != nil {
		c.mu.Unlock()
		record(string(api.KindSerialization))
		return failed(id, op, &api.Error{Kind: api.KindSerialization, Op: op, ID: id, Msg: "encode arguments", Err: err})
	}
	t := &task{f: newFuture(id, op), h: h, record: record}
	c.tasks[id] = t
	if cfg.timeout > 0 {
		d := cfg.timeout
		t.timer = time.AfterFunc(d, func() { c.expire(id, d) })
	}
	if ctx.Done() != nil {
		t.stop = context.AfterFunc(ctx, func() { c.CancelOne(id) })
	}
	c.mu.Unlock()

	if err := h.Stream.SendBytes(frame); err != nil {
		if t := c.take(id); t != nil {
			c.finish(t, nil, &api.Error{Kind: api.KindCrashed, Op: op, ID: id, Msg: "send invoke", Err: err})
		}
	}
	return t.f
}

func (c *Channel) unavailableLocked() *api.Error {
	switch c.state {
	case stateLive:
		return nil
	case stateClosed:
		return api.Errorf(api.KindTerminated, "channel shut down")
	case stateStarting:
		return api.Errorf(api.KindTerminated, "unit restarting")
	case stateDead:
		return api.Wrap(api.KindCrashed, c.deadErr, "unit is dead")
	default:
		return api.Errorf(api.KindCrashed, "channel not started")
	}
}

// CancelAll rejects every pending invocation with Cancelled and asks the unit
// to stop each of them.
func (c *Channel) CancelAll() {
	if !c.enter() {
		return
	}
	defer c.wg.Done()
	c.mu.Lock()
	pending := c.drainLocked()
	c.mu.Unlock()
	c.rejectAll(pending, func(t *task) error {
		return &api.Error{Kind: api.KindCancelled, Op: t.f.op, ID: t.f.id}
	}, true)
}

// CancelOne rejects invocation id with Cancelled and asks the unit to stop
// it. It reports false when id is not pending.
func (c *Channel) CancelOne(id uint64) bool {
	if !c.enter() {
		return false
	}
	defer c.wg.Done()
	t := c.take(id)
	if t == nil {
		return false
	}
	c.finish(t, nil, &api.Error{Kind: api.KindCancelled, Op: t.f.op, ID: id})
	c.sendCancel(t.h, id)
	return true
}

func (c *Channel) expire(id uint64, d time.Duration) {
	if !c.enter() {
		return
	}
	defer c.wg.Done()
	t := c.take(id)
	if t == nil {
		return
	}
	c.log.Debug("invocation timed out", zap.Uint64("id", id), zap.String("op", t.f.op), zap.Duration("after", d))
	c.finish(t, nil, &api.Error{Kind: api.KindTimedOut, Op: t.f.op, ID: id, Msg: "no reply after " + d.String()})
	c.sendCancel(t.h, id)
}

// enter registers a callback with wg unless the channel is closed; a
// successful enter must be paired with wg.Done.
func (c *Channel) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return false
	}
	c.wg.Add(1)
	return true
}

// take removes and returns task id. Whoever takes a task settles it.
func (c *Channel) take(id uint64) *task {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil
	}
	delete(c.tasks, id)
	return t
}

func (c *Channel) drainLocked() []*task {
	out := make([]*task, 0, len(c.tasks))
	for id, t := range c.tasks {
		out = append(out, t)
		delete(c.tasks, id)
	}
	return out
}

func (c *Channel) rejectAll(ts []*task, errFor func(*task) error, notify bool) {
	for _, t := range ts {
		c.finish(t, nil, errFor(t))
		if notify {
			c.sendCancel(t.h, t.f.id)
		}
	}
}

func (c *Channel) finish(t *task, v any, err error) {
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stop != nil {
		t.stop()
	}
	outcome := "ok"
	if err != nil {
		outcome = string(api.KindOf(err))
	}
	t.record(outcome)
	t.f.settle(v, err)
}

func (c *Channel) sendCancel(h *bootstrap.Handle, id uint64) {
	if h == nil {
		return
	}
	frame, err := protocol.EncodeMessage(c.reg, h.Format, protocol.Cancel(id))
	if err != nil {
		return
	}
	if err := h.Stream.SendBytes(frame); err != nil {
		c.log.Debug("send cancel", zap.Uint64("id", id), zap.Error(err))
	}
}

// readLoop settles futures from h's replies until the stream breaks.
func (c *Channel) readLoop(h *bootstrap.Handle) {
	log := c.log.With(zap.String("unit", h.ID.String()))
	for {
		raw, err := h.Stream.RecvBytes()
		if err != nil {
			c.lost(h, api.Wrap(api.KindCrashed, err, "unit stream closed"))
			return
		}
		m, _, err := protocol.DecodeMessage(c.reg, raw)
		if err != nil {
			log.Warn("drop undecodable reply", zap.Error(err))
			continue
		}
		switch m.Type {
		case protocol.MsgResult:
			c.deliver(log, m.ID, m.Value, nil)
		case protocol.MsgError:
			c.deliver(log, m.ID, nil, m.Error.Err())
		case protocol.MsgFatal:
			e := &api.Error{Kind: api.KindCrashed, Msg: "unit reported a fatal error"}
			if m.Error != nil {
				e.Msg, e.Trace = m.Error.Message, m.Error.Trace
			}
			log.Error("unit fatal", zap.String("message", e.Msg))
			c.lost(h, e)
			return
		default:
			log.Debug("ignore message", zap.Stringer("type", m.Type))
		}
	}
}

func (c *Channel) deliver(log *zap.Logger, id uint64, v any, err *api.Error) {
	t := c.take(id)
	if t == nil {
		// already settled by cancel, timeout or restart
		c.metrics.LateResult()
		log.Debug("drop late reply", zap.Uint64("id", id))
		return
	}
	if err != nil {
		c.finish(t, nil, err.WithCall(t.f.op, id))
		return
	}
	c.finish(t, v, nil)
}

// lost marks the channel dead after h failed and rejects everything pending.
// Failures of a unit that was already replaced are ignored.
func (c *Channel) lost(h *bootstrap.Handle, err *api.Error) {
	c.mu.Lock()
	if c.h != h {
		c.mu.Unlock()
		return
	}
	c.h = nil
	c.state = stateDead
	c.deadErr = err
	pending := c.drainLocked()
	c.mu.Unlock()

	c.log.Warn("unit lost", zap.String("unit", h.ID.String()), zap.Int("pending", len(pending)), zap.Error(err))
	c.rejectAll(pending, func(t *task) error { return err.WithCall(t.f.op, t.f.id) }, false)
	_ = h.Close()
}
