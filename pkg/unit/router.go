package unit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
)

// Options tune the router.
type Options struct {
	// Registry resolves body codecs; nil uses codec.NewDefaultRegistry.
	Registry *codec.Registry
	// MaxConcurrency bounds invocations running at once; 0 means unbounded.
	MaxConcurrency int64
	Logger         *zap.Logger
}

// Router serves one controller over one stream.
type Router struct {
	lib    *Library
	st     transport.Stream
	reg    *codec.Registry
	log    *zap.Logger
	sem    *semaphore.Weighted
	env    *Env
	ops    map[string]bool
	format protocol.Format

	sendMu  sync.Mutex
	mu      sync.Mutex
	running map[uint64]*cancelState
	wg      sync.WaitGroup

	crashOnce sync.Once
	crashErr  error
}

// Serve bootstraps from the first frame on st and then routes invocations
// until the stream closes or ctx ends. Replies use the format of the
// bootstrap frame. Before returning, Serve marks every running invocation
// cancelled and waits for it to finish. A panicking operation is reported to
// the controller as a fatal message and returned as a Crashed error; the
// hosting process is expected to exit.
func Serve(ctx context.Context, st transport.Stream, lib *Library, opts Options) error {
	r, err := newRouter(st, lib, opts)
	if err != nil {
		return err
	}
	return r.serve(ctx)
}

func newRouter(st transport.Stream, lib *Library, opts Options) (*Router, error) {
	reg := opts.Registry
	if reg == nil {
		var err error
		if reg, err = codec.NewDefaultRegistry(); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	r := &Router{
		lib:     lib,
		st:      st,
		reg:     reg,
		log:     log,
		format:  protocol.FormatCBOR,
		running: make(map[uint64]*cancelState),
	}
	if opts.MaxConcurrency > 0 {
		r.sem = semaphore.NewWeighted(opts.MaxConcurrency)
	}
	return r, nil
}

func (r *Router) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = r.st.Close() })
	defer stop()

	if err := r.bootstrap(); err != nil {
		_ = r.st.Close()
		return err
	}
	r.log.Debug("unit ready", zap.Int("ops", len(r.ops)), zap.Stringer("format", r.format))

	var rerr error
	for {
		b, err := r.st.RecvBytes()
		if err != nil {
			rerr = err
			break
		}
		m, _, err := protocol.DecodeMessage(r.reg, b)
		if err != nil {
			r.log.Warn("drop undecodable frame", zap.Error(err))
			continue
		}
		switch m.Type {
		case protocol.MsgInvoke:
			r.invoke(ctx, m)
		case protocol.MsgCancel:
			r.cancel(m.ID)
		default:
			r.log.Debug("ignore message", zap.Stringer("type", m.Type), zap.Uint64("id", m.ID))
		}
	}

	r.cancelAll()
	r.wg.Wait()
	r.mu.Lock()
	crashErr := r.crashErr
	r.mu.Unlock()
	if crashErr != nil {
		return crashErr
	}
	if ctx.Err() != nil || errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrClosedPipe) {
		return nil
	}
	return rerr
}

// bootstrap reads the program, materializes its bindings and checks that every
// requested operation is linked in, then acknowledges with MsgReady.
func (r *Router) bootstrap() error {
	b, err := r.st.RecvBytes()
	if err != nil {
		return fmt.Errorf("unit: read program: %w", err)
	}
	m, f, err := protocol.DecodeMessage(r.reg, b)
	if err != nil {
		return fmt.Errorf("unit: decode program: %w", err)
	}
	r.format = f
	if m.Type != protocol.MsgBootstrap || m.Program == nil {
		err := api.Errorf(api.KindOperation, "expected bootstrap, got %s", m.Type)
		r.send(protocol.Fatal(err.Kind, err.Msg, ""))
		return err
	}
	bindings := make(map[string]any, len(m.Program.Bindings))
	for _, bd := range m.Program.Bindings {
		v, err := serial.Decode(bd.Name, bd.Value, r.lib)
		if err != nil {
			r.send(protocol.Fatal(api.KindOf(err), err.Error(), ""))
			return err
		}
		bindings[bd.Name] = v
	}
	r.env = NewEnv(bindings)
	r.ops = make(map[string]bool, len(m.Program.Operations))
	for _, op := range m.Program.Operations {
		if _, ok := r.lib.Lookup(op); !ok {
			err := &api.Error{Kind: api.KindFunctionNotFound, Op: op, Msg: "operation not linked into unit"}
			r.send(protocol.Fatal(err.Kind, fmt.Sprintf("operation %q not linked into unit", op), ""))
			return err
		}
		r.ops[op] = true
	}
	return r.send(&protocol.Message{
		Type:  protocol.MsgReady,
		Ready: &protocol.ReadyBody{Version: protocol.Version, Ops: m.Program.Operations},
	})
}

func (r *Router) invoke(ctx context.Context, m *protocol.Message) {
	fn, ok := r.lib.Lookup(m.Op)
	if !ok || !r.ops[m.Op] {
		r.send(protocol.Failure(m.ID, api.KindFunctionNotFound, fmt.Sprintf("no operation %q", m.Op), ""))
		return
	}
	ictx, cancel := context.WithCancel(ctx)
	cs := &cancelState{cancel: cancel}

	r.mu.Lock()
	if _, dup := r.running[m.ID]; dup {
		r.mu.Unlock()
		cancel()
		r.log.Warn("duplicate invocation id", zap.Uint64("id", m.ID))
		return
	}
	r.running[m.ID] = cs
	r.mu.Unlock()

	in := &Invocation{ID: m.ID, Op: m.Op, Args: m.Args, Env: r.env, state: cs}
	r.wg.Add(1)
	go r.run(ictx, fn, in)
}

func (r *Router) run(ctx context.Context, fn Func, in *Invocation) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.running, in.ID)
		r.mu.Unlock()
		in.state.cancel()
	}()

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer r.sem.Release(1)
	}

	v, crash, err := call(ctx, fn, in)
	if crash != nil {
		r.crash(crash)
		return
	}
	if in.IsCancelled() {
		return
	}
	if err != nil {
		kind, trace := api.KindOperation, ""
		var ae *api.Error
		if errors.As(err, &ae) {
			trace = ae.Trace
			if ae.Kind == api.KindCancelled || ae.Kind == api.KindFunctionNotFound {
				kind = ae.Kind
			}
		}
		r.send(protocol.Failure(in.ID, kind, err.Error(), trace))
		return
	}
	r.send(protocol.Result(in.ID, v))
}

// call runs fn and turns a panic into a Crashed error carrying the stack.
func call(ctx context.Context, fn Func, in *Invocation) (v any, crash *api.Error, err error) {
	defer func() {
		if p := recover(); p != nil {
			crash = &api.Error{Kind: api.KindCrashed, Op: in.Op, ID: in.ID, Msg: fmt.Sprint(p), Trace: string(debug.Stack())}
		}
	}()
	v, err = fn(ctx, in)
	return v, nil, err
}

func (r *Router) crash(e *api.Error) {
	r.crashOnce.Do(func() {
		r.mu.Lock()
		r.crashErr = e
		r.mu.Unlock()
		r.log.Error("operation panicked", zap.String("op", e.Op), zap.Uint64("id", e.ID), zap.String("panic", e.Msg))
		// the controller tags the message with each affected call
		r.send(protocol.Fatal(api.KindCrashed, e.Msg, e.Trace))
		_ = r.st.Close()
	})
}

func (r *Router) cancel(id uint64) {
	r.mu.Lock()
	cs := r.running[id]
	r.mu.Unlock()
	if cs == nil {
		return
	}
	cs.markCancelled()
}

func (r *Router) cancelAll() {
	r.mu.Lock()
	for _, cs := range r.running {
		cs.markCancelled()
	}
	r.mu.Unlock()
}

// Running reports how many invocations are registered.
func (r *Router) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Router) send(m *protocol.Message) error {
	b, err := protocol.EncodeMessage(r.reg, r.format, m)
	if err != nil {
		r.log.Warn("encode reply", zap.Stringer("type", m.Type), zap.Uint64("id", m.ID), zap.Error(err))
		if m.Type != protocol.MsgResult {
			return err
		}
		// the value itself is not transferable; report it as an operation error
		b, err = protocol.EncodeMessage(r.reg, r.format, protocol.Failure(m.ID, api.KindSerialization, err.Error(), ""))
		if err != nil {
			return err
		}
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if err := r.st.SendBytes(b); err != nil {
		r.log.Debug("send reply", zap.Stringer("type", m.Type), zap.Uint64("id", m.ID), zap.Error(err))
		return err
	}
	return nil
}
