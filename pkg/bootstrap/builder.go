package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

const (
	DefaultStartTimeout = 10 * time.Second
	DefaultConstraint   = "^1.0.0"
)

// Spawner starts a bare unit that waits for its program on the returned
// handle's stream.
type Spawner interface {
	Kind() string
	Spawn(ctx context.Context) (*Handle, error)
}

type Options struct {
	Format       protocol.Format
	Registry     *codec.Registry
	StartTimeout time.Duration
	// Constraint is the semver range the unit's protocol version must satisfy.
	Constraint string
	Logger     *zap.Logger
}

// Builder holds a serialized program and starts units from it. The same
// Builder is reused on every restart so each unit gets the same program.
type Builder struct {
	prog    *protocol.Program
	spawner Spawner
	format  protocol.Format
	reg     *codec.Registry
	timeout time.Duration
	want    *semver.Constraints
	log     *zap.Logger
}

// NewProgram serializes deps against lib into the program units load.
func NewProgram(lib *unit.Library, deps []serial.Dependency) (*protocol.Program, error) {
	bindings, err := serial.EncodeAll(deps, lib)
	if err != nil {
		return nil, err
	}
	return &protocol.Program{
		Version:    protocol.Version,
		Operations: lib.Names(),
		Bindings:   bindings,
	}, nil
}

// NewBuilder serializes deps against lib. Any dependency that cannot be
// serialized fails here with a SerializationError and no unit is started.
func NewBuilder(lib *unit.Library, deps []serial.Dependency, sp Spawner, opts Options) (*Builder, error) {
	prog, err := NewProgram(lib, deps)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, errors.New("bootstrap: nil spawner")
	}
	b := &Builder{
		prog:    prog,
		spawner: sp,
		format:  opts.Format,
		reg:     opts.Registry,
		timeout: opts.StartTimeout,
		log:     opts.Logger,
	}
	if b.format == protocol.FormatUnknown {
		b.format = protocol.FormatCBOR
	}
	if b.reg == nil {
		if b.reg, err = codec.NewDefaultRegistry(); err != nil {
			return nil, err
		}
	}
	if b.timeout <= 0 {
		b.timeout = DefaultStartTimeout
	}
	if b.log == nil {
		b.log = zap.L()
	}
	c := opts.Constraint
	if c == "" {
		c = DefaultConstraint
	}
	if b.want, err = semver.NewConstraint(c); err != nil {
		return nil, fmt.Errorf("bootstrap: protocol constraint %q: %w", c, err)
	}
	return b, nil
}

// Program returns the serialized program every unit is started with.
func (b *Builder) Program() *protocol.Program { return b.prog }

func (b *Builder) Registry() *codec.Registry { return b.reg }

func (b *Builder) Format() protocol.Format { return b.format }

// Build spawns a unit, sends it the program and waits for its ready reply.
func (b *Builder) Build(ctx context.Context) (*Handle, error) {
	h, err := b.spawner.Spawn(ctx)
	if err != nil {
		return nil, api.Wrap(api.KindCrashed, err, "spawn "+b.spawner.Kind()+" unit")
	}
	h.Format = b.format
	log := b.log.With(zap.String("unit", h.ID.String()), zap.String("kind", h.Kind))

	frame, err := protocol.EncodeMessage(b.reg, b.format, &protocol.Message{Type: protocol.MsgBootstrap, Program: b.prog})
	if err != nil {
		_ = h.Close()
		return nil, api.Wrap(api.KindSerialization, err, "encode program")
	}
	if err := h.Stream.SendBytes(frame); err != nil {
		_ = h.Close()
		return nil, api.Wrap(api.KindCrashed, err, "send program")
	}
	ready, err := b.awaitReady(ctx, h)
	if err != nil {
		_ = h.Close()
		log.Warn("unit failed to start", zap.Error(err))
		return nil, err
	}
	h.Ready = *ready
	log.Info("unit started", zap.String("protocol", ready.Version), zap.Int("ops", len(ready.Ops)))
	return h, nil
}

func (b *Builder) awaitReady(ctx context.Context, h *Handle) (*protocol.ReadyBody, error) {
	type result struct {
		m   *protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := h.Stream.RecvBytes()
		if err != nil {
			ch <- result{err: err}
			return
		}
		m, _, err := protocol.DecodeMessage(b.reg, raw)
		ch <- result{m: m, err: err}
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	var r result
	select {
	case r = <-ch:
	case <-timer.C:
		return nil, api.Errorf(api.KindTimedOut, "unit not ready after %s", b.timeout)
	case <-ctx.Done():
		return nil, api.Wrap(api.KindCancelled, ctx.Err(), "build unit")
	}
	if r.err != nil {
		return nil, api.Wrap(api.KindCrashed, r.err, "await ready")
	}
	switch r.m.Type {
	case protocol.MsgReady:
	case protocol.MsgFatal:
		e := r.m.Error
		kind := api.KindCrashed
		if e != nil && api.Kind(e.Kind) == api.KindFunctionNotFound {
			kind = api.KindFunctionNotFound
		}
		msg := "unit refused program"
		if e != nil {
			msg = e.Message
		}
		return nil, &api.Error{Kind: kind, Msg: msg}
	default:
		return nil, api.Errorf(api.KindCrashed, "expected ready, got %s", r.m.Type)
	}
	if r.m.Ready == nil {
		return nil, api.Errorf(api.KindCrashed, "empty ready message")
	}
	v, err := semver.NewVersion(r.m.Ready.Version)
	if err != nil {
		return nil, api.Wrap(api.KindCrashed, err, "unit protocol version")
	}
	if !b.want.Check(v) {
		return nil, api.Errorf(api.KindCrashed, "unit protocol %s does not satisfy %s", v, b.want)
	}
	return r.m.Ready, nil
}
