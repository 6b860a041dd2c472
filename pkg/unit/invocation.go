package unit

import (
	"context"
	"sync/atomic"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
)

// Invocation is one running call. It doubles as the cancellation token:
// long computations poll IsCancelled or CheckCancelled between steps.
type Invocation struct {
	ID   uint64
	Op   string
	Args []any
	Env  *Env

	state *cancelState
}

// cancelState lives in the router's running map for exactly as long as the
// invocation runs.
type cancelState struct {
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

func (s *cancelState) markCancelled() {
	s.cancelled.Store(true)
	s.cancel()
}

// NewInvocation builds a detached invocation, for calling operations directly
// (tests, local evaluation). The returned cancel func marks it cancelled.
func NewInvocation(ctx context.Context, op string, args []any, env *Env) (context.Context, *Invocation, context.CancelFunc) {
	if env == nil {
		env = NewEnv(nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &cancelState{cancel: cancel}
	return ctx, &Invocation{Op: op, Args: args, Env: env, state: st}, st.markCancelled
}

func (in *Invocation) IsCancelled() bool {
	return in.state != nil && in.state.cancelled.Load()
}

// CheckCancelled returns a Cancelled error once the invocation was cancelled.
func (in *Invocation) CheckCancelled() error {
	if in.IsCancelled() {
		return &api.Error{Kind: api.KindCancelled, Op: in.Op, ID: in.ID}
	}
	return nil
}

// Arg returns argument i or nil when absent.
func (in *Invocation) Arg(i int) any {
	if i < 0 || i >= len(in.Args) {
		return nil
	}
	return in.Args[i]
}
