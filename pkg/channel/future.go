package channel

import (
	"context"
	"errors"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
)

// ErrPending is returned by Future.Result before the future settles.
var ErrPending = errors.New("channel: future not settled")

// Future is the pending result of one invocation. It settles exactly once.
type Future struct {
	id   uint64
	op   string
	done chan struct{}
	val  any
	err  error
}

func newFuture(id uint64, op string) *Future {
	return &Future{id: id, op: op, done: make(chan struct{})}
}

// failed returns a future that is already rejected with err.
func failed(id uint64, op string, err error) *Future {
	f := newFuture(id, op)
	f.settle(nil, err)
	return f
}

// settle must be called at most once; the channel guarantees it by removing
// the task from its map before settling.
func (f *Future) settle(v any, err error) {
	f.val, f.err = v, err
	close(f.done)
}

func (f *Future) ID() uint64 { return f.id }

func (f *Future) Op() string { return f.op }

// Done is closed once the future settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome without blocking, or ErrPending.
func (f *Future) Result() (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		return nil, ErrPending
	}
}

// Wait blocks until the future settles or ctx ends. When ctx ends first the
// returned error is Cancelled; the invocation itself is cancelled through the
// context given to Invoke, not this one.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, &api.Error{Kind: api.KindCancelled, Op: f.op, ID: f.id, Err: ctx.Err()}
	}
}
