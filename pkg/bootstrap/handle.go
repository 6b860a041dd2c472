// Package bootstrap builds execution units: it serializes the program once,
// starts a unit through a Spawner and performs the ready handshake.
package bootstrap

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
)

// Handle is a live execution unit and the resources released on Close.
type Handle struct {
	ID     uuid.UUID
	Kind   string
	Stream transport.Stream
	Format protocol.Format
	Ready  protocol.ReadyBody

	stop      func() error
	closeOnce sync.Once
	closeErr  error

	exitOnce sync.Once
	done     chan struct{}
	exitErr  error
}

// NewHandle is used by Spawner implementations. stop must release everything
// the unit holds; the spawner reports the unit's end through Exit.
func NewHandle(kind string, st transport.Stream, stop func() error) *Handle {
	return &Handle{
		ID:     uuid.New(),
		Kind:   kind,
		Stream: st,
		stop:   stop,
		done:   make(chan struct{}),
	}
}

// Exit records that the unit ended. Only the first call counts.
func (h *Handle) Exit(err error) {
	h.exitOnce.Do(func() {
		h.exitErr = err
		close(h.done)
	})
}

// Done is closed when the unit has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr is the unit's exit status; valid after Done.
func (h *Handle) ExitErr() error {
	<-h.done
	return h.exitErr
}

// Close destroys the unit. It is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.stop != nil {
			h.closeErr = h.stop()
		}
	})
	return h.closeErr
}
