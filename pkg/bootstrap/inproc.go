package bootstrap

import (
	"context"
	"time"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport/mem"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

const KindInProc = "inproc"

// DefaultStopGrace bounds how long Close waits for a unit to finish.
const DefaultStopGrace = 200 * time.Millisecond

// InProc runs the unit router in a goroutine over an in-memory pipe. It keeps
// the message boundary of a real unit but not its memory isolation, and a
// stuck operation keeps its goroutine after Close.
type InProc struct {
	Lib      *unit.Library
	Options  unit.Options
	MaxFrame int
	// Grace is how long Close waits for the router to return after its
	// stream is closed; zero means DefaultStopGrace.
	Grace time.Duration
}

func (s *InProc) Kind() string { return KindInProc }

func (s *InProc) Spawn(context.Context) (*Handle, error) {
	maxFrame := s.MaxFrame
	if maxFrame <= 0 {
		maxFrame = transport.DefaultMaxFrame
	}
	grace := s.Grace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	cs, us := mem.Pair(maxFrame)
	// the unit outlives the build context
	uctx, cancel := context.WithCancel(context.Background())
	var h *Handle
	h = NewHandle(KindInProc, cs, func() error {
		cancel()
		err := cs.Close()
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-h.Done():
		case <-t.C:
		}
		return err
	})
	go func() {
		h.Exit(unit.Serve(uctx, us, s.Lib, s.Options))
	}()
	return h, nil
}
