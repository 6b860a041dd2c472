package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Framed implements Stream with length-prefixed frames (u32 LE).
type Framed struct {
	mu     sync.Mutex
	kind   Kind
	br     *bufio.Reader
	bw     *bufio.Writer
	closer io.Closer
	max    int

	establishedAt time.Time
	lastSeen      atomic.Int64
	in, out       atomic.Uint64
	closeOnce     sync.Once
	closeErr      error
}

// NewFramed wraps r and w. closer releases both and may be nil. maxFrame <= 0
// uses DefaultMaxFrame.
func NewFramed(kind Kind, r io.Reader, w io.Writer, closer io.Closer, maxFrame int) *Framed {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Framed{
		kind:          kind,
		br:            bufio.NewReader(r),
		bw:            bufio.NewWriter(w),
		closer:        closer,
		max:           maxFrame,
		establishedAt: time.Now(),
	}
}

func (s *Framed) SendBytes(b []byte) error {
	if len(b) > s.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(b), s.max)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	s.out.Add(1)
	s.lastSeen.Store(time.Now().UnixNano())
	return nil
}

func (s *Framed) RecvBytes() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > s.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, s.max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	s.in.Add(1)
	s.lastSeen.Store(time.Now().UnixNano())
	return buf, nil
}

func (s *Framed) Stats() Stats {
	st := Stats{Kind: s.kind, EstablishedAt: s.establishedAt, FramesIn: s.in.Load(), FramesOut: s.out.Load()}
	if ns := s.lastSeen.Load(); ns != 0 {
		st.LastSeen = time.Unix(0, ns)
	}
	return st
}

// Close is idempotent.
func (s *Framed) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
