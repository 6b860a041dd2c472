package transport

import (
	"errors"
	"time"
)

// Kind identifies the link type of a stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindMem
	KindStdio
)

func (k Kind) String() string {
	switch k {
	case KindMem:
		return "mem"
	case KindStdio:
		return "stdio"
	default:
		return "unknown"
	}
}

// DefaultMaxFrame bounds a single frame when the caller does not set a limit.
const DefaultMaxFrame = 1 << 24

// ErrFrameTooLarge is returned for frames above the configured limit.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// Stats is a snapshot of stream activity.
type Stats struct {
	Kind          Kind
	EstablishedAt time.Time
	LastSeen      time.Time
	FramesIn      uint64
	FramesOut     uint64
}

// Stream is a bidirectional frame stream.
// Exactly one reader goroutine is expected; SendBytes is safe for concurrent use.
type Stream interface {
	// SendBytes sends one message frame as opaque bytes.
	SendBytes([]byte) error
	// RecvBytes receives the next message frame and returns its bytes.
	RecvBytes() ([]byte, error)
	Stats() Stats
	Close() error
}
