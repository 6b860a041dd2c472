// Package stdio frames a process's standard streams.
package stdio

import (
	"errors"
	"io"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
)

// New frames reads from r and writes to w. Close closes both.
func New(r io.ReadCloser, w io.WriteCloser, maxFrame int) *transport.Framed {
	return transport.NewFramed(transport.KindStdio, r, w, pair{r: r, w: w}, maxFrame)
}

type pair struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p pair) Close() error {
	return errors.Join(p.w.Close(), p.r.Close())
}
