// Package mem provides an in-process Stream pair over net.Pipe. It stands in
// for a real process boundary in goroutine units and tests.
package mem

import (
	"net"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
)

// Pair returns two connected streams. Closing either end breaks both.
func Pair(maxFrame int) (controller, unit *transport.Framed) {
	c1, c2 := net.Pipe()
	controller = transport.NewFramed(transport.KindMem, c1, c1, c1, maxFrame)
	unit = transport.NewFramed(transport.KindMem, c2, c2, c2, maxFrame)
	return controller, unit
}
