package protocol

import (
	"math"
	"testing"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
)

func TestProgramText(t *testing.T) {
	nan, _ := serial.Encode("missing", math.NaN(), nil)
	prec, _ := serial.Encode("precision", 20, nil)
	p := &Program{
		Version:    "1.0.0",
		Operations: []string{"add", "div"},
		Bindings: []serial.Binding{
			{Name: "precision", Value: prec},
			{Name: "missing", Value: nan},
		},
	}
	want := "// unit program, protocol 1.0.0\n" +
		"const precision = 20;\n" +
		"const missing = NaN;\n" +
		"operations = [\"add\", \"div\"];\n"
	if got := p.Text(); got != want {
		t.Fatalf("Text() =\n%s\nwant\n%s", got, want)
	}
}
