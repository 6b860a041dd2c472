package protocol

import (
	"strconv"
	"strings"
)

// Text renders the program as source-like text, one binding per line followed
// by the operation table. It is for humans; units load the structured form.
func (p *Program) Text() string {
	var sb strings.Builder
	sb.WriteString("// unit program, protocol ")
	sb.WriteString(p.Version)
	sb.WriteByte('\n')
	for _, b := range p.Bindings {
		sb.WriteString("const ")
		sb.WriteString(b.Name)
		sb.WriteString(" = ")
		sb.WriteString(b.Value.String())
		sb.WriteString(";\n")
	}
	sb.WriteString("operations = [")
	for i, op := range p.Operations {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Quote(op))
	}
	sb.WriteString("];\n")
	return sb.String()
}
