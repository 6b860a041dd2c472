// Command whalgebra-genprogram prints the calculator's unit program and
// writes sample frames of every message type for inspection.
package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/bootstrap"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/calc"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/config"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/transport"
)

func main() {
	outDir := flag.String("out", "testdata/frame", "output directory for binary frames (empty: program text only)")
	formats := flag.String("formats", "cbor,json,proto", "comma-separated body formats to write")
	cfgPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	prog, err := bootstrap.NewProgram(calc.Library(), calc.Dependencies(cfg.Calc))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Print(prog.Text())
	if *outDir == "" {
		return
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatal(err)
	}

	reg, err := codec.NewDefaultRegistry()
	if err != nil {
		log.Fatal(err)
	}
	samples := []struct {
		name string
		msg  *protocol.Message
	}{
		{"bootstrap", &protocol.Message{Type: protocol.MsgBootstrap, Program: prog}},
		{"ready", &protocol.Message{Type: protocol.MsgReady, Ready: &protocol.ReadyBody{Version: protocol.Version, Ops: prog.Operations}}},
		{"invoke", protocol.Invoke(1, "add", []any{2, 3})},
		{"cancel", protocol.Cancel(1)},
		{"result", protocol.Result(1, 5)},
		{"error", protocol.Failure(2, api.KindOperation, "division by zero", "")},
		{"fatal", protocol.Fatal(api.KindCrashed, "unit corrupted", "")},
	}
	for _, fs := range strings.Split(*formats, ",") {
		f, err := protocol.ParseFormat(fs)
		if err != nil {
			log.Fatal(err)
		}
		for _, s := range samples {
			writeOut(*outDir, fmt.Sprintf("%s_%s.bin", s.name, strings.TrimSpace(fs)), mustFrame(reg, f, s.msg))
		}
	}
	fmt.Println("Generated frames in", *outDir)
}

// mustFrame returns the bytes a stream carries for m: length prefix plus body.
func mustFrame(reg *codec.Registry, f protocol.Format, m *protocol.Message) []byte {
	body, err := protocol.EncodeMessage(reg, f, m)
	if err != nil {
		log.Fatal(err)
	}
	var buf bytes.Buffer
	fr := transport.NewFramed(transport.KindUnknown, nil, &buf, nil, transport.DefaultMaxFrame)
	if err := fr.SendBytes(body); err != nil {
		log.Fatal(err)
	}
	return buf.Bytes()
}

func writeOut(dir, name string, b []byte) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, b, 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%-24s %5d bytes  head: %s\n", name, len(b), shortHex(b, 32))
}

func shortHex(b []byte, n int) string {
	if len(b) == 0 {
		return ""
	}
	if n > len(b) {
		n = len(b)
	}
	enc := hex.EncodeToString(b[:n])
	if len(b) > n {
		enc += "..."
	}
	var out []string
	for i := 0; i < len(enc); i += 4 {
		j := min(i+4, len(enc))
		out = append(out, enc[i:j])
	}
	return strings.Join(out, " ")
}
