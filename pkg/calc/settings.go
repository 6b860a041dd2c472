package calc

import (
	"fmt"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/unit"
)

const (
	ModeExact = "exact"
	ModeFixed = "fixed"

	// DefaultPrecision is the number of decimal places kept by division and
	// non-integer results.
	DefaultPrecision int32 = 20
	maxPrecision     int32 = 1000

	stateKey = "calc.settings"
)

// Settings is the per-unit calculator state written by setConfig.
type Settings struct {
	Precision int32
	Mode      string
}

// current reads the unit's settings, falling back to the program bindings.
func current(env *unit.Env) Settings {
	if v, ok := env.Get(stateKey); ok {
		if s, ok := v.(Settings); ok {
			return s
		}
	}
	s := Settings{Precision: DefaultPrecision, Mode: ModeExact}
	if v, ok := env.Binding("defaultPrecision"); ok {
		if p, err := toInt(v); err == nil {
			s.Precision = int32(p)
		}
	}
	if v, ok := env.Binding("defaultMode"); ok {
		if m, ok := v.(string); ok && m != "" {
			s.Mode = m
		}
	}
	return s
}

// apply merges a configuration map into s.
func (s Settings) apply(m map[string]any) (Settings, error) {
	if v, ok := m["precision"]; ok {
		p, err := toInt(v)
		if err != nil {
			return s, fmt.Errorf("precision: %w", err)
		}
		if p < 0 || p > int64(maxPrecision) {
			return s, fmt.Errorf("precision %d out of range [0, %d]", p, maxPrecision)
		}
		s.Precision = int32(p)
	}
	if v, ok := m["mode"]; ok {
		mode, _ := v.(string)
		switch mode {
		case ModeExact, ModeFixed:
			s.Mode = mode
		case "":
		default:
			return s, fmt.Errorf("unknown mode %q", mode)
		}
	}
	return s, nil
}

func (s Settings) asMap() map[string]any {
	return map[string]any{"precision": int64(s.Precision), "mode": s.Mode}
}
