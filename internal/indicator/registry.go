package indicator

import (
	"fmt"
	"strings"

	"indicore/internal/pkg/convert"
)

// Spec is one configured indicator: a family plus its loosely-typed
// parameter set as it arrives from configuration.
type Spec struct {
	Family string         `toml:"family"`
	Params map[string]any `toml:"params"`
}

func (s Spec) param(name string) any {
	if s.Params == nil {
		return nil
	}
	return s.Params[name]
}

func (s Spec) intParam(name, fallbackName string, def int) int {
	if v := s.param(name); v != nil {
		return convert.ToInt(v)
	}
	if fallbackName != "" {
		if v := s.param(fallbackName); v != nil {
			return convert.ToInt(v)
		}
	}
	return def
}

func (s Spec) floatParam(name string, def float64) float64 {
	if v := s.param(name); v != nil {
		return convert.ToFloat64(v)
	}
	return def
}

// New builds a kernel from a configured spec.
func New(spec Spec) (Kernel, error) {
	switch Family(strings.ToLower(strings.TrimSpace(spec.Family))) {
	case FamilyEMA:
		return NewEMA(spec.intParam("period", "", 21))
	case FamilySMA:
		return NewSMA(spec.intParam("period", "", 20))
	case FamilyRSI:
		return NewRSI(spec.intParam("period", "", 14))
	case FamilyATR:
		return NewATR(spec.intParam("period", "", 14))
	case FamilyADX:
		return NewADX(spec.intParam("period", "", 14))
	case FamilyMACD:
		return NewMACD(
			spec.intParam("fast", "", 12),
			spec.intParam("slow", "", 26),
			spec.intParam("signal", "", 9),
		)
	case FamilyBBands:
		return NewBBands(
			spec.intParam("period", "", 20),
			spec.floatParam("mult", 2),
		)
	default:
		return nil, fmt.Errorf("unknown indicator family: %q", spec.Family)
	}
}
