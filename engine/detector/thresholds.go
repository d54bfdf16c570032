package detector

import (
	"fmt"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Thresholds are the lower bounds of each severity tier on the deficit ratio.
// Anything below Moderate is LOW.
type Thresholds struct {
	Moderate float64 `koanf:"moderate" json:"moderate"`
	High     float64 `koanf:"high" json:"high"`
	Critical float64 `koanf:"critical" json:"critical"`
}

// DefaultThresholds is the tier table used when none is configured.
var DefaultThresholds = Thresholds{Moderate: 0.2, High: 0.5, Critical: 0.75}

// Validate requires 0 < moderate < high < critical <= 1.
func (t Thresholds) Validate() error {
	if !(t.Moderate > 0 && t.Moderate < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("thresholds must satisfy 0 < moderate < high < critical <= 1, got %.3f/%.3f/%.3f",
			t.Moderate, t.High, t.Critical)
	}
	return nil
}

// Classify maps a deficit ratio onto a severity tier.
func (t Thresholds) Classify(deficit float64) domain.Severity {
	switch {
	case deficit >= t.Critical:
		return domain.SeverityCritical
	case deficit >= t.High:
		return domain.SeverityHigh
	case deficit >= t.Moderate:
		return domain.SeverityModerate
	default:
		return domain.SeverityLow
	}
}

// margin is the distance from deficit to the nearest tier boundary.
func (t Thresholds) margin(deficit float64) float64 {
	m := 1.0
	for _, b := range []float64{t.Moderate, t.High, t.Critical} {
		d := deficit - b
		if d < 0 {
			d = -d
		}
		if d < m {
			m = d
		}
	}
	return m
}
