package feedback

import (
	"maps"
	"math"
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Effectiveness is the relative speed change, clamped to [-1, 1]. Traffic
// that was stopped before counts as fully improved once it moves.
func Effectiveness(before, after float64) float64 {
	if before <= 0 {
		if after > 0 {
			return 1
		}
		return 0
	}
	return math.Max(-1, math.Min(1, (after-before)/before))
}

// Accumulate folds x into rec as an exponentially decayed average: older
// observations lose weight by decay each time a new one arrives.
func Accumulate(rec domain.EffectivenessRecord, x, decay float64, at time.Time) domain.EffectivenessRecord {
	w := decay * rec.WeightSum
	rec.MeasuredImprovement = (w*rec.MeasuredImprovement + x) / (w + 1)
	rec.WeightSum = w + 1
	rec.SampleCount++
	rec.UpdatedAt = at
	return rec
}

// nextTable copies t with rec replaced and the version bumped.
func nextTable(t *domain.EffectivenessTable, rec domain.EffectivenessRecord) *domain.EffectivenessTable {
	next := &domain.EffectivenessTable{Version: t.TableVersion() + 1, Records: make(map[domain.ActionCategory]domain.EffectivenessRecord)}
	if t != nil {
		maps.Copy(next.Records, t.Records)
	}
	next.Records[rec.Category] = rec
	return next
}

// Tier buckets an applied effectiveness for analytics.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// TierOf grades x: high from 0.2, medium from 0.05.
func TierOf(x float64) Tier {
	switch {
	case x >= 0.2:
		return TierHigh
	case x >= 0.05:
		return TierMedium
	default:
		return TierLow
	}
}

// Analytics summarises outcomes seen since start.
type Analytics struct {
	High         int                          `json:"high"`
	Medium       int                          `json:"medium"`
	Low          int                          `json:"low"`
	Unmeasured   int                          `json:"unmeasured"`
	Pending      int                          `json:"pending"`
	TableVersion uint64                       `json:"table_version"`
	Records      []domain.EffectivenessRecord `json:"records"`
}
