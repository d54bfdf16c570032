package detector

import (
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Factor tags attached to alerts.
const (
	FactorSpeedReduction = "speed_reduction"
	FactorHighDensity    = "high_density"
	FactorRushHour       = "rush_hour"
	FactorWeekend        = "weekend"
	FactorPrecipitation  = "precipitation"
	FactorLowVisibility  = "low_visibility"
	FactorWorseningTrend = "worsening_trend"
)

// Time-of-day buckets.
const (
	BucketNight       = "night"
	BucketMorningRush = "morning_rush"
	BucketMidday      = "midday"
	BucketEveningRush = "evening_rush"
	BucketEvening     = "evening"
)

// Features is what the classifier sees for one sample.
type Features struct {
	SegmentID       string  `json:"segment_id"`
	DeficitRatio    float64 `json:"deficit_ratio"`
	SpeedKmph       float64 `json:"speed_kmph"`
	ExpectedKmph    float64 `json:"expected_kmph"`
	VehicleCount    int     `json:"vehicle_count"`
	Density         float64 `json:"density"`
	TimeBucket      string  `json:"time_bucket"`
	Hour            int     `json:"hour"`
	Weekend         bool    `json:"weekend"`
	PrecipitationMM float64 `json:"precipitation_mm"`
	VisibilityKm    float64 `json:"visibility_km"`
	TrendSlope      float64 `json:"trend_slope"`
}

// DeficitRatio is (expected - observed) / expected. Non-positive means the
// segment is flowing at or above free-flow speed.
func DeficitRatio(expected, observed float64) float64 {
	if expected <= 0 {
		return 0
	}
	return (expected - observed) / expected
}

// Density is vehicles per lane-km. Without a length the count is scaled
// to a nominal 100-vehicle capacity.
func Density(seg domain.Segment, vehicles int) float64 {
	lanes := seg.Lanes
	if lanes <= 0 {
		lanes = 1
	}
	if seg.Geometry.LengthKm <= 0 {
		return float64(vehicles) / 100
	}
	return float64(vehicles) / (seg.Geometry.LengthKm * float64(lanes))
}

// TimeBucket assigns the hour of t to a named bucket.
func TimeBucket(t time.Time) string {
	switch h := t.Hour(); {
	case h < 6 || h >= 22:
		return BucketNight
	case h >= 7 && h <= 9:
		return BucketMorningRush
	case h >= 17 && h <= 19:
		return BucketEveningRush
	case h >= 20:
		return BucketEvening
	default:
		return BucketMidday
	}
}

func isWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

func buildFeatures(seg domain.Segment, s domain.TelemetrySample, loc *time.Location) Features {
	local := s.Timestamp.In(loc)
	f := Features{
		SegmentID:    s.SegmentID,
		DeficitRatio: DeficitRatio(seg.FreeFlowSpeed, s.SpeedKmph),
		SpeedKmph:    s.SpeedKmph,
		ExpectedKmph: seg.FreeFlowSpeed,
		VehicleCount: s.VehicleCount,
		Density:      Density(seg, s.VehicleCount),
		TimeBucket:   TimeBucket(local),
		Hour:         local.Hour(),
		Weekend:      isWeekend(local),
	}
	if w := s.Weather; w != nil {
		f.PrecipitationMM = w.PrecipitationMM
		f.VisibilityKm = w.VisibilityKm
	}
	return f
}
