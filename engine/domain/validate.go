package domain

import (
	"fmt"
	"math"
	"strconv"
)

// probabilityEpsilon bounds how far a distribution may drift from 1.
const probabilityEpsilon = 1e-6

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// ValidateSegment checks reference data at network load time.
func ValidateSegment(s Segment) error {
	if s.ID == "" {
		return NewValidationError("id", s.ID, ErrMissingSegment)
	}
	if !finite(s.FreeFlowSpeed) || s.FreeFlowSpeed <= 0 {
		return NewValidationError("free_flow_speed_kmph", fmtFloat(s.FreeFlowSpeed), ErrBadFreeFlow)
	}
	if s.Lanes < 0 {
		return NewValidationError("lanes", strconv.Itoa(s.Lanes), ErrOutOfRange)
	}
	if s.Geometry.LengthKm < 0 {
		return NewValidationError("length_km", fmtFloat(s.Geometry.LengthKm), ErrOutOfRange)
	}
	return nil
}

// ValidateSample checks a telemetry sample at ingestion.
func ValidateSample(s TelemetrySample) error {
	if s.SegmentID == "" {
		return NewValidationError("segment_id", "", ErrMissingSegment)
	}
	if s.Timestamp.IsZero() {
		return NewValidationError("timestamp", "", ErrMissingTimestamp)
	}
	if !finite(s.SpeedKmph) || s.SpeedKmph < 0 {
		return NewValidationError("speed_kmph", fmtFloat(s.SpeedKmph), ErrNegativeSpeed)
	}
	if s.VehicleCount < 0 {
		return NewValidationError("vehicle_count", strconv.Itoa(s.VehicleCount), ErrNegativeCount)
	}
	if w := s.Weather; w != nil {
		if w.PrecipitationMM < 0 || w.VisibilityKm < 0 || w.WindKph < 0 {
			return NewValidationError("weather", fmt.Sprintf("%+v", *w), ErrOutOfRange)
		}
	}
	return nil
}

// ValidateAlert checks an alert received from the bus or a caller.
func ValidateAlert(a CongestionAlert) error {
	if a.Key.SegmentID == "" {
		return NewValidationError("key.segment_id", "", ErrMissingSegment)
	}
	if a.Key.Timestamp.IsZero() {
		return NewValidationError("key.timestamp", "", ErrMissingTimestamp)
	}
	if !a.Severity.Valid() {
		return NewValidationError("severity", string(a.Severity), ErrUnknownSeverity)
	}
	if !finite(a.Confidence) || a.Confidence < 0 || a.Confidence > 1 {
		return NewValidationError("confidence", fmtFloat(a.Confidence), ErrOutOfRange)
	}
	return nil
}

// ValidateBundle checks a context bundle against the alert it enriches.
func ValidateBundle(b ContextBundle, alert CongestionAlert) error {
	if b.Key != alert.Key {
		return NewValidationError("key", b.Key.String(), ErrUnknownAlert)
	}
	if !finite(b.Confidence) || b.Confidence < 0 || b.Confidence > 1 {
		return NewValidationError("confidence", fmtFloat(b.Confidence), ErrOutOfRange)
	}
	for d := range b.Fragments {
		if !d.Valid() {
			return NewValidationError("dimension", string(d), ErrOutOfRange)
		}
	}
	return nil
}

// ValidateScore checks the distribution invariant: non-negative, known causes, sums to 1.
func ValidateScore(s RootCauseScore) error {
	if len(s.Probabilities) == 0 {
		return NewValidationError("probabilities", "empty", ErrBadDistribution)
	}
	sum := 0.0
	for c, p := range s.Probabilities {
		if !c.Valid() {
			return NewValidationError("probabilities", string(c), ErrUnknownCause)
		}
		if !finite(p) || p < 0 {
			return NewValidationError("probabilities."+string(c), fmtFloat(p), ErrBadDistribution)
		}
		sum += p
	}
	if math.Abs(sum-1) > probabilityEpsilon {
		return NewValidationError("probabilities", fmtFloat(sum), ErrBadDistribution)
	}
	if !s.Dominant.Valid() {
		return NewValidationError("dominant", string(s.Dominant), ErrUnknownCause)
	}
	return nil
}

// ValidateAction checks operator input before it reaches the feedback loop.
func ValidateAction(a ImplementedAction) error {
	if a.Key.SegmentID == "" {
		return NewValidationError("key.segment_id", "", ErrMissingSegment)
	}
	if a.RecommendationID == "" {
		return NewValidationError("recommendation_id", "", ErrUnknownRec)
	}
	if a.ImplementedAt.IsZero() {
		return NewValidationError("implemented_at", "", ErrMissingTimestamp)
	}
	if !finite(a.SpeedBefore) || a.SpeedBefore < 0 {
		return NewValidationError("speed_before_kmph", fmtFloat(a.SpeedBefore), ErrNegativeSpeed)
	}
	if a.SpeedAfter != nil && (!finite(*a.SpeedAfter) || *a.SpeedAfter < 0) {
		return NewValidationError("speed_after_kmph", fmtFloat(*a.SpeedAfter), ErrNegativeSpeed)
	}
	if a.Category != "" && !a.Category.Valid() {
		return NewValidationError("category", string(a.Category), ErrUnknownCategory)
	}
	return nil
}
