package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)

func TestValidateSample_Valid(t *testing.T) {
	cases := []TelemetrySample{
		{SegmentID: "I-90-E-12", Timestamp: t0, SpeedKmph: 54, VehicleCount: 120},
		{SegmentID: "I-90-E-12", Timestamp: t0, SpeedKmph: 0, VehicleCount: 0},
		{SegmentID: "I-90-E-12", Timestamp: t0, SpeedKmph: 12, Weather: &WeatherSnapshot{PrecipitationMM: 4, VisibilityKm: 0.8}},
	}
	for _, s := range cases {
		if err := ValidateSample(s); err != nil {
			t.Errorf("expected valid for %+v, got %v", s, err)
		}
	}
}

func TestValidateSample_Invalid(t *testing.T) {
	cases := []struct {
		name string
		s    TelemetrySample
		want error
	}{
		{"no segment", TelemetrySample{Timestamp: t0, SpeedKmph: 10}, ErrMissingSegment},
		{"no timestamp", TelemetrySample{SegmentID: "a", SpeedKmph: 10}, ErrMissingTimestamp},
		{"negative speed", TelemetrySample{SegmentID: "a", Timestamp: t0, SpeedKmph: -1}, ErrNegativeSpeed},
		{"nan speed", TelemetrySample{SegmentID: "a", Timestamp: t0, SpeedKmph: math.NaN()}, ErrNegativeSpeed},
		{"negative count", TelemetrySample{SegmentID: "a", Timestamp: t0, VehicleCount: -3}, ErrNegativeCount},
		{"bad weather", TelemetrySample{SegmentID: "a", Timestamp: t0, Weather: &WeatherSnapshot{PrecipitationMM: -2}}, ErrOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSample(tc.s)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation kind, got %s", KindOf(err))
			}
		})
	}
}

func TestValidateScore(t *testing.T) {
	ok := RootCauseScore{
		Probabilities: map[Cause]float64{CauseWeather: 0.5, CauseEvent: 0.2, CauseIncident: 0.1, CauseDemand: 0.1, CauseOther: 0.1},
		Dominant:      CauseWeather,
	}
	if err := ValidateScore(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := ok
	bad.Probabilities = map[Cause]float64{CauseWeather: 0.7, CauseOther: 0.7}
	if err := ValidateScore(bad); !errors.Is(err, ErrBadDistribution) {
		t.Fatalf("expected ErrBadDistribution for sum 1.4, got %v", err)
	}

	bad.Probabilities = map[Cause]float64{CauseWeather: 1.2, CauseOther: -0.2}
	if err := ValidateScore(bad); !errors.Is(err, ErrBadDistribution) {
		t.Fatalf("expected ErrBadDistribution for negative, got %v", err)
	}

	bad.Probabilities = map[Cause]float64{"aliens": 1}
	if err := ValidateScore(bad); !errors.Is(err, ErrUnknownCause) {
		t.Fatalf("expected ErrUnknownCause, got %v", err)
	}
}

func TestValidateAction(t *testing.T) {
	after := 40.0
	a := ImplementedAction{Key: KeyOf("a", t0), RecommendationID: "r1", ImplementedAt: t0, SpeedBefore: 20, SpeedAfter: &after}
	if err := ValidateAction(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.RecommendationID = ""
	if err := ValidateAction(a); !errors.Is(err, ErrUnknownRec) {
		t.Fatalf("expected ErrUnknownRec, got %v", err)
	}
	a.RecommendationID = "r1"
	neg := -1.0
	a.SpeedAfter = &neg
	if err := ValidateAction(a); !errors.Is(err, ErrNegativeSpeed) {
		t.Fatalf("expected ErrNegativeSpeed, got %v", err)
	}
}

func TestCorrelationKey_RoundTrip(t *testing.T) {
	k := KeyOf("SR-520-W-3", t0.Add(123456789*time.Nanosecond))
	parsed, err := ParseCorrelationKey(k.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != k {
		t.Fatalf("expected %v, got %v", k, parsed)
	}

	data, err := json.Marshal(k)
	if err != nil {
		t.Fatal(err)
	}
	var back CorrelationKey
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != k {
		t.Fatalf("json round trip changed key: %v != %v", back, k)
	}

	for _, s := range []string{"", "noat", "seg@", "@123", "seg@abc"} {
		if _, err := ParseCorrelationKey(s); !errors.Is(err, ErrMalformedKey) {
			t.Errorf("expected ErrMalformedKey for %q, got %v", s, err)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityModerate) {
		t.Error("CRITICAL should be at least MODERATE")
	}
	if SeverityLow.AtLeast(SeverityModerate) {
		t.Error("LOW should not be at least MODERATE")
	}
	if _, err := ParseSeverity("severe"); !errors.Is(err, ErrUnknownSeverity) {
		t.Errorf("expected ErrUnknownSeverity, got %v", err)
	}
	s, err := ParseSeverity(" high ")
	if err != nil || s != SeverityHigh {
		t.Errorf("expected HIGH, got %v %v", s, err)
	}
}

func TestErrorKinds(t *testing.T) {
	key := KeyOf("a", t0)
	err := Fail(KindCollaboratorTimeout, "context.weather", key, errors.New("deadline"))
	if !IsKind(err, KindCollaboratorTimeout) {
		t.Fatalf("expected timeout kind, got %s", KindOf(err))
	}
	got, ok := KeyOfError(err)
	if !ok || got != key {
		t.Fatalf("expected key %v, got %v", key, got)
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors should be unknown kind")
	}
	if !KindConfiguration.Fatal() || KindValidation.Fatal() {
		t.Fatal("only configuration errors are fatal")
	}
	if Invalid("op", key, nil) != nil {
		t.Fatal("Invalid(nil) should be nil")
	}
}

func TestSegmentMinutes(t *testing.T) {
	s := Segment{ID: "a", FreeFlowSpeed: 60, Geometry: GeometryRef{LengthKm: 2}}
	if got := s.FreeFlowMinutes(); got != 2 {
		t.Fatalf("expected 2 minutes, got %v", got)
	}
	if got := s.MinutesAt(0); got != 120 {
		t.Fatalf("expected stopped traffic floored to 1 km/h (120 min), got %v", got)
	}
	if err := ValidateSegment(Segment{ID: "a"}); !errors.Is(err, ErrBadFreeFlow) {
		t.Fatalf("expected ErrBadFreeFlow, got %v", err)
	}
}
