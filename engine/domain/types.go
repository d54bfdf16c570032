// Package domain defines the records that flow between pipeline stages, the
// closed enumerations they use, and validation for the pipeline entry points.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CorrelationKey ties every derived record back to one originating alert.
type CorrelationKey struct {
	SegmentID string    `json:"segment_id"`
	Timestamp time.Time `json:"timestamp"`
}

// KeyOf builds a correlation key, normalising the timestamp to UTC
// millisecond precision so keys survive a JSON round trip unchanged.
func KeyOf(segmentID string, ts time.Time) CorrelationKey {
	return CorrelationKey{SegmentID: segmentID, Timestamp: ts.UTC().Truncate(time.Millisecond)}
}

// String renders the key as "<segment>@<unix millis>".
func (k CorrelationKey) String() string {
	return k.SegmentID + "@" + strconv.FormatInt(k.Timestamp.UnixMilli(), 10)
}

// IsZero reports whether the key is unset.
func (k CorrelationKey) IsZero() bool { return k.SegmentID == "" && k.Timestamp.IsZero() }

// ParseCorrelationKey is the inverse of CorrelationKey.String.
func ParseCorrelationKey(s string) (CorrelationKey, error) {
	idx := strings.LastIndexByte(s, '@')
	if idx <= 0 || idx == len(s)-1 {
		return CorrelationKey{}, NewValidationError("correlation_key", s, ErrMalformedKey)
	}
	ms, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return CorrelationKey{}, NewValidationError("correlation_key", s, ErrMalformedKey)
	}
	return KeyOf(s[:idx], time.UnixMilli(ms)), nil
}

// Severity classifies congestion intensity.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityModerate Severity = "MODERATE"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists the tiers in ascending order.
var Severities = []Severity{SeverityLow, SeverityModerate, SeverityHigh, SeverityCritical}

// Rank returns the tier's position in Severities, or -1 if unknown.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s belongs to the closed set.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// AtLeast reports whether s is the same tier as min or above it.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// ParseSeverity rejects anything outside the closed set.
func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", NewValidationError("severity", s, ErrUnknownSeverity)
	}
	return v, nil
}

// Urgency classifies a recommendation's implementation horizon.
type Urgency string

const (
	UrgencyImmediate Urgency = "IMMEDIATE"
	UrgencyShortTerm Urgency = "SHORT_TERM"
	UrgencyLongTerm  Urgency = "LONG_TERM"
)

// Urgencies lists the tiers from most to least urgent.
var Urgencies = []Urgency{UrgencyImmediate, UrgencyShortTerm, UrgencyLongTerm}

// Order returns the sort position (0 = most urgent), or -1 if unknown.
func (u Urgency) Order() int {
	for i, v := range Urgencies {
		if v == u {
			return i
		}
	}
	return -1
}

func (u Urgency) Valid() bool { return u.Order() >= 0 }

// ParseUrgency rejects anything outside the closed set.
func ParseUrgency(s string) (Urgency, error) {
	v := Urgency(strings.ToUpper(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", NewValidationError("urgency", s, ErrUnknownUrgency)
	}
	return v, nil
}

// Cause is a root-cause category.
type Cause string

const (
	CauseWeather  Cause = "weather"
	CauseEvent    Cause = "event"
	CauseIncident Cause = "incident"
	CauseDemand   Cause = "demand"
	CauseOther    Cause = "other"
)

// Causes is the closed set of root-cause categories in canonical order.
var Causes = []Cause{CauseWeather, CauseEvent, CauseIncident, CauseDemand, CauseOther}

func (c Cause) Valid() bool {
	for _, v := range Causes {
		if v == c {
			return true
		}
	}
	return false
}

// ParseCause rejects anything outside the closed set.
func ParseCause(s string) (Cause, error) {
	v := Cause(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", NewValidationError("cause", s, ErrUnknownCause)
	}
	return v, nil
}

// CostTier is a coarse implementation cost estimate.
type CostTier string

const (
	CostLow    CostTier = "LOW"
	CostMedium CostTier = "MEDIUM"
	CostHigh   CostTier = "HIGH"
)

func (c CostTier) Valid() bool {
	return c == CostLow || c == CostMedium || c == CostHigh
}

// ActionCategory groups recommendations whose outcomes are tracked together.
type ActionCategory string

const (
	ActionTrafficOfficers ActionCategory = "traffic_officers"
	ActionSignalTiming    ActionCategory = "signal_timing"
	ActionMessageSigns    ActionCategory = "dynamic_message_signs"
	ActionRerouteAdvisory ActionCategory = "reroute_advisory"
	ActionEventCoord      ActionCategory = "event_coordination"
	ActionWeatherResponse ActionCategory = "weather_response"
	ActionIncidentClear   ActionCategory = "incident_clearance"
	ActionLaneManagement  ActionCategory = "lane_management"
	ActionTransitBoost    ActionCategory = "transit_boost"
	ActionCapacityStudy   ActionCategory = "capacity_study"
	ActionMonitor         ActionCategory = "monitor"
)

// ActionCategories is the closed set of recommendation categories.
var ActionCategories = []ActionCategory{
	ActionTrafficOfficers, ActionSignalTiming, ActionMessageSigns, ActionRerouteAdvisory,
	ActionEventCoord, ActionWeatherResponse, ActionIncidentClear, ActionLaneManagement,
	ActionTransitBoost, ActionCapacityStudy, ActionMonitor,
}

func (a ActionCategory) Valid() bool {
	for _, v := range ActionCategories {
		if v == a {
			return true
		}
	}
	return false
}

// ParseActionCategory rejects anything outside the closed set.
func ParseActionCategory(s string) (ActionCategory, error) {
	v := ActionCategory(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", NewValidationError("category", s, ErrUnknownCategory)
	}
	return v, nil
}

// Dimension is one context-lookup axis.
type Dimension string

const (
	DimensionWeather Dimension = "weather"
	DimensionEvents  Dimension = "events"
	DimensionNews    Dimension = "news"
	DimensionSocial  Dimension = "social"
)

// Dimensions lists every context dimension in canonical order.
var Dimensions = []Dimension{DimensionWeather, DimensionEvents, DimensionNews, DimensionSocial}

func (d Dimension) Valid() bool {
	for _, v := range Dimensions {
		if v == d {
			return true
		}
	}
	return false
}

// ImpactTier grades how strongly a context signal affects traffic.
type ImpactTier string

const (
	ImpactNone     ImpactTier = "none"
	ImpactLow      ImpactTier = "low"
	ImpactMedium   ImpactTier = "medium"
	ImpactHigh     ImpactTier = "high"
	ImpactCritical ImpactTier = "critical"
)

// Weight maps a tier onto [0,1].
func (t ImpactTier) Weight() float64 {
	switch t {
	case ImpactLow:
		return 0.25
	case ImpactMedium:
		return 0.5
	case ImpactHigh:
		return 0.8
	case ImpactCritical:
		return 1
	default:
		return 0
	}
}

// ParseImpactTier accepts the closed set, case-insensitively.
func ParseImpactTier(s string) (ImpactTier, error) {
	v := ImpactTier(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case ImpactNone, ImpactLow, ImpactMedium, ImpactHigh, ImpactCritical:
		return v, nil
	case "":
		return ImpactNone, nil
	}
	return "", NewValidationError("impact_tier", s, ErrUnknownImpactTier)
}

// Segment is immutable reference data for one tracked stretch of road.
type Segment struct {
	ID            string      `json:"id" yaml:"id"`
	Name          string      `json:"name,omitempty" yaml:"name"`
	FreeFlowSpeed float64     `json:"free_flow_speed_kmph" yaml:"free_flow_speed_kmph"`
	Lanes         int         `json:"lanes,omitempty" yaml:"lanes"`
	Geometry      GeometryRef `json:"geometry" yaml:"geometry"`
}

// GeometryRef locates a segment; the polyline itself lives with the map provider.
type GeometryRef struct {
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lon" yaml:"lon"`
	LengthKm  float64 `json:"length_km" yaml:"length_km"`
	Polyline  string  `json:"polyline,omitempty" yaml:"polyline"`
}

// FreeFlowMinutes is the time to traverse the segment at free-flow speed.
func (s Segment) FreeFlowMinutes() float64 {
	return s.MinutesAt(s.FreeFlowSpeed)
}

// MinutesAt is the traversal time at the given speed. Speeds at or below
// 1 km/h are treated as 1 km/h so stopped traffic stays finite.
func (s Segment) MinutesAt(speed float64) float64 {
	length := s.Geometry.LengthKm
	if length <= 0 {
		length = 1
	}
	if speed < 1 {
		speed = 1
	}
	return length / speed * 60
}

// WeatherSnapshot is the optional roadside weather attached to a sample.
type WeatherSnapshot struct {
	Condition       string  `json:"condition,omitempty"`
	TemperatureC    float64 `json:"temperature_c"`
	PrecipitationMM float64 `json:"precipitation_mm"`
	VisibilityKm    float64 `json:"visibility_km"`
	WindKph         float64 `json:"wind_kph"`
}

// TelemetrySample is one speed/volume observation for a segment.
type TelemetrySample struct {
	SegmentID    string           `json:"segment_id"`
	Timestamp    time.Time        `json:"timestamp"`
	SpeedKmph    float64          `json:"speed_kmph"`
	VehicleCount int              `json:"vehicle_count"`
	Weather      *WeatherSnapshot `json:"weather,omitempty"`
}

// Key is the correlation key the sample would produce.
func (s TelemetrySample) Key() CorrelationKey { return KeyOf(s.SegmentID, s.Timestamp) }

// CongestionAlert is produced by the detector and never mutated afterwards.
type CongestionAlert struct {
	Key            CorrelationKey `json:"key"`
	Severity       Severity       `json:"severity"`
	Confidence     float64        `json:"confidence"`
	Factors        []string       `json:"factors"`
	DeficitRatio   float64        `json:"deficit_ratio"`
	ObservedSpeed  float64        `json:"observed_speed_kmph"`
	ExpectedSpeed  float64        `json:"expected_speed_kmph"`
	VehicleDensity float64        `json:"vehicle_density"`
	Classification string         `json:"classification,omitempty"`
}

// HasFactor reports whether tag is among the contributing factors.
func (a CongestionAlert) HasFactor(tag string) bool {
	for _, f := range a.Factors {
		if f == tag {
			return true
		}
	}
	return false
}

// WeatherImpact summarises weather relevance for one alert.
type WeatherImpact struct {
	Condition       string     `json:"condition"`
	PrecipitationMM float64    `json:"precipitation_mm"`
	VisibilityKm    float64    `json:"visibility_km"`
	WindKph         float64    `json:"wind_kph"`
	Impact          ImpactTier `json:"impact"`
}

// EventDescriptor is a scheduled or ongoing event near the segment.
type EventDescriptor struct {
	Name               string     `json:"name"`
	ExpectedAttendance int        `json:"expected_attendance"`
	Impact             ImpactTier `json:"impact"`
	DistanceKm         float64    `json:"distance_km"`
}

// SignalDescriptor is a news headline or social post.
type SignalDescriptor struct {
	Headline string     `json:"headline"`
	Source   string     `json:"source,omitempty"`
	Impact   ImpactTier `json:"impact"`
	Incident bool       `json:"incident"`
}

// LookupStatus records how a context dimension was resolved.
type LookupStatus string

const (
	LookupOK          LookupStatus = "ok"
	LookupCached      LookupStatus = "cached"
	LookupTimeout     LookupStatus = "timeout"
	LookupUnavailable LookupStatus = "unavailable"
	LookupUnknown     LookupStatus = "unknown"
)

// Succeeded reports whether the dimension carries usable data.
func (s LookupStatus) Succeeded() bool { return s == LookupOK || s == LookupCached }

// ContextFragment is the result of one context dimension lookup.
type ContextFragment struct {
	Dimension  Dimension          `json:"dimension"`
	Status     LookupStatus       `json:"status"`
	Confidence float64            `json:"confidence"`
	Weather    *WeatherImpact     `json:"weather,omitempty"`
	Events     []EventDescriptor  `json:"events,omitempty"`
	Signals    []SignalDescriptor `json:"signals,omitempty"`
	FetchedAt  time.Time          `json:"fetched_at"`
}

// UnknownFragment is the degraded value for a failed dimension.
func UnknownFragment(d Dimension, status LookupStatus) ContextFragment {
	return ContextFragment{Dimension: d, Status: status}
}

// ContextBundle is one alert's enrichment; exactly one per alert.
type ContextBundle struct {
	Key        CorrelationKey                `json:"key"`
	Fragments  map[Dimension]ContextFragment `json:"fragments"`
	Confidence float64                       `json:"confidence"`
}

// Fragment returns the dimension's fragment, or an unknown one.
func (b ContextBundle) Fragment(d Dimension) ContextFragment {
	if f, ok := b.Fragments[d]; ok {
		return f
	}
	return UnknownFragment(d, LookupUnknown)
}

// Usable reports whether any dimension carries data.
func (b ContextBundle) Usable() bool { return b.Confidence > 0 }

// RootCauseScore is a probability distribution over causes for one alert.
type RootCauseScore struct {
	Key           CorrelationKey    `json:"key"`
	Probabilities map[Cause]float64 `json:"probabilities"`
	Dominant      Cause             `json:"dominant"`
	Confidence    float64           `json:"confidence"`
	TableVersion  uint64            `json:"table_version"`
}

// Probability returns p(c), zero when absent.
func (s RootCauseScore) Probability(c Cause) float64 { return s.Probabilities[c] }

// Vector returns the probabilities in canonical Causes order.
func (s RootCauseScore) Vector() []float64 {
	out := make([]float64, len(Causes))
	for i, c := range Causes {
		out[i] = s.Probabilities[c]
	}
	return out
}

// RouteCandidate is an alternate path around a congested segment.
type RouteCandidate struct {
	Origin               string   `json:"origin"`
	Path                 []string `json:"path"`
	TravelMinutes        float64  `json:"travel_minutes"`
	BaselineMinutes      float64  `json:"baseline_minutes"`
	EstimatedImprovement float64  `json:"estimated_improvement"`
}

// Recommendation is one ranked operator action for an alert.
type Recommendation struct {
	ID                 string         `json:"id"`
	Key                CorrelationKey `json:"key"`
	Category           ActionCategory `json:"category"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Urgency            Urgency        `json:"urgency"`
	ImpactPct          float64        `json:"estimated_impact_pct"`
	ImplementationTime time.Duration  `json:"implementation_time"`
	Cost               CostTier       `json:"cost"`
	Requirements       []string       `json:"requirements,omitempty"`
	Cause              Cause          `json:"cause"`
	Rank               int            `json:"rank"`
}

// RecommendationSet is the ordered output for one alert.
type RecommendationSet struct {
	Key             CorrelationKey   `json:"key"`
	Dominant        Cause            `json:"dominant"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Find returns the recommendation with the given id.
func (s RecommendationSet) Find(id string) (Recommendation, bool) {
	for _, r := range s.Recommendations {
		if r.ID == id {
			return r, true
		}
	}
	return Recommendation{}, false
}

// ImplementedAction is operator input saying a recommendation was carried out.
type ImplementedAction struct {
	Key              CorrelationKey `json:"key"`
	RecommendationID string         `json:"recommendation_id"`
	Category         ActionCategory `json:"category,omitempty"`
	ImplementedAt    time.Time      `json:"implemented_at"`
	SpeedBefore      float64        `json:"speed_before_kmph"`
	SpeedAfter       *float64       `json:"speed_after_kmph,omitempty"`
}

// EffectivenessRecord accumulates measured outcomes for one action category.
type EffectivenessRecord struct {
	Category            ActionCategory `json:"category"`
	MeasuredImprovement float64        `json:"measured_improvement"`
	SampleCount         int            `json:"sample_count"`
	WeightSum           float64        `json:"weight_sum"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (r EffectivenessRecord) String() string {
	return fmt.Sprintf("%s: %.3f over %d samples", r.Category, r.MeasuredImprovement, r.SampleCount)
}

// EffectivenessTable is an immutable snapshot of every category's record.
// The feedback loop publishes a new table per update; readers keep the one
// current when their computation started.
type EffectivenessTable struct {
	Version uint64                                 `json:"version"`
	Records map[ActionCategory]EffectivenessRecord `json:"records"`
}

// Record returns the category's record. A nil table has none.
func (t *EffectivenessTable) Record(c ActionCategory) (EffectivenessRecord, bool) {
	if t == nil {
		return EffectivenessRecord{}, false
	}
	r, ok := t.Records[c]
	return r, ok
}

// TableVersion returns the snapshot version, zero for a nil table.
func (t *EffectivenessTable) TableVersion() uint64 {
	if t == nil {
		return 0
	}
	return t.Version
}

// CauseCategories lists the action categories that primarily address each
// cause. Their measured outcomes feed back into cause scoring.
var CauseCategories = map[Cause][]ActionCategory{
	CauseWeather:  {ActionWeatherResponse, ActionMessageSigns},
	CauseEvent:    {ActionEventCoord, ActionTrafficOfficers},
	CauseIncident: {ActionIncidentClear, ActionLaneManagement},
	CauseDemand:   {ActionSignalTiming, ActionTransitBoost, ActionCapacityStudy},
	CauseOther:    {ActionMonitor},
}
