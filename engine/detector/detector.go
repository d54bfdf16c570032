// Package detector turns raw telemetry into congestion alerts.
package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/curiousagents/traffic-core/engine/cache"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/pkg/metrics"
	"github.com/curiousagents/traffic-core/pkg/resilience"
)

// Segments resolves reference data for a segment id.
type Segments interface {
	Segment(id string) (domain.Segment, bool)
}

// Options tunes the detector.
type Options struct {
	Thresholds  Thresholds
	MinSeverity domain.Severity
	Debounce    time.Duration
	// HighDensity is the vehicles per lane-km above which high_density is tagged.
	HighDensity float64
	// TrendWindow is the number of samples kept per segment.
	TrendWindow int
	// TrendSlope is the deficit increase per minute that counts as worsening.
	TrendSlope float64
	Location   *time.Location
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Thresholds:  DefaultThresholds,
		MinSeverity: domain.SeverityModerate,
		Debounce:    60 * time.Second,
		HighDensity: 30,
		TrendWindow: 12,
		TrendSlope:  0.005,
		Location:    time.UTC,
	}
}

// Result is the outcome for one sample. Publish is false for samples that
// stay below the minimum severity or show no deficit.
type Result struct {
	Alert   domain.CongestionAlert
	Publish bool
}

// Detector classifies samples. It is safe for concurrent use across
// segments; the pipeline serializes samples of one segment.
type Detector struct {
	segments   Segments
	classifier Classifier
	fallback   Heuristic
	breaker    *resilience.Breaker
	dedup      cache.Cache
	trend      *trendWindows
	opts       Options
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Detector. classifier may be nil, in which case the built-in
// heuristic is used; dedup may be nil to disable debouncing.
func New(segments Segments, classifier Classifier, dedup cache.Cache, opts Options, m *metrics.Metrics, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if !opts.MinSeverity.Valid() {
		opts.MinSeverity = domain.SeverityModerate
	}
	h := Heuristic{Thresholds: opts.Thresholds, HighDensity: opts.HighDensity}
	if classifier == nil {
		classifier = h
	}
	return &Detector{
		segments:   segments,
		classifier: classifier,
		fallback:   h,
		breaker:    resilience.NewBreaker("classifier", resilience.DefaultBreakerOpts),
		dedup:      dedup,
		trend:      newTrendWindows(opts.TrendWindow, 0),
		opts:       opts,
		metrics:    m,
		logger:     logger.With("stage", "detector"),
	}
}

// Detect validates and classifies one sample. Invalid samples and
// duplicates inside the debounce window return a validation-kind error.
func (d *Detector) Detect(ctx context.Context, s domain.TelemetrySample) (Result, error) {
	const op = "detector.detect"
	key := s.Key()
	if err := domain.ValidateSample(s); err != nil {
		return Result{}, domain.Invalid(op, key, err)
	}
	seg, ok := d.segments.Segment(s.SegmentID)
	if !ok {
		return Result{}, domain.Invalid(op, key, domain.NewValidationError("segment_id", s.SegmentID, domain.ErrUnknownSegment))
	}

	f := buildFeatures(seg, s, d.opts.Location)
	slope, points := d.trend.record(s.SegmentID, key.Timestamp, f.DeficitRatio)
	f.TrendSlope = slope

	if f.DeficitRatio <= 0 {
		return Result{}, nil
	}
	severity := d.opts.Thresholds.Classify(f.DeficitRatio)
	alert := domain.CongestionAlert{
		Key:            key,
		Severity:       severity,
		DeficitRatio:   f.DeficitRatio,
		ObservedSpeed:  s.SpeedKmph,
		ExpectedSpeed:  seg.FreeFlowSpeed,
		VehicleDensity: f.Density,
	}
	if !severity.AtLeast(d.opts.MinSeverity) {
		return Result{Alert: alert}, nil
	}

	if d.dedup != nil && d.opts.Debounce > 0 {
		claimed, err := d.dedup.SetNX(ctx, cache.DedupKey(s.SegmentID, key.Timestamp), d.opts.Debounce)
		switch {
		case err != nil:
			// at-least-once: an unreachable cache must not suppress alerts
			d.logger.Warn("dedup unavailable", "segment", s.SegmentID, "key", key.String(), "error", err)
			d.metrics.Cache("setnx", "error")
		case !claimed:
			d.metrics.Cache("setnx", "duplicate")
			return Result{}, domain.Invalid(op, key, domain.ErrDuplicateSample)
		default:
			d.metrics.Cache("setnx", "claimed")
		}
	}

	cls := d.classify(ctx, f)
	alert.Confidence = cls.Confidence
	alert.Classification = cls.Label
	alert.Factors = d.factors(f, points, cls)
	return Result{Alert: alert, Publish: true}, nil
}

func (d *Detector) classify(ctx context.Context, f Features) Classification {
	var cls Classification
	err := d.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		cls, err = d.classifier.Classify(ctx, f)
		return err
	})
	if err != nil {
		d.logger.Warn("classifier failed, using heuristic", "segment", f.SegmentID, "error", err)
		cls, _ = d.fallback.Classify(ctx, f)
	}
	cls.Confidence = clamp01(cls.Confidence)
	return cls
}

func (d *Detector) factors(f Features, points int, cls Classification) []string {
	out := []string{FactorSpeedReduction}
	if d.opts.HighDensity > 0 && f.Density >= d.opts.HighDensity {
		out = append(out, FactorHighDensity)
	}
	if f.TimeBucket == BucketMorningRush || f.TimeBucket == BucketEveningRush {
		out = append(out, FactorRushHour)
	}
	if f.Weekend {
		out = append(out, FactorWeekend)
	}
	if f.PrecipitationMM >= 0.5 {
		out = append(out, FactorPrecipitation)
	}
	if f.VisibilityKm > 0 && f.VisibilityKm < 1 {
		out = append(out, FactorLowVisibility)
	}
	if points >= 3 && f.TrendSlope >= d.opts.TrendSlope {
		out = append(out, FactorWorseningTrend)
	}
	if cls.Label != "" && cls.Label != "congested" && cls.Label != "free_flow" {
		out = append(out, cls.Label)
	}
	return out
}
