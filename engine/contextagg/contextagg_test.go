package contextagg

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curiousagents/traffic-core/engine/cache"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/lookup"
	"github.com/curiousagents/traffic-core/pkg/resilience"
)

var t0 = time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)

type segs map[string]domain.Segment

func (s segs) Segment(id string) (domain.Segment, bool) {
	seg, ok := s[id]
	return seg, ok
}

var network = segs{"SEG001": {ID: "SEG001", FreeFlowSpeed: 50, Geometry: domain.GeometryRef{LengthKm: 1}}}

func alertAt(ts time.Time) domain.CongestionAlert {
	return domain.CongestionAlert{Key: domain.KeyOf("SEG001", ts), Severity: domain.SeverityHigh, Confidence: 0.8}
}

func okProvider(d domain.Dimension, conf float64, calls *atomic.Int32) lookup.Provider {
	return lookup.Func{Dim: d, F: func(ctx context.Context, req lookup.Request) (domain.ContextFragment, error) {
		if calls != nil {
			calls.Add(1)
		}
		f := domain.ContextFragment{Dimension: d, Confidence: conf}
		if d == domain.DimensionEvents {
			f.Events = []domain.EventDescriptor{{Name: "match", Impact: domain.ImpactHigh}}
		}
		return f, nil
	}}
}

func slowProvider(d domain.Dimension) lookup.Provider {
	return lookup.Func{Dim: d, F: func(ctx context.Context, req lookup.Request) (domain.ContextFragment, error) {
		<-ctx.Done()
		return domain.ContextFragment{}, ctx.Err()
	}}
}

func failProvider(d domain.Dimension) lookup.Provider {
	return lookup.Func{Dim: d, F: func(ctx context.Context, req lookup.Request) (domain.ContextFragment, error) {
		return domain.ContextFragment{}, lookup.ErrUnavailable
	}}
}

func fastOpts() Options {
	o := DefaultOptions()
	o.LookupTimeout = 30 * time.Millisecond
	o.TotalBudget = 200 * time.Millisecond
	return o
}

func TestAggregate_WeatherTimeoutDegradesOneDimension(t *testing.T) {
	a := New([]lookup.Provider{
		slowProvider(domain.DimensionWeather),
		okProvider(domain.DimensionEvents, 0.9, nil),
		okProvider(domain.DimensionNews, 0.6, nil),
		okProvider(domain.DimensionSocial, 0.6, nil),
	}, network, nil, nil, fastOpts(), nil, nil)

	b, err := a.Aggregate(context.Background(), alertAt(t0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := b.Fragment(domain.DimensionWeather)
	if w.Status != domain.LookupTimeout || w.Confidence != 0 {
		t.Fatalf("expected weather timeout with confidence 0, got %+v", w)
	}
	// (0.3*0.9 + 0.2*0.6 + 0.2*0.6) / 0.7
	want := (0.27 + 0.12 + 0.12) / 0.7
	if diff := b.Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected confidence %v, got %v", want, b.Confidence)
	}
	if err := domain.ValidateBundle(b, alertAt(t0)); err != nil {
		t.Fatalf("bundle invalid: %v", err)
	}
}

func TestAggregate_AllFailStillReturnsBundle(t *testing.T) {
	a := New([]lookup.Provider{
		failProvider(domain.DimensionWeather),
		failProvider(domain.DimensionEvents),
		slowProvider(domain.DimensionNews),
	}, network, nil, nil, fastOpts(), nil, nil)

	b, err := a.Aggregate(context.Background(), alertAt(t0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Confidence != 0 || b.Usable() {
		t.Fatalf("expected unusable bundle, got confidence %v", b.Confidence)
	}
	if len(b.Fragments) != len(domain.Dimensions) {
		t.Fatalf("expected a fragment per dimension, got %d", len(b.Fragments))
	}
	if s := b.Fragment(domain.DimensionSocial).Status; s != domain.LookupUnknown {
		t.Errorf("unconfigured dimension should be unknown, got %s", s)
	}
	if s := b.Fragment(domain.DimensionWeather).Status; s != domain.LookupUnavailable {
		t.Errorf("failed dimension should be unavailable, got %s", s)
	}
}

func TestAggregate_SameKeyLooksUpOnce(t *testing.T) {
	var calls atomic.Int32
	a := New([]lookup.Provider{okProvider(domain.DimensionWeather, 0.9, &calls)}, network, nil, nil, fastOpts(), nil, nil)

	first, _ := a.Aggregate(context.Background(), alertAt(t0))
	second, _ := a.Aggregate(context.Background(), alertAt(t0))
	if calls.Load() != 1 {
		t.Fatalf("expected 1 lookup, got %d", calls.Load())
	}
	if first.Confidence != second.Confidence {
		t.Fatal("memoized bundle differs")
	}
}

func TestAggregate_CacheReusedAcrossAlerts(t *testing.T) {
	c, err := cache.NewMemory(64)
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	a := New([]lookup.Provider{okProvider(domain.DimensionEvents, 0.8, &calls)}, network, c, nil, fastOpts(), nil, nil)

	if _, err := a.Aggregate(context.Background(), alertAt(t0)); err != nil {
		t.Fatal(err)
	}
	b, err := a.Aggregate(context.Background(), alertAt(t0.Add(time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached context to be reused, got %d lookups", calls.Load())
	}
	f := b.Fragment(domain.DimensionEvents)
	if f.Status != domain.LookupCached || len(f.Events) != 1 {
		t.Fatalf("expected cached events fragment, got %+v", f)
	}
	if b.Confidence != 0.8 {
		t.Fatalf("cached fragments count as succeeded, got confidence %v", b.Confidence)
	}
}

func TestAggregate_OpenBreakerIsUnavailable(t *testing.T) {
	breakers := resilience.NewBreakers(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	a := New([]lookup.Provider{failProvider(domain.DimensionNews)}, network, nil, breakers, fastOpts(), nil, nil)

	a.Aggregate(context.Background(), alertAt(t0))
	if breakers.Get("lookup.news").State() != resilience.StateOpen {
		t.Fatalf("expected breaker to open after failure")
	}
	b, _ := a.Aggregate(context.Background(), alertAt(t0.Add(time.Second)))
	if s := b.Fragment(domain.DimensionNews).Status; s != domain.LookupUnavailable {
		t.Fatalf("expected unavailable while open, got %s", s)
	}
}

func TestAggregate_InvalidAlert(t *testing.T) {
	a := New(nil, network, nil, nil, fastOpts(), nil, nil)
	_, err := a.Aggregate(context.Background(), domain.CongestionAlert{Key: domain.KeyOf("SEG001", t0), Severity: "BAD"})
	if !domain.IsKind(err, domain.KindValidation) || !errors.Is(err, domain.ErrUnknownSeverity) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAggregate_CallerCancel(t *testing.T) {
	a := New([]lookup.Provider{slowProvider(domain.DimensionWeather)}, network, nil, nil, DefaultOptions(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { time.Sleep(10 * time.Millisecond); cancel() }()
	if _, err := a.Aggregate(ctx, alertAt(t0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
