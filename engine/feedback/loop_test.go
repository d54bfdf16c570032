package feedback

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
)

var t0 = time.Date(2026, 3, 14, 17, 30, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type memStore struct {
	mu       sync.Mutex
	records  []domain.EffectivenessRecord
	outcomes []Outcome
}

func (m *memStore) LoadRecords(context.Context) ([]domain.EffectivenessRecord, error) {
	return m.records, nil
}

func (m *memStore) SaveOutcome(_ context.Context, o Outcome) error {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, o)
	m.mu.Unlock()
	return nil
}

func (m *memStore) saved() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.outcomes...)
}

func start(t *testing.T, store Store, opts Options, clk *clock) *Loop {
	t.Helper()
	l := New(store, opts, nil, nil)
	l.now = clk.Now
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func action(seg, rec string, cat domain.ActionCategory, before float64) domain.ImplementedAction {
	return domain.ImplementedAction{
		Key:              domain.KeyOf(seg, t0),
		RecommendationID: rec,
		Category:         cat,
		ImplementedAt:    t0,
		SpeedBefore:      before,
	}
}

func sample(seg string, at time.Time, speed float64) domain.TelemetrySample {
	return domain.TelemetrySample{SegmentID: seg, Timestamp: at, SpeedKmph: speed}
}

func TestTimeoutWithoutTelemetryIsNull(t *testing.T) {
	clk := &clock{t: t0}
	store := &memStore{}
	l := start(t, store, DefaultOptions(), clk)
	ctx := context.Background()

	o, err := l.Record(ctx, action("SEG001", "r1", domain.ActionEventCoord, 20))
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != PhaseMeasuring {
		t.Fatalf("expected MEASURING on receipt, got %s", o.Phase)
	}

	clk.Set(t0.Add(45 * time.Minute))
	l.Sweep(ctx)
	if o, _, _ := l.Outcome(ctx, domain.KeyOf("SEG001", t0), "r1"); o.Phase != PhaseMeasuring {
		t.Fatalf("expected still MEASURING at 45m, got %s", o.Phase)
	}

	clk.Set(t0.Add(2 * time.Hour))
	l.Sweep(ctx)
	o, ok, err := l.Outcome(ctx, domain.KeyOf("SEG001", t0), "r1")
	if err != nil || !ok {
		t.Fatalf("outcome missing: %v", err)
	}
	if o.Phase != PhaseScored || o.Effectiveness != nil {
		t.Fatalf("expected SCORED with null effectiveness, got %s %v", o.Phase, o.Effectiveness)
	}
	if _, found := l.Snapshot().Record(domain.ActionEventCoord); found {
		t.Fatal("null effectiveness must not touch the record")
	}
	if a := l.Analytics(); a.Unmeasured != 1 || a.Pending != 0 {
		t.Fatalf("unexpected analytics %+v", a)
	}
}

func TestPostWindowSamplesScore(t *testing.T) {
	clk := &clock{t: t0}
	var hooked []Outcome
	var mu sync.Mutex
	got := make(chan struct{}, 1)

	l := New(nil, DefaultOptions(), nil, nil)
	l.now = clk.Now
	l.OnApplied(func(_ context.Context, o Outcome) {
		mu.Lock()
		hooked = append(hooked, o)
		mu.Unlock()
		got <- struct{}{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	if _, err := l.Record(ctx, action("SEG001", "r1", domain.ActionSignalTiming, 20)); err != nil {
		t.Fatal(err)
	}
	// inside the window: ignored
	l.Observe(ctx, sample("SEG001", t0.Add(10*time.Minute), 100))
	// other segment: ignored
	l.Observe(ctx, sample("SEG002", t0.Add(40*time.Minute), 100))
	for i, v := range []float64{28, 30, 32} {
		l.Observe(ctx, sample("SEG001", t0.Add(time.Duration(31+i)*time.Minute), v))
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called")
	}
	mu.Lock()
	o := hooked[0]
	mu.Unlock()
	if o.Phase != PhaseApplied || o.Samples != 3 {
		t.Fatalf("expected APPLIED after 3 samples, got %s with %d", o.Phase, o.Samples)
	}
	if o.Effectiveness == nil || math.Abs(*o.Effectiveness-0.5) > 1e-9 {
		t.Fatalf("expected (30-20)/20 = 0.5, got %v", o.Effectiveness)
	}
	snap := l.Snapshot()
	rec, ok := snap.Record(domain.ActionSignalTiming)
	if !ok || rec.SampleCount != 1 || rec.MeasuredImprovement != 0.5 {
		t.Fatalf("record not applied: %+v", rec)
	}
	if snap.Version != o.TableVersion || snap.Version != 1 {
		t.Fatalf("expected version 1, got snapshot %d outcome %d", snap.Version, o.TableVersion)
	}
}

func TestOperatorMeasuredSpeedAppliesImmediately(t *testing.T) {
	clk := &clock{t: t0}
	store := &memStore{}
	l := start(t, store, DefaultOptions(), clk)
	a := action("SEG001", "r1", domain.ActionIncidentClear, 10)
	after := 40.0
	a.SpeedAfter = &after

	o, err := l.Record(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if o.Phase != PhaseApplied || *o.Effectiveness != 1 {
		t.Fatalf("expected APPLIED clamped to 1, got %s %v", o.Phase, *o.Effectiveness)
	}
	// duplicate delivery
	again, err := l.Record(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if again.TableVersion != o.TableVersion {
		t.Fatal("duplicate record must not apply twice")
	}
	if rec, _ := l.Snapshot().Record(domain.ActionIncidentClear); rec.SampleCount != 1 {
		t.Fatalf("expected 1 sample, got %d", rec.SampleCount)
	}
}

func TestRecordValidation(t *testing.T) {
	l := start(t, nil, DefaultOptions(), &clock{t: t0})
	a := action("SEG001", "r1", "", 10)
	if _, err := l.Record(context.Background(), a); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("missing category must be a validation error, got %v", err)
	}
	a.Category = domain.ActionMonitor
	a.SpeedBefore = -1
	if _, err := l.Record(context.Background(), a); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("negative speed must be a validation error, got %v", err)
	}
}

func TestSnapshotReadersKeepTheirVersion(t *testing.T) {
	l := start(t, nil, DefaultOptions(), &clock{t: t0})
	before := l.Snapshot()
	a := action("SEG001", "r1", domain.ActionMonitor, 10)
	after := 12.0
	a.SpeedAfter = &after
	if _, err := l.Record(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if _, ok := before.Record(domain.ActionMonitor); ok {
		t.Fatal("old snapshot was mutated")
	}
	if l.Snapshot().Version != before.Version+1 {
		t.Fatal("expected a new version")
	}
}

func TestLoadSeedsTable(t *testing.T) {
	store := &memStore{records: []domain.EffectivenessRecord{
		{Category: domain.ActionTransitBoost, MeasuredImprovement: 0.3, SampleCount: 4, WeightSum: 3.4},
		{Category: "bogus", SampleCount: 1},
	}}
	l := New(store, DefaultOptions(), nil, nil)
	if err := l.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if len(snap.Records) != 1 || snap.Version != 1 {
		t.Fatalf("unexpected seeded table %+v", snap)
	}
}

func TestAccumulateDecay(t *testing.T) {
	var r domain.EffectivenessRecord
	r = Accumulate(r, 1, 0.9, t0)
	r = Accumulate(r, 0, 0.9, t0)
	// (0.9*1*1 + 0) / (0.9 + 1)
	if want := 0.9 / 1.9; math.Abs(r.MeasuredImprovement-want) > 1e-12 {
		t.Fatalf("expected %v, got %v", want, r.MeasuredImprovement)
	}
	if r.SampleCount != 2 || math.Abs(r.WeightSum-1.9) > 1e-12 {
		t.Fatalf("unexpected weights %+v", r)
	}

	// replay in the other order: recent values weigh more, so results differ
	// but stay within the spread the decay allows
	var s domain.EffectivenessRecord
	s = Accumulate(s, 0, 0.9, t0)
	s = Accumulate(s, 1, 0.9, t0)
	if math.Abs(s.MeasuredImprovement-r.MeasuredImprovement) > 1-0.9+1e-9 {
		t.Fatalf("order dependence exceeds decay bound: %v vs %v", s.MeasuredImprovement, r.MeasuredImprovement)
	}
	if s.SampleCount != r.SampleCount {
		t.Fatal("sample count must not depend on order")
	}
}

func TestReplayOrderIndependentWithoutDecay(t *testing.T) {
	cats := []domain.ActionCategory{domain.ActionEventCoord, domain.ActionSignalTiming, domain.ActionRerouteAdvisory}
	var actions []domain.ImplementedAction
	for i := 0; i < 12; i++ {
		a := action(fmt.Sprintf("SEG%03d", i%4), fmt.Sprintf("r%d", i), cats[i%len(cats)], 20)
		after := 10 + float64(i*3%17)
		a.SpeedAfter = &after
		actions = append(actions, a)
	}

	replay := func(order []domain.ImplementedAction) *domain.EffectivenessTable {
		opts := DefaultOptions()
		opts.Decay = 1
		l := start(t, nil, opts, &clock{t: t0})
		for _, a := range order {
			if _, err := l.Record(context.Background(), a); err != nil {
				t.Fatal(err)
			}
		}
		return l.Snapshot()
	}

	want := replay(actions)
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 3; round++ {
		shuffled := append([]domain.ImplementedAction(nil), actions...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := replay(shuffled)
		if len(got.Records) != len(want.Records) || got.Version != want.Version {
			t.Fatalf("round %d: tables differ in shape: %d/%d records, version %d/%d",
				round, len(got.Records), len(want.Records), got.Version, want.Version)
		}
		for cat, w := range want.Records {
			g := got.Records[cat]
			if g.SampleCount != w.SampleCount || math.Abs(g.MeasuredImprovement-w.MeasuredImprovement) > 1e-9 {
				t.Fatalf("round %d %s: got %d/%v, want %d/%v", round, cat,
					g.SampleCount, g.MeasuredImprovement, w.SampleCount, w.MeasuredImprovement)
			}
		}
	}
}

// stuckStore never finishes a write until released, whatever its ctx says.
type stuckStore struct {
	memStore
	release chan struct{}
}

func (s *stuckStore) SaveOutcome(ctx context.Context, o Outcome) error {
	<-s.release
	return s.memStore.SaveOutcome(ctx, o)
}

func TestHungStoreDoesNotStallWriter(t *testing.T) {
	store := &stuckStore{release: make(chan struct{})}
	opts := DefaultOptions()
	opts.Inbox = 4
	l := start(t, store, opts, &clock{t: t0})
	t.Cleanup(func() { close(store.release) })

	for i := 0; i < 5*opts.Inbox; i++ {
		a := action("SEG001", fmt.Sprintf("r%d", i), domain.ActionSignalTiming, 20)
		after := 25.0
		a.SpeedAfter = &after
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := l.Record(ctx, a)
		cancel()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Observe(ctx, sample("SEG001", t0.Add(time.Hour), 30)); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if got := l.Snapshot().Records[domain.ActionSignalTiming].SampleCount; got != 5*opts.Inbox {
		t.Fatalf("sample count = %d, want %d", got, 5*opts.Inbox)
	}
}

// slowStore blocks until its ctx ends.
type slowStore struct {
	memStore
	calls atomic.Int32
}

func (s *slowStore) SaveOutcome(ctx context.Context, _ Outcome) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func TestPersistAttemptsAreBounded(t *testing.T) {
	store := &slowStore{}
	opts := DefaultOptions()
	opts.PersistTimeout = 10 * time.Millisecond
	l := start(t, store, opts, &clock{t: t0})

	a := action("SEG001", "r1", domain.ActionMonitor, 20)
	after := 20.0
	a.SpeedAfter = &after
	if _, err := l.Record(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for store.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("save attempts = %d, want 3 bounded attempts", store.calls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEffectivenessClamp(t *testing.T) {
	cases := []struct{ before, after, want float64 }{
		{20, 30, 0.5},
		{20, 0, -1},
		{10, 50, 1},
		{0, 10, 1},
		{0, 0, 0},
	}
	for _, tc := range cases {
		if got := Effectiveness(tc.before, tc.after); got != tc.want {
			t.Errorf("Effectiveness(%v, %v) = %v, want %v", tc.before, tc.after, got, tc.want)
		}
	}
	if TierOf(0.25) != TierHigh || TierOf(0.1) != TierMedium || TierOf(-0.3) != TierLow {
		t.Fatal("tier thresholds wrong")
	}
}
