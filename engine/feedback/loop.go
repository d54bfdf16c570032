// Package feedback measures implemented recommendations and maintains the
// effectiveness table read by scoring and recommendation.
//
// One goroutine owns all mutable state. Readers take the current table
// through Snapshot, which never blocks on the writer.
package feedback

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/stat"

	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/pkg/fn"
	"github.com/curiousagents/traffic-core/pkg/metrics"
)

var ErrStopped = errors.New("feedback: loop stopped")

// Phase is the measurement state of one implemented action.
type Phase string

const (
	PhaseRecorded  Phase = "RECORDED"
	PhaseMeasuring Phase = "MEASURING"
	PhaseScored    Phase = "SCORED"
	PhaseApplied   Phase = "APPLIED"
)

// Outcome is the visible state of one implemented action.
type Outcome struct {
	Action        domain.ImplementedAction   `json:"action"`
	Phase         Phase                      `json:"phase"`
	Samples       int                        `json:"samples"`
	SpeedAfter    *float64                   `json:"speed_after_kmph,omitempty"`
	Effectiveness *float64                   `json:"effectiveness"`
	ScoredAt      time.Time                  `json:"scored_at"`
	Record        domain.EffectivenessRecord `json:"record"`
	TableVersion  uint64                     `json:"table_version"`
}

// Store persists outcomes and records.
type Store interface {
	LoadRecords(ctx context.Context) ([]domain.EffectivenessRecord, error)
	SaveOutcome(ctx context.Context, o Outcome) error
}

// Options tunes measurement.
type Options struct {
	Window     time.Duration
	Timeout    time.Duration
	MinSamples int
	Decay      float64
	SweepEvery time.Duration
	Inbox      int
	// PersistTimeout bounds each SaveOutcome attempt.
	PersistTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Window:         30 * time.Minute,
		Timeout:        2 * time.Hour,
		MinSamples:     3,
		Decay:          0.9,
		SweepEvery:     time.Minute,
		Inbox:          256,
		PersistTimeout: 5 * time.Second,
	}
}

type actionKey struct {
	key   domain.CorrelationKey
	recID string
}

type tracked struct {
	out    Outcome
	speeds []float64
}

// Loop is the single writer of the effectiveness table.
type Loop struct {
	opts    Options
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	inbox   chan func()
	persist *outbox
	stopped chan struct{}
	table   atomic.Pointer[domain.EffectivenessTable]
	hooks   []func(context.Context, Outcome)

	// owned by the Run goroutine
	pending   map[actionKey]*tracked
	bySegment map[string]map[actionKey]*tracked
	finished  *lru.Cache[actionKey, Outcome]

	mu        sync.Mutex
	analytics Analytics
}

// New creates a Loop. store may be nil.
func New(store Store, opts Options, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = def.MinSamples
	}
	if opts.Decay <= 0 || opts.Decay > 1 {
		opts.Decay = def.Decay
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = def.SweepEvery
	}
	if opts.Inbox <= 0 {
		opts.Inbox = def.Inbox
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = def.PersistTimeout
	}
	finished, _ := lru.New[actionKey, Outcome](10000)
	l := &Loop{
		opts:      opts,
		store:     store,
		metrics:   m,
		logger:    logger.With("stage", "feedback"),
		now:       time.Now,
		inbox:     make(chan func(), opts.Inbox),
		persist:   newOutbox(),
		stopped:   make(chan struct{}),
		pending:   make(map[actionKey]*tracked),
		bySegment: make(map[string]map[actionKey]*tracked),
		finished:  finished,
	}
	l.table.Store(&domain.EffectivenessTable{Records: map[domain.ActionCategory]domain.EffectivenessRecord{}})
	return l
}

// OnApplied registers a hook called, in order, for every scored outcome.
// Hooks must be registered before Run.
func (l *Loop) OnApplied(h func(context.Context, Outcome)) { l.hooks = append(l.hooks, h) }

// Snapshot returns the current immutable table.
func (l *Loop) Snapshot() *domain.EffectivenessTable { return l.table.Load() }

// Load seeds the table from the store. Call before Run.
func (l *Loop) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	recs, err := l.store.LoadRecords(ctx)
	if err != nil {
		return err
	}
	t := &domain.EffectivenessTable{Version: 1, Records: make(map[domain.ActionCategory]domain.EffectivenessRecord, len(recs))}
	for _, r := range recs {
		if r.Category.Valid() {
			t.Records[r.Category] = r
			l.metrics.SetEffectiveness(string(r.Category), r.MeasuredImprovement)
		}
	}
	l.table.Store(t)
	return nil
}

// Run processes commands until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.drainPersist(ctx)
	}()
	defer func() {
		close(l.stopped)
		l.persist.close()
		wg.Wait()
	}()

	tick := time.NewTicker(l.opts.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-l.inbox:
			f()
		case <-tick.C:
			l.sweep()
		}
	}
}

func (l *Loop) submit(ctx context.Context, f func()) error {
	select {
	case l.inbox <- f:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs f on the writer goroutine and waits for it.
func call[T any](ctx context.Context, l *Loop, f func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := l.submit(ctx, func() { reply <- f() }); err != nil {
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Record starts tracking an implemented action. The action's category must
// be set. Recording the same action twice is a no-op.
func (l *Loop) Record(ctx context.Context, a domain.ImplementedAction) (Outcome, error) {
	const op = "feedback.record"
	if err := domain.ValidateAction(a); err != nil {
		return Outcome{}, domain.Invalid(op, a.Key, err)
	}
	if a.Category == "" {
		return Outcome{}, domain.Invalid(op, a.Key, domain.NewValidationError("category", "", domain.ErrUnknownCategory))
	}
	return call(ctx, l, func() Outcome { return l.record(a) })
}

// Observe feeds a telemetry sample to actions measuring its segment.
func (l *Loop) Observe(ctx context.Context, s domain.TelemetrySample) error {
	return l.submit(ctx, func() { l.observe(s) })
}

// Sweep scores actions whose measurement timed out.
func (l *Loop) Sweep(ctx context.Context) error {
	_, err := call(ctx, l, func() struct{} { l.sweep(); return struct{}{} })
	return err
}

// Outcome returns the state of one action.
func (l *Loop) Outcome(ctx context.Context, key domain.CorrelationKey, recID string) (Outcome, bool, error) {
	type res struct {
		o  Outcome
		ok bool
	}
	r, err := call(ctx, l, func() res {
		k := actionKey{key, recID}
		if t, ok := l.pending[k]; ok {
			return res{t.out, true}
		}
		o, ok := l.finished.Get(k)
		return res{o, ok}
	})
	return r.o, r.ok, err
}

// Analytics summarises applied effectiveness.
func (l *Loop) Analytics() Analytics {
	l.mu.Lock()
	a := l.analytics
	l.mu.Unlock()
	t := l.Snapshot()
	a.TableVersion = t.Version
	for _, r := range t.Records {
		a.Records = append(a.Records, r)
	}
	slices.SortFunc(a.Records, func(x, y domain.EffectivenessRecord) int { return cmp.Compare(x.Category, y.Category) })
	return a
}

func (l *Loop) record(a domain.ImplementedAction) Outcome {
	k := actionKey{a.Key, a.RecommendationID}
	if t, ok := l.pending[k]; ok {
		return t.out
	}
	if o, ok := l.finished.Get(k); ok {
		return o
	}
	t := &tracked{out: Outcome{Action: a, Phase: PhaseRecorded}}
	// measurement starts on receipt
	t.out.Phase = PhaseMeasuring
	l.logger.Info("action recorded", "segment", a.Key.SegmentID, "key", a.Key.String(),
		"recommendation", a.RecommendationID, "category", string(a.Category))

	if a.SpeedAfter != nil {
		return l.score(k, t, a.SpeedAfter)
	}
	l.pending[k] = t
	seg := l.bySegment[a.Key.SegmentID]
	if seg == nil {
		seg = make(map[actionKey]*tracked)
		l.bySegment[a.Key.SegmentID] = seg
	}
	seg[k] = t
	l.setPending()
	return t.out
}

func (l *Loop) observe(s domain.TelemetrySample) {
	for k, t := range l.bySegment[s.SegmentID] {
		start := t.out.Action.ImplementedAt.Add(l.opts.Window)
		end := t.out.Action.ImplementedAt.Add(l.opts.Timeout)
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		t.speeds = append(t.speeds, s.SpeedKmph)
		t.out.Samples = len(t.speeds)
		if len(t.speeds) >= l.opts.MinSamples {
			mean := stat.Mean(t.speeds, nil)
			l.score(k, t, &mean)
		}
	}
}

func (l *Loop) sweep() {
	now := l.now()
	for k, t := range l.pending {
		if now.Before(t.out.Action.ImplementedAt.Add(l.opts.Timeout)) {
			continue
		}
		if len(t.speeds) == 0 {
			l.score(k, t, nil)
			continue
		}
		mean := stat.Mean(t.speeds, nil)
		l.score(k, t, &mean)
	}
}

// score moves t to SCORED and, when measured, to APPLIED.
func (l *Loop) score(k actionKey, t *tracked, after *float64) Outcome {
	l.forget(k)
	now := l.now().UTC()
	t.out.Phase = PhaseScored
	t.out.ScoredAt = now
	t.out.SpeedAfter = after

	if after == nil {
		l.logger.Warn("no post-window telemetry, effectiveness unknown",
			"segment", k.key.SegmentID, "key", k.key.String(), "recommendation", k.recID)
		l.mu.Lock()
		l.analytics.Unmeasured++
		l.mu.Unlock()
		t.out.TableVersion = l.Snapshot().Version
		return l.finish(k, t.out)
	}

	eff := Effectiveness(t.out.Action.SpeedBefore, *after)
	t.out.Effectiveness = &eff

	cur := l.Snapshot()
	rec, ok := cur.Record(t.out.Action.Category)
	if !ok {
		rec = domain.EffectivenessRecord{Category: t.out.Action.Category}
	}
	rec = Accumulate(rec, eff, l.opts.Decay, now)
	next := nextTable(cur, rec)
	l.table.Store(next)
	l.metrics.SetEffectiveness(string(rec.Category), rec.MeasuredImprovement)

	t.out.Phase = PhaseApplied
	t.out.Record = rec
	t.out.TableVersion = next.Version
	l.mu.Lock()
	switch TierOf(eff) {
	case TierHigh:
		l.analytics.High++
	case TierMedium:
		l.analytics.Medium++
	default:
		l.analytics.Low++
	}
	l.mu.Unlock()
	l.logger.Info("effectiveness applied", "segment", k.key.SegmentID, "key", k.key.String(),
		"category", string(rec.Category), "effectiveness", eff, "average", rec.MeasuredImprovement, "version", next.Version)
	return l.finish(k, t.out)
}

func (l *Loop) finish(k actionKey, o Outcome) Outcome {
	l.finished.Add(k, o)
	l.persist.push(o)
	return o
}

func (l *Loop) forget(k actionKey) {
	delete(l.pending, k)
	if seg := l.bySegment[k.key.SegmentID]; seg != nil {
		delete(seg, k)
		if len(seg) == 0 {
			delete(l.bySegment, k.key.SegmentID)
		}
	}
	l.setPending()
}

func (l *Loop) setPending() {
	l.mu.Lock()
	l.analytics.Pending = len(l.pending)
	l.mu.Unlock()
}

// drainPersist writes outcomes and runs hooks off the writer goroutine.
func (l *Loop) drainPersist(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		batch, ok := l.persist.take()
		if !ok {
			return
		}
		for _, o := range batch {
			l.save(ctx, o)
			for _, h := range l.hooks {
				h(ctx, o)
			}
		}
	}
}

func (l *Loop) save(ctx context.Context, o Outcome) {
	if l.store == nil {
		return
	}
	res := fn.Retry(ctx, fn.DefaultRetry, func(ctx context.Context) fn.Result[struct{}] {
		ctx, cancel := context.WithTimeout(ctx, l.opts.PersistTimeout)
		defer cancel()
		return fn.FromPair(struct{}{}, l.store.SaveOutcome(ctx, o))
	})
	if err := res.Error(); err != nil {
		l.logger.Error("persist outcome failed", "key", o.Action.Key.String(),
			"recommendation", o.Action.RecommendationID, "backlog", l.persist.len(), "error", err)
	}
}
