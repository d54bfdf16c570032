// Package contextagg enriches congestion alerts with weather, event, news
// and social context. Every dimension is looked up independently; a failed
// lookup degrades only its own dimension.
package contextagg

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/curiousagents/traffic-core/engine/cache"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/lookup"
	"github.com/curiousagents/traffic-core/pkg/fn"
	"github.com/curiousagents/traffic-core/pkg/metrics"
	"github.com/curiousagents/traffic-core/pkg/resilience"
)

// Segments resolves reference data for a segment id.
type Segments interface {
	Segment(id string) (domain.Segment, bool)
}

// Options tunes the aggregator.
type Options struct {
	Weights       map[domain.Dimension]float64
	LookupTimeout time.Duration
	TotalBudget   time.Duration
	TTL           time.Duration
	// MemoSize bounds the per-correlation-key bundle memo.
	MemoSize int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Weights: map[domain.Dimension]float64{
			domain.DimensionWeather: 0.3,
			domain.DimensionEvents:  0.3,
			domain.DimensionNews:    0.2,
			domain.DimensionSocial:  0.2,
		},
		LookupTimeout: 3 * time.Second,
		TotalBudget:   8 * time.Second,
		TTL:           300 * time.Second,
		MemoSize:      4096,
	}
}

// Aggregator builds one ContextBundle per alert.
type Aggregator struct {
	providers map[domain.Dimension]lookup.Provider
	segments  Segments
	cache     cache.Cache
	breakers  *resilience.Breakers
	flight    singleflight.Group
	memo      *lru.Cache[domain.CorrelationKey, domain.ContextBundle]
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Aggregator. c and breakers may be nil.
func New(providers []lookup.Provider, segments Segments, c cache.Cache, breakers *resilience.Breakers, opts Options, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Weights == nil {
		opts.Weights = def.Weights
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = def.LookupTimeout
	}
	if opts.TotalBudget <= 0 {
		opts.TotalBudget = def.TotalBudget
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = def.MemoSize
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultBreakerOpts)
	}
	memo, _ := lru.New[domain.CorrelationKey, domain.ContextBundle](opts.MemoSize)
	byDim := make(map[domain.Dimension]lookup.Provider, len(providers))
	for _, p := range providers {
		if p != nil {
			byDim[p.Dimension()] = p
		}
	}
	return &Aggregator{
		providers: byDim,
		segments:  segments,
		cache:     c,
		breakers:  breakers,
		memo:      memo,
		opts:      opts,
		metrics:   m,
		logger:    logger.With("stage", "context"),
		now:       time.Now,
	}
}

// Aggregate returns the bundle for alert. Lookups for a correlation key
// already aggregated are not repeated. The only errors are validation
// failures and cancellation of ctx by the caller.
func (a *Aggregator) Aggregate(ctx context.Context, alert domain.CongestionAlert) (domain.ContextBundle, error) {
	const op = "context.aggregate"
	if err := domain.ValidateAlert(alert); err != nil {
		return domain.ContextBundle{}, domain.Invalid(op, alert.Key, err)
	}
	if b, ok := a.memo.Get(alert.Key); ok {
		return b, nil
	}

	seg, ok := a.segments.Segment(alert.Key.SegmentID)
	if !ok {
		seg = domain.Segment{ID: alert.Key.SegmentID}
	}
	req := lookup.Request{Key: alert.Key, Segment: seg, Factors: alert.Factors}

	budget, cancel := context.WithTimeout(ctx, a.opts.TotalBudget)
	defer cancel()

	calls := make([]func(context.Context) domain.ContextFragment, len(domain.Dimensions))
	for i, d := range domain.Dimensions {
		calls[i] = func(ctx context.Context) domain.ContextFragment { return a.lookupOne(ctx, req, d) }
	}
	frags := fn.FanOut(budget, calls...)

	if errors.Is(ctx.Err(), context.Canceled) {
		return domain.ContextBundle{}, ctx.Err()
	}

	b := domain.ContextBundle{Key: alert.Key, Fragments: make(map[domain.Dimension]domain.ContextFragment, len(frags))}
	for _, f := range frags {
		b.Fragments[f.Dimension] = f
	}
	b.Confidence = Confidence(b.Fragments, a.opts.Weights)
	a.memo.Add(alert.Key, b)
	return b, nil
}

// Confidence is the weight-averaged confidence over dimensions that
// succeeded. It is zero when none did.
func Confidence(frags map[domain.Dimension]domain.ContextFragment, weights map[domain.Dimension]float64) float64 {
	var num, den float64
	for _, d := range domain.Dimensions {
		f, ok := frags[d]
		if !ok || !f.Status.Succeeded() {
			continue
		}
		w := weights[d]
		if w <= 0 {
			continue
		}
		num += w * f.Confidence
		den += w
	}
	if den == 0 {
		return 0
	}
	c := num / den
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func (a *Aggregator) lookupOne(ctx context.Context, req lookup.Request, d domain.Dimension) domain.ContextFragment {
	p, ok := a.providers[d]
	if !ok {
		a.metrics.Lookup(string(d), string(domain.LookupUnknown))
		return domain.UnknownFragment(d, domain.LookupUnknown)
	}
	log := a.logger.With("segment", req.Key.SegmentID, "key", req.Key.String(), "dimension", string(d))
	ckey := cache.ContextKey(req.Key.SegmentID, string(d))

	if a.cache != nil {
		f, _, hit, err := cache.GetJSON[domain.ContextFragment](ctx, a.cache, ckey)
		switch {
		case err != nil:
			log.Warn("context cache read failed", "error", err)
			a.metrics.Cache("get", "error")
		case hit:
			a.metrics.Cache("get", "hit")
			a.metrics.Lookup(string(d), string(domain.LookupCached))
			f.Dimension = d
			f.Status = domain.LookupCached
			return f
		default:
			a.metrics.Cache("get", "miss")
		}
	}

	// one in-flight lookup per segment and dimension; callers keep their own deadline
	ch := a.flight.DoChan(ckey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.LookupTimeout)
		defer cancel()
		var frag domain.ContextFragment
		err := a.breakers.Get("lookup."+string(d)).Call(fctx, func(ctx context.Context) error {
			var err error
			frag, err = p.Lookup(ctx, req)
			return err
		})
		return frag, err
	})

	wait, cancel := context.WithTimeout(ctx, a.opts.LookupTimeout)
	defer cancel()
	var (
		frag domain.ContextFragment
		err  error
	)
	select {
	case <-wait.Done():
		err = wait.Err()
	case r := <-ch:
		err = r.Err
		if err == nil {
			frag = r.Val.(domain.ContextFragment)
		}
	}

	if err != nil {
		kind, status := classify(err)
		log.Warn("context lookup degraded", "kind", kind.String(), "error", err)
		a.metrics.Lookup(string(d), string(status))
		return domain.UnknownFragment(d, status)
	}

	frag.Dimension = d
	frag.Status = domain.LookupOK
	frag.Confidence = clamp01(frag.Confidence)
	if frag.FetchedAt.IsZero() {
		frag.FetchedAt = a.now().UTC()
	}
	a.metrics.Lookup(string(d), string(domain.LookupOK))

	if a.cache != nil {
		if _, err := cache.PutJSON(ctx, a.cache, ckey, frag, req.Key.Timestamp.UnixNano(), a.opts.TTL, a.now()); err != nil {
			log.Warn("context cache write failed", "error", err)
			a.metrics.Cache("cas", "error")
		}
	}
	return frag
}

// classify maps a lookup error onto the failure taxonomy.
func classify(err error) (domain.Kind, domain.LookupStatus) {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindCollaboratorTimeout, domain.LookupTimeout
	}
	return domain.KindCollaboratorUnavailable, domain.LookupUnavailable
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
