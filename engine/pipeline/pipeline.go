// Package pipeline runs the analysis stages as bus consumers and offers
// synchronous entry points over the same stage logic.
//
// Each stage has its own keyed pool: messages for one segment are handled
// in publish order while different segments proceed in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/curiousagents/traffic-core/engine/bus"
	"github.com/curiousagents/traffic-core/engine/contextagg"
	"github.com/curiousagents/traffic-core/engine/detector"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/feedback"
	"github.com/curiousagents/traffic-core/engine/geometry"
	"github.com/curiousagents/traffic-core/engine/incidents"
	"github.com/curiousagents/traffic-core/engine/recommend"
	"github.com/curiousagents/traffic-core/engine/rootcause"
	"github.com/curiousagents/traffic-core/pkg/fn"
	"github.com/curiousagents/traffic-core/pkg/metrics"
)

var ErrMissingDep = errors.New("pipeline: missing dependency")

// Memory is the outcome memory capability.
type Memory interface {
	Remember(ctx context.Context, inc incidents.Incident) error
	Similar(ctx context.Context, probs map[domain.Cause]float64, k int, category domain.ActionCategory) ([]incidents.Match, error)
}

// Deps holds the stage implementations. Routes, Speeds and Incidents are
// optional.
type Deps struct {
	Bus         bus.Bus
	Detector    *detector.Detector
	Aggregator  *contextagg.Aggregator
	Scorer      *rootcause.Scorer
	Routes      *geometry.Analyzer
	Speeds      *geometry.Speeds
	Recommender *recommend.Recommender
	Feedback    *feedback.Loop
	Incidents   Memory
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Options struct {
	// Workers caps in-flight messages per stage.
	Workers int
	Queue   int
	// Registry is the number of alerts remembered for correlation.
	Registry        int
	RouteCandidates int
	// Group is the bus consumer group shared by every replica.
	Group        string
	ProducerID   string
	AwaitTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Workers:         runtime.NumCPU(),
		Queue:           64,
		Registry:        10000,
		RouteCandidates: 3,
		Group:           "traffic-core",
		AwaitTimeout:    15 * time.Second,
	}
}

type stage struct {
	name  string
	topic bus.Topic
	run   fn.Stage[bus.Envelope, int]
	pool  *KeyedPool
	guard *orderGuard
}

// Pipeline owns the stage consumers.
type Pipeline struct {
	deps     Deps
	opts     Options
	producer *bus.Producer
	registry *registry
	stages   []*stage
	subs     []bus.Subscription
	ready    chan struct{}
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New validates deps and builds the stage graph. Call Run to start consuming.
func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Bus == nil:
		return nil, domain.Fail(domain.KindConfiguration, "pipeline.new", domain.CorrelationKey{}, fmt.Errorf("%w: bus", ErrMissingDep))
	case deps.Detector == nil, deps.Aggregator == nil, deps.Scorer == nil, deps.Recommender == nil, deps.Feedback == nil:
		return nil, domain.Fail(domain.KindConfiguration, "pipeline.new", domain.CorrelationKey{}, fmt.Errorf("%w: stage", ErrMissingDep))
	}
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.Queue <= 0 {
		opts.Queue = def.Queue
	}
	if opts.RouteCandidates <= 0 {
		opts.RouteCandidates = def.RouteCandidates
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = def.AwaitTimeout
	}
	if opts.Registry <= 0 {
		opts.Registry = def.Registry
	}
	if opts.Group == "" {
		opts.Group = def.Group
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		deps:     deps,
		opts:     opts,
		producer: bus.NewProducer(deps.Bus, opts.ProducerID),
		registry: newRegistry(opts.Registry),
		ready:    make(chan struct{}),
		metrics:  deps.Metrics,
		logger:   logger.With("component", "pipeline"),
	}
	graph := []struct {
		name  string
		topic bus.Topic
		f     fn.Stage[bus.Envelope, []bus.Envelope]
	}{
		{"detect", bus.TopicTelemetry, p.detect},
		{"context", bus.TopicAlerts, p.contextStage},
		{"score", bus.TopicContext, p.score},
		{"recommend", bus.TopicScores, p.recommendStage},
		{"actions", bus.TopicActions, p.actions},
	}
	for _, g := range graph {
		s, err := p.newStage(g.name, g.topic, g.f)
		if err != nil {
			return nil, domain.Fail(domain.KindConfiguration, "pipeline.new", domain.CorrelationKey{}, err)
		}
		p.stages = append(p.stages, s)
	}
	deps.Feedback.OnApplied(p.applied)
	return p, nil
}

// publishRetry bounds how long a stage keeps retrying its outputs.
var publishRetry = fn.RetryOpts{
	MaxAttempts: 4,
	InitialWait: 50 * time.Millisecond,
	MaxWait:     time.Second,
	Jitter:      true,
	Retryable:   func(err error) bool { return !errors.Is(err, context.Canceled) },
}

func (p *Pipeline) newStage(name string, topic bus.Topic, f fn.Stage[bus.Envelope, []bus.Envelope]) (*stage, error) {
	guard, err := newOrderGuard(p.opts.Registry)
	if err != nil {
		return nil, err
	}
	publish := fn.RetryStage(publishRetry, fn.Lift(p.emitAll))
	return &stage{
		name:  name,
		topic: topic,
		run:   fn.TracedStage("pipeline."+name, fn.Then(fn.Recovered(f), publish), attribute.String("stage", name)),
		pool:  NewKeyedPool(p.opts.Workers, p.opts.Queue),
		guard: guard,
	}, nil
}

// Run subscribes every stage and the feedback loop, then blocks until ctx
// is done. Queued messages are drained before it returns.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.subscribe(); err != nil {
		p.stop()
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.deps.Feedback.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		p.stop()
		return nil
	})
	return g.Wait()
}

func (p *Pipeline) subscribe() error {
	// every replica tracks every alert so a downstream record can find its
	// ancestor regardless of which replica produced it
	for _, t := range []bus.Topic{bus.TopicAlerts, bus.TopicContext, bus.TopicScores, bus.TopicRecommendations} {
		sub, err := p.deps.Bus.Subscribe(t, "", p.track)
		if err != nil {
			return err
		}
		p.subs = append(p.subs, sub)
	}
	for _, s := range p.stages {
		sub, err := p.deps.Bus.Subscribe(s.topic, p.opts.Group, p.handler(s))
		if err != nil {
			return err
		}
		p.subs = append(p.subs, sub)
	}
	close(p.ready)
	p.logger.Info("pipeline started", "stages", len(p.stages), "workers", p.opts.Workers, "group", p.opts.Group)
	return nil
}

// Ready is closed once every stage is subscribed.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

func (p *Pipeline) stop() {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("unsubscribe failed", "error", err)
		}
	}
	p.subs = nil
	for _, s := range p.stages {
		s.pool.Close()
	}
	p.logger.Info("pipeline stopped")
}

func (p *Pipeline) handler(s *stage) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		if !s.guard.accept(env) {
			p.logger.Debug("redelivery dropped", "stage", s.name, "key", env.Key.String(), "producer", env.Producer, "seq", env.Seq)
			p.metrics.Observe(s.name, metrics.OutcomeSkipped, time.Now())
			return nil
		}
		return s.pool.Submit(ctx, env.PartitionKey(), func(ctx context.Context) { p.process(ctx, s, env) })
	}
}

func (p *Pipeline) process(ctx context.Context, s *stage, env bus.Envelope) {
	start := time.Now()
	defer p.metrics.Begin(s.name)()

	if err := s.run(ctx, env).Error(); err != nil {
		p.metrics.Observe(s.name, p.failed(s.name, env, err), start)
		return
	}
	p.metrics.Observe(s.name, metrics.OutcomeOK, start)
}

// emitAll publishes a stage's outputs in order. A retry starts over, so
// downstream stages may see an output twice.
func (p *Pipeline) emitAll(ctx context.Context, out []bus.Envelope) (int, error) {
	for i, e := range out {
		if err := p.producer.Emit(ctx, e); err != nil {
			return i, domain.Fail(domain.KindCollaboratorUnavailable, "pipeline.publish", e.Key, fmt.Errorf("%s: %w", e.Topic, err))
		}
	}
	return len(out), nil
}

// failed logs a per-record failure and returns its metrics outcome.
func (p *Pipeline) failed(stage string, env bus.Envelope, err error) string {
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindValidation, domain.KindStateInconsistency:
		p.logger.Warn("record dropped", "stage", stage, "segment", env.Key.SegmentID, "key", env.Key.String(), "kind", kind.String(), "error", err)
		return metrics.OutcomeDropped
	default:
		p.logger.Error("record failed", "stage", stage, "segment", env.Key.SegmentID, "key", env.Key.String(), "kind", kind.String(), "error", err)
		return metrics.OutcomeFailed
	}
}

func (p *Pipeline) track(_ context.Context, env bus.Envelope) error {
	switch {
	case env.Alert != nil:
		p.registry.addAlert(*env.Alert)
	case env.Context != nil:
		b := env.Context.Bundle
		p.registry.update(env.Key, func(s *Status) { s.Context = &b })
	case env.Score != nil:
		sc := env.Score.Score
		p.registry.update(env.Key, func(s *Status) { s.Score = &sc })
	case env.Recommendations != nil:
		p.registry.setRecommendations(env.Recommendations.Set)
	}
	return nil
}

func none() fn.Result[[]bus.Envelope] { return fn.Ok[[]bus.Envelope](nil) }

func emit(e bus.Envelope) fn.Result[[]bus.Envelope] { return fn.Ok([]bus.Envelope{e}) }

func (p *Pipeline) detect(ctx context.Context, env bus.Envelope) fn.Result[[]bus.Envelope] {
	res, err := p.detectOne(ctx, *env.Telemetry)
	if err != nil {
		return fn.Err[[]bus.Envelope](err)
	}
	if !res.Publish {
		return none()
	}
	return emit(bus.AlertMsg(res.Alert))
}

// observeBudget caps how long detection waits for the feedback loop to
// accept a sample. Measurement may miss the sample; detection does not stall.
const observeBudget = 200 * time.Millisecond

// detectOne classifies s, feeds it to measurement and registers a
// publishable alert.
func (p *Pipeline) detectOne(ctx context.Context, s domain.TelemetrySample) (detector.Result, error) {
	res, err := p.deps.Detector.Detect(ctx, s)
	if err != nil {
		return res, err
	}
	if p.deps.Speeds != nil {
		p.deps.Speeds.Observe(s.SegmentID, s.SpeedKmph, s.Timestamp)
	}
	octx, cancel := context.WithTimeout(ctx, observeBudget)
	err = p.deps.Feedback.Observe(octx, s)
	cancel()
	if err != nil {
		p.logger.Warn("feedback observe failed", "segment", s.SegmentID, "error", err)
	}
	if res.Publish {
		p.registry.addAlert(res.Alert)
		p.metrics.Alert(string(res.Alert.Severity))
	}
	return res, nil
}

func (p *Pipeline) contextStage(ctx context.Context, env bus.Envelope) fn.Result[[]bus.Envelope] {
	a := *env.Alert
	p.registry.addAlert(a)
	b, err := p.deps.Aggregator.Aggregate(ctx, a)
	if err != nil {
		return fn.Err[[]bus.Envelope](err)
	}
	p.registry.update(a.Key, func(s *Status) { s.Context = &b })
	return emit(bus.ContextMsg(a, b))
}

func (p *Pipeline) score(_ context.Context, env bus.Envelope) fn.Result[[]bus.Envelope] {
	a, err := p.ancestor("pipeline.score", env.Context.Alert.Key)
	if err != nil {
		return fn.Err[[]bus.Envelope](err)
	}
	sc, err := p.deps.Scorer.Score(a, env.Context.Bundle)
	if err != nil {
		return fn.Err[[]bus.Envelope](err)
	}
	p.registry.update(a.Key, func(s *Status) { s.Score = &sc })
	return emit(bus.ScoreMsg(a, sc))
}

func (p *Pipeline) recommendStage(ctx context.Context, env bus.Envelope) fn.Result[[]bus.Envelope] {
	a, err := p.ancestor("pipeline.recommend", env.Score.Alert.Key)
	if err != nil {
		return fn.Err[[]bus.Envelope](err)
	}
	set, err := p.recommend(ctx, a, env.Score.Score)
	if err != nil {
		return fn.Err[[]bus.Envelope](err)
	}
	p.registry.setRecommendations(set)
	return emit(bus.RecommendationsMsg(a, set))
}

func (p *Pipeline) actions(ctx context.Context, env bus.Envelope) fn.Result[[]bus.Envelope] {
	if _, err := p.RecordAction(ctx, *env.Action); err != nil {
		return fn.Err[[]bus.Envelope](err)
	}
	return none()
}

// ancestor returns the registered alert for key.
func (p *Pipeline) ancestor(op string, key domain.CorrelationKey) (domain.CongestionAlert, error) {
	a, ok := p.registry.alert(key)
	if !ok {
		return a, domain.Fail(domain.KindStateInconsistency, op, key, domain.ErrUnknownAlert)
	}
	return a, nil
}

func (p *Pipeline) recommend(ctx context.Context, a domain.CongestionAlert, sc domain.RootCauseScore) (domain.RecommendationSet, error) {
	var routes []domain.RouteCandidate
	if p.deps.Routes != nil {
		r, err := p.deps.Routes.FindAlternateRoutes(ctx, a.Key.SegmentID, p.opts.RouteCandidates)
		if err != nil {
			// recommendations without rerouting are still useful
			p.logger.Warn("route search failed", "segment", a.Key.SegmentID, "key", a.Key.String(), "error", err)
		}
		routes = r
	}
	return p.deps.Recommender.Recommend(a, sc, routes)
}

// applied publishes every scored outcome and remembers measured ones.
func (p *Pipeline) applied(ctx context.Context, o feedback.Outcome) {
	key := o.Action.Key
	u := bus.EffectivenessUpdate{Record: o.Record, Effectiveness: o.Effectiveness, TableVersion: o.TableVersion}
	if err := p.producer.Emit(ctx, bus.EffectivenessMsg(key, u)); err != nil {
		p.logger.Error("publish effectiveness failed", "key", key.String(), "error", err)
	}
	if p.deps.Incidents == nil || o.Phase != feedback.PhaseApplied || o.Effectiveness == nil {
		return
	}
	st, ok := p.registry.get(key)
	if !ok || st.Score == nil {
		p.logger.Debug("no score for applied action", "key", key.String())
		return
	}
	inc := incidents.Incident{
		Key:              key,
		RecommendationID: o.Action.RecommendationID,
		Category:         o.Action.Category,
		Dominant:         st.Score.Dominant,
		Probabilities:    st.Score.Probabilities,
		Effectiveness:    *o.Effectiveness,
		AppliedAt:        o.ScoredAt,
	}
	if err := p.deps.Incidents.Remember(ctx, inc); err != nil {
		p.logger.Warn("remember outcome failed", "key", key.String(), "error", err)
	}
}
