package pipeline

import (
	"context"
	"errors"
	"math"

	"github.com/curiousagents/traffic-core/engine/bus"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/feedback"
	"github.com/curiousagents/traffic-core/engine/geometry"
	"github.com/curiousagents/traffic-core/engine/incidents"
)

var ErrNoMemory = errors.New("pipeline: outcome memory not configured")

// Analysis is the synchronous answer for one telemetry sample.
type Analysis struct {
	// Alert is nil when the sample shows no speed deficit.
	Alert           *domain.CongestionAlert    `json:"alert,omitempty"`
	Published       bool                       `json:"published"`
	Recommendations *domain.RecommendationSet `json:"recommendations,omitempty"`
}

// Analyze runs detection directly. A publishable alert also enters the
// asynchronous stages, so debounce applies exactly as it does on the bus.
func (p *Pipeline) Analyze(ctx context.Context, s domain.TelemetrySample) (Analysis, error) {
	res, err := p.detectOne(ctx, s)
	if err != nil {
		return Analysis{}, err
	}
	out := Analysis{Published: res.Publish}
	if !res.Alert.Key.IsZero() {
		a := res.Alert
		out.Alert = &a
	}
	if !res.Publish {
		return out, nil
	}
	if err := p.producer.Emit(ctx, bus.AlertMsg(res.Alert)); err != nil {
		return out, domain.Fail(domain.KindCollaboratorUnavailable, "pipeline.analyze", res.Alert.Key, err)
	}
	return out, nil
}

// Ingest publishes samples onto the telemetry topic for the detect stage.
// It stops at the first failure and reports how many were published.
func (p *Pipeline) Ingest(ctx context.Context, samples []domain.TelemetrySample) (int, error) {
	return p.publish(ctx, "pipeline.ingest", len(samples), func(i int) bus.Envelope { return bus.TelemetryMsg(samples[i]) })
}

// SubmitAction queues an implemented action for the actions stage instead
// of recording it inline.
func (p *Pipeline) SubmitAction(ctx context.Context, a domain.ImplementedAction) error {
	_, err := p.publish(ctx, "pipeline.submit_action", 1, func(int) bus.Envelope { return bus.ActionMsg(a) })
	return err
}

func (p *Pipeline) publish(ctx context.Context, op string, n int, msg func(int) bus.Envelope) (int, error) {
	for i := 0; i < n; i++ {
		env := msg(i)
		if err := p.producer.Emit(ctx, env); err != nil {
			if errors.Is(err, bus.ErrMissingKey) || errors.Is(err, bus.ErrBadPayload) {
				return i, domain.Invalid(op, env.Key, err)
			}
			return i, domain.Fail(domain.KindCollaboratorUnavailable, op, env.Key, err)
		}
	}
	return n, nil
}

// AnalyzeAndWait publishes like Analyze and waits for the asynchronous
// stages to produce the alert's recommendations.
func (p *Pipeline) AnalyzeAndWait(ctx context.Context, s domain.TelemetrySample) (Analysis, error) {
	const op = "pipeline.analyze_wait"
	key := s.Key()
	ch, cancel := p.registry.wait(key)
	defer cancel()

	out, err := p.Analyze(ctx, s)
	if err != nil || !out.Published {
		return out, err
	}

	ctx, stop := context.WithTimeout(ctx, p.opts.AwaitTimeout)
	defer stop()
	select {
	case set := <-ch:
		out.Recommendations = &set
		return out, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, domain.Fail(domain.KindCollaboratorTimeout, op, key, ctx.Err())
		}
		return out, ctx.Err()
	}
}

// Recommend scores alert against bundle and ranks actions for it without
// going through the bus. The result is registered so actions can refer to it.
func (p *Pipeline) Recommend(ctx context.Context, alert domain.CongestionAlert, bundle domain.ContextBundle) (domain.RecommendationSet, error) {
	const op = "pipeline.recommend"
	if err := domain.ValidateAlert(alert); err != nil {
		return domain.RecommendationSet{}, domain.Invalid(op, alert.Key, err)
	}
	sc, err := p.deps.Scorer.Score(alert, bundle)
	if err != nil {
		return domain.RecommendationSet{}, err
	}
	set, err := p.recommend(ctx, alert, sc)
	if err != nil {
		return domain.RecommendationSet{}, err
	}
	p.registry.addAlert(alert)
	p.registry.update(alert.Key, func(s *Status) {
		s.Context = &bundle
		s.Score = &sc
	})
	p.registry.setRecommendations(set)
	return set, nil
}

// Routes returns alternate routes around segmentID. Without a road network
// there are none.
func (p *Pipeline) Routes(ctx context.Context, segmentID string, k int) ([]domain.RouteCandidate, error) {
	if p.deps.Routes == nil {
		return []domain.RouteCandidate{}, nil
	}
	return p.deps.Routes.FindAlternateRoutes(ctx, segmentID, k)
}

// NetworkCapacity estimates throughput for every segment of the road network.
func (p *Pipeline) NetworkCapacity() geometry.CapacityReport {
	if p.deps.Routes == nil {
		return geometry.CapacityReport{High: []geometry.SegmentCapacity{}, Low: []geometry.SegmentCapacity{}}
	}
	return p.deps.Routes.Capacity()
}

// Bottlenecks returns up to limit of the most central segments and links.
func (p *Pipeline) Bottlenecks(ctx context.Context, limit int) ([]geometry.Bottleneck, error) {
	if p.deps.Routes == nil {
		return []geometry.Bottleneck{}, nil
	}
	return p.deps.Routes.Bottlenecks(ctx, limit)
}

// RecordAction resolves the action's recommendation and starts measuring it.
// The category always comes from the recommendation.
func (p *Pipeline) RecordAction(ctx context.Context, a domain.ImplementedAction) (feedback.Outcome, error) {
	const op = "pipeline.record_action"
	st, ok := p.registry.get(a.Key)
	if !ok || st.Recommendations == nil {
		return feedback.Outcome{}, domain.Fail(domain.KindStateInconsistency, op, a.Key, domain.ErrUnknownAlert)
	}
	rec, ok := st.Recommendations.Find(a.RecommendationID)
	if !ok {
		return feedback.Outcome{}, domain.Invalid(op, a.Key, domain.NewValidationError("recommendation_id", a.RecommendationID, domain.ErrUnknownRec))
	}
	a.Category = rec.Category
	return p.deps.Feedback.Record(ctx, a)
}

// Outcome reports the measurement state of one recorded action.
func (p *Pipeline) Outcome(ctx context.Context, key domain.CorrelationKey, recID string) (feedback.Outcome, bool, error) {
	return p.deps.Feedback.Outcome(ctx, key, recID)
}

// SegmentStatus returns the latest alert for a segment and what was derived from it.
func (p *Pipeline) SegmentStatus(segmentID string) (Status, bool) {
	return p.registry.segment(segmentID)
}

func (p *Pipeline) Analytics() feedback.Analytics { return p.deps.Feedback.Analytics() }

// SimilarQuery selects past outcomes by the cause distribution of a known
// alert (Key) or an explicit one (Probabilities).
type SimilarQuery struct {
	Key           *domain.CorrelationKey   `json:"key,omitempty"`
	Probabilities map[domain.Cause]float64 `json:"probabilities,omitempty"`
	Category      domain.ActionCategory    `json:"category,omitempty"`
	K             int                      `json:"k"`
}

// Similar finds applied actions taken under similar cause distributions.
func (p *Pipeline) Similar(ctx context.Context, q SimilarQuery) ([]incidents.Match, error) {
	const op = "pipeline.similar"
	var key domain.CorrelationKey
	probs := q.Probabilities
	if q.Key != nil {
		key = *q.Key
		st, ok := p.registry.get(key)
		if !ok || st.Score == nil {
			return nil, domain.Fail(domain.KindStateInconsistency, op, key, domain.ErrUnknownAlert)
		}
		probs = st.Score.Probabilities
	}
	if err := validateProbabilities(probs); err != nil {
		return nil, domain.Invalid(op, key, err)
	}
	if q.Category != "" && !q.Category.Valid() {
		return nil, domain.Invalid(op, key, domain.NewValidationError("category", string(q.Category), domain.ErrUnknownCategory))
	}
	if p.deps.Incidents == nil {
		return nil, domain.Fail(domain.KindCollaboratorUnavailable, op, key, ErrNoMemory)
	}
	matches, err := p.deps.Incidents.Similar(ctx, probs, q.K, q.Category)
	if err != nil {
		kind := domain.KindCollaboratorUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = domain.KindCollaboratorTimeout
		}
		return nil, domain.Fail(kind, op, key, err)
	}
	if matches == nil {
		matches = []incidents.Match{}
	}
	return matches, nil
}

func validateProbabilities(probs map[domain.Cause]float64) error {
	if len(probs) == 0 {
		return domain.NewValidationError("probabilities", "", domain.ErrBadDistribution)
	}
	for c, v := range probs {
		if !c.Valid() {
			return domain.NewValidationError("probabilities", string(c), domain.ErrUnknownCause)
		}
		if v < 0 || v > 1 || math.IsNaN(v) {
			return domain.NewValidationError("probabilities", string(c), domain.ErrBadDistribution)
		}
	}
	return nil
}
