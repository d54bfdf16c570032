// Package recommend turns root-cause scores into ranked operator actions.
package recommend

import (
	"cmp"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// idSpace namespaces deterministic recommendation ids.
var idSpace = uuid.MustParse("8f5d2c1e-6b1a-4c57-9d3e-2a7f0b9c4e11")

// Snapshots hands out the current effectiveness table.
type Snapshots interface {
	Snapshot() *domain.EffectivenessTable
}

// Options tunes the recommender.
type Options struct {
	// SecondaryMin is the probability at which a non-dominant cause also
	// contributes actions, scaled by p/p_dominant.
	SecondaryMin float64
	// Feedback is how strongly measured improvement adjusts impact.
	Feedback float64
}

func DefaultOptions() Options {
	return Options{SecondaryMin: 0.25, Feedback: 0.5}
}

// Recommender is safe for concurrent use.
type Recommender struct {
	rules  RuleTable
	table  Snapshots
	opts   Options
	logger *slog.Logger
}

// New creates a Recommender. Nil rules use DefaultRules; nil table means
// no historical adjustment.
func New(rules RuleTable, table Snapshots, opts Options, logger *slog.Logger) *Recommender {
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = DefaultRules()
	}
	if opts.SecondaryMin <= 0 {
		opts.SecondaryMin = DefaultOptions().SecondaryMin
	}
	return &Recommender{rules: rules, table: table, opts: opts, logger: logger.With("stage", "recommend")}
}

// Recommend builds the ranked set for alert. routes may be empty; rules
// that depend on an alternate route are then skipped. The set is never
// empty.
func (r *Recommender) Recommend(alert domain.CongestionAlert, score domain.RootCauseScore, routes []domain.RouteCandidate) (domain.RecommendationSet, error) {
	const op = "recommend"
	if err := domain.ValidateAlert(alert); err != nil {
		return domain.RecommendationSet{}, domain.Invalid(op, alert.Key, err)
	}
	if err := domain.ValidateScore(score); err != nil {
		return domain.RecommendationSet{}, domain.Invalid(op, alert.Key, err)
	}
	if score.Key != alert.Key {
		return domain.RecommendationSet{}, domain.Invalid(op, alert.Key,
			domain.NewValidationError("score.key", score.Key.String(), domain.ErrUnknownAlert))
	}
	var table *domain.EffectivenessTable
	if r.table != nil {
		table = r.table.Snapshot()
	}

	pDom := score.Probabilities[score.Dominant]
	best := make(map[domain.ActionCategory]domain.Recommendation)
	for _, c := range domain.Causes {
		p := score.Probabilities[c]
		scale := 1.0
		if c != score.Dominant {
			if p < r.opts.SecondaryMin || pDom <= 0 {
				continue
			}
			scale = math.Min(1, p/pDom)
		}
		for _, rule := range r.rules[c] {
			if rule.NeedsRoutes && len(routes) == 0 {
				continue
			}
			if rule.MinSeverity != "" && !alert.Severity.AtLeast(rule.MinSeverity) {
				continue
			}
			rec := r.build(alert.Key, rule, scale, table, routes)
			if cur, ok := best[rec.Category]; !ok || better(rec, cur) {
				best[rec.Category] = rec
			}
		}
	}

	recs := make([]domain.Recommendation, 0, len(best)+1)
	for _, rec := range best {
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		recs = append(recs, r.fallback(alert.Key, score.Dominant))
	}
	Rank(recs)
	return domain.RecommendationSet{Key: alert.Key, Dominant: score.Dominant, Recommendations: recs}, nil
}

func (r *Recommender) build(key domain.CorrelationKey, rule Rule, scale float64, table *domain.EffectivenessTable, routes []domain.RouteCandidate) domain.Recommendation {
	impact := rule.ImpactPct * scale * Adjustment(table, rule.Category, r.opts.Feedback)
	desc := rule.Description
	if rule.NeedsRoutes && len(routes) > 0 {
		desc = strings.ReplaceAll(desc, RoutePlaceholder, strings.Join(routes[0].Path, " -> "))
	}
	return domain.Recommendation{
		ID:                 ID(key, rule.Category),
		Key:                key,
		Category:           rule.Category,
		Title:              rule.Title,
		Description:        desc,
		Urgency:            rule.Urgency,
		ImpactPct:          math.Round(math.Max(0, math.Min(100, impact))*10) / 10,
		ImplementationTime: rule.ImplementationTime,
		Cost:               rule.Cost,
		Requirements:       slices.Clone(rule.Requirements),
		Cause:              rule.Cause,
	}
}

func (r *Recommender) fallback(key domain.CorrelationKey, dominant domain.Cause) domain.Recommendation {
	return domain.Recommendation{
		ID:          ID(key, domain.ActionMonitor),
		Key:         key,
		Category:    domain.ActionMonitor,
		Title:       "Continue monitoring",
		Description: "No rule matched; keep watching the segment",
		Urgency:     domain.UrgencyImmediate,
		Cost:        domain.CostLow,
		Cause:       dominant,
	}
}

// better decides which of two recommendations for the same category is kept.
func better(a, b domain.Recommendation) bool {
	if a.ImpactPct != b.ImpactPct {
		return a.ImpactPct > b.ImpactPct
	}
	return a.Urgency.Order() < b.Urgency.Order()
}

// Adjustment scales impact by the category's measured improvement. It is
// 1 without history and stays in [0.5, 1.5].
func Adjustment(table *domain.EffectivenessTable, c domain.ActionCategory, strength float64) float64 {
	rec, ok := table.Record(c)
	if !ok || rec.SampleCount == 0 {
		return 1
	}
	return math.Max(0.5, math.Min(1.5, 1+strength*rec.MeasuredImprovement))
}

// ID is the deterministic id of a category's recommendation for key.
func ID(key domain.CorrelationKey, c domain.ActionCategory) string {
	return uuid.NewSHA1(idSpace, []byte(key.String()+"|"+string(c))).String()
}

// Rank sorts recs by urgency, then impact descending, then implementation
// time ascending, and assigns dense ranks starting at 1 within each tier.
func Rank(recs []domain.Recommendation) {
	slices.SortFunc(recs, func(a, b domain.Recommendation) int {
		return cmp.Or(
			cmp.Compare(a.Urgency.Order(), b.Urgency.Order()),
			cmp.Compare(b.ImpactPct, a.ImpactPct),
			cmp.Compare(a.ImplementationTime, b.ImplementationTime),
			cmp.Compare(a.Category, b.Category),
		)
	})
	rank := 0
	for i := range recs {
		if i == 0 || recs[i].Urgency != recs[i-1].Urgency {
			rank = 0
		}
		rank++
		recs[i].Rank = rank
	}
}
