// Package rootcause turns an alert and its context into a probability
// distribution over congestion causes.
package rootcause

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Snapshots hands out the current effectiveness table.
type Snapshots interface {
	Snapshot() *domain.EffectivenessTable
}

// Options tunes the scorer.
type Options struct {
	// Sharpness scales evidence into logits; severity adds to it.
	Sharpness float64
	// Feedback is how strongly measured improvement moves a cause's weight.
	Feedback float64
	// TieMargin is the probability gap treated as a tie.
	TieMargin float64
}

func DefaultOptions() Options {
	return Options{Sharpness: 3, Feedback: 0.5, TieMargin: 0.02}
}

// Scorer is stateless apart from the snapshot source and safe for
// concurrent use.
type Scorer struct {
	table  Snapshots
	opts   Options
	logger *slog.Logger
}

// New creates a Scorer. table may be nil, in which case every weight is 1.
func New(table Snapshots, opts Options, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Sharpness <= 0 {
		opts.Sharpness = def.Sharpness
	}
	if opts.TieMargin <= 0 {
		opts.TieMargin = def.TieMargin
	}
	return &Scorer{table: table, opts: opts, logger: logger.With("stage", "rootcause")}
}

// Score computes the distribution for alert given bundle. The result is a
// pure function of its inputs and the table snapshot taken at entry.
func (s *Scorer) Score(alert domain.CongestionAlert, b domain.ContextBundle) (domain.RootCauseScore, error) {
	const op = "rootcause.score"
	if err := domain.ValidateAlert(alert); err != nil {
		return domain.RootCauseScore{}, domain.Invalid(op, alert.Key, err)
	}
	if err := domain.ValidateBundle(b, alert); err != nil {
		return domain.RootCauseScore{}, domain.Invalid(op, alert.Key, err)
	}
	var table *domain.EffectivenessTable
	if s.table != nil {
		table = s.table.Snapshot()
	}
	return s.score(alert, b, table), nil
}

func (s *Scorer) score(alert domain.CongestionAlert, b domain.ContextBundle, table *domain.EffectivenessTable) domain.RootCauseScore {
	ev := Gather(alert, b)
	beta := s.opts.Sharpness + float64(max(alert.Severity.Rank(), 0))

	logits := make([]float64, len(domain.Causes))
	for i, c := range domain.Causes {
		logits[i] = beta * ev[c] * Multiplier(table, c, s.opts.Feedback)
	}
	lse := floats.LogSumExp(logits)
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(l - lse)
	}
	floats.Scale(1/floats.Sum(probs), probs)

	out := domain.RootCauseScore{
		Key:           alert.Key,
		Probabilities: make(map[domain.Cause]float64, len(probs)),
		TableVersion:  table.TableVersion(),
	}
	for i, c := range domain.Causes {
		out.Probabilities[c] = probs[i]
	}
	out.Dominant = Dominant(out.Probabilities, table, s.opts.TieMargin)
	out.Confidence = out.Probabilities[out.Dominant] * (0.5 + 0.5*b.Confidence)
	return out
}

// Multiplier scales a cause's evidence by the measured improvement of the
// actions that address it, weighted by their sample counts. It stays in
// [0.5, 1.5] and is 1 without history.
func Multiplier(table *domain.EffectivenessTable, c domain.Cause, strength float64) float64 {
	var sum, n float64
	for _, cat := range domain.CauseCategories[c] {
		r, ok := table.Record(cat)
		if !ok || r.SampleCount == 0 {
			continue
		}
		sum += r.MeasuredImprovement * float64(r.SampleCount)
		n += float64(r.SampleCount)
	}
	if n == 0 {
		return 1
	}
	m := 1 + strength*sum/n
	return math.Max(0.5, math.Min(1.5, m))
}

// SampleCount is the historical evidence behind a cause.
func SampleCount(table *domain.EffectivenessTable, c domain.Cause) int {
	n := 0
	for _, cat := range domain.CauseCategories[c] {
		if r, ok := table.Record(cat); ok {
			n += r.SampleCount
		}
	}
	return n
}

// Dominant picks the most probable cause. Causes within margin of the
// leader are tied; among them the one with more historical samples wins,
// then the more probable, then canonical order.
func Dominant(p map[domain.Cause]float64, table *domain.EffectivenessTable, margin float64) domain.Cause {
	lead := domain.Causes[0]
	for _, c := range domain.Causes[1:] {
		if p[c] > p[lead] {
			lead = c
		}
	}
	best := lead
	bestN := SampleCount(table, lead)
	for _, c := range domain.Causes {
		if c == lead || p[lead]-p[c] > margin {
			continue
		}
		n := SampleCount(table, c)
		if n > bestN || (n == bestN && p[c] > p[best]) {
			best, bestN = c, n
		}
	}
	return best
}
