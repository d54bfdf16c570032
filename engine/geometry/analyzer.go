// Package geometry analyses the road network: alternate routes around a
// congested segment, capacity estimates and bottleneck detection.
package geometry

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
)

// Graph is the road network as the analyzer sees it.
type Graph interface {
	Segment(id string) (domain.Segment, bool)
	Successors(id string) []string
	Predecessors(id string) []string
	Segments() []domain.Segment
}

// Options bounds the search.
type Options struct {
	// MaxHops is the longest detour, in segments, from an origin to the
	// segment where it rejoins the congested route.
	MaxHops       int
	Budget        time.Duration
	MaxCandidates int
}

func DefaultOptions() Options {
	return Options{MaxHops: 3, Budget: 250 * time.Millisecond, MaxCandidates: 3}
}

// Analyzer is safe for concurrent use.
type Analyzer struct {
	graph  Graph
	speeds *Speeds
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Analyzer. speeds may be nil, in which case every segment
// is assumed to run at free-flow speed except the congested one.
func New(g Graph, speeds *Speeds, opts Options, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.MaxHops <= 0 {
		opts.MaxHops = def.MaxHops
	}
	if opts.Budget <= 0 {
		opts.Budget = def.Budget
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = def.MaxCandidates
	}
	return &Analyzer{graph: g, speeds: speeds, opts: opts, logger: logger.With("stage", "geometry"), now: time.Now}
}

// FindAlternateRoutes returns up to k detours around segmentID, best
// improvement first. No viable detour yields an empty slice. Exhausting
// the search budget returns what was found so far.
func (a *Analyzer) FindAlternateRoutes(ctx context.Context, segmentID string, k int) ([]domain.RouteCandidate, error) {
	const op = "geometry.routes"
	congested, ok := a.graph.Segment(segmentID)
	if !ok {
		return nil, domain.Invalid(op, domain.CorrelationKey{SegmentID: segmentID},
			domain.NewValidationError("segment_id", segmentID, domain.ErrUnknownSegment))
	}
	if k <= 0 {
		k = a.opts.MaxCandidates
	}

	deadline := a.now().Add(a.opts.Budget)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s := &search{
		a:        a,
		ctx:      ctx,
		deadline: deadline,
		baseline: a.minutes(congested),
		rejoin:   make(map[string]bool),
		seen:     make(map[string]bool),
	}
	for _, id := range a.graph.Successors(segmentID) {
		s.rejoin[id] = true
	}

	for _, origin := range a.graph.Predecessors(segmentID) {
		if s.stopped() {
			break
		}
		s.origin = origin
		s.walk(origin, nil, 0, map[string]bool{origin: true, segmentID: true})
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}
	if s.exhausted {
		a.logger.Warn("route search budget exhausted", "segment", segmentID, "found", len(s.found))
	}

	slices.SortFunc(s.found, func(x, y domain.RouteCandidate) int {
		return cmp.Or(
			cmp.Compare(y.EstimatedImprovement, x.EstimatedImprovement),
			cmp.Compare(len(x.Path), len(y.Path)),
			cmp.Compare(x.Origin, y.Origin),
			cmp.Compare(strings.Join(x.Path, ">"), strings.Join(y.Path, ">")),
		)
	})
	if len(s.found) > k {
		s.found = s.found[:k]
	}
	if s.found == nil {
		s.found = []domain.RouteCandidate{}
	}
	return s.found, nil
}

// minutes is the current traversal time of seg.
func (a *Analyzer) minutes(seg domain.Segment) float64 {
	if a.speeds != nil {
		if v, ok := a.speeds.Speed(seg.ID); ok {
			return seg.MinutesAt(v)
		}
	}
	return seg.FreeFlowMinutes()
}

type search struct {
	a         *Analyzer
	ctx       context.Context
	origin    string
	deadline  time.Time
	baseline  float64
	rejoin    map[string]bool
	seen      map[string]bool
	found     []domain.RouteCandidate
	exhausted bool
}

func (s *search) stopped() bool {
	if s.ctx.Err() != nil || !s.a.now().Before(s.deadline) {
		s.exhausted = true
		return true
	}
	return false
}

// walk extends path from id. minutes is the detour time accumulated so far,
// excluding the origin and the rejoin segment which both routes share.
func (s *search) walk(id string, path []string, minutes float64, visited map[string]bool) {
	if s.stopped() {
		return
	}
	for _, next := range s.a.graph.Successors(id) {
		if visited[next] {
			continue
		}
		seg, ok := s.a.graph.Segment(next)
		if !ok {
			continue
		}
		p := append(slices.Clone(path), next)
		if s.rejoin[next] {
			s.record(p, minutes, seg)
			continue
		}
		if len(p) >= s.a.opts.MaxHops {
			continue
		}
		visited[next] = true
		s.walk(next, p, minutes+s.a.minutes(seg), visited)
		delete(visited, next)
	}
}

func (s *search) record(path []string, detour float64, rejoin domain.Segment) {
	shared := s.a.minutes(rejoin)
	base := s.baseline + shared
	travel := detour + shared
	if base <= 0 || travel >= base {
		return
	}
	key := s.origin + ":" + strings.Join(path, ">")
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.found = append(s.found, domain.RouteCandidate{
		Origin:               s.origin,
		Path:                 path,
		TravelMinutes:        travel,
		BaselineMinutes:      base,
		EstimatedImprovement: (base - travel) / base,
	})
}
