package geometry

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/stat"
)

// Capacity estimation: a segment flowing at 50 km/h carries about 2000
// vehicles per hour, scaled linearly with speed.
const (
	baseCapacity     = 2000.0
	baseCapacitySpd  = 50.0
	highCapacityVeh  = 3000.0
	lowCapacityVeh   = 1000.0
	bottleneckPctile = 0.9
	// interpolating between tied scores must not lift them over the cut
	centralityEps = 1e-12
	// DefaultBottlenecks is how many bottlenecks are reported by default.
	DefaultBottlenecks = 10
)

// SegmentCapacity is the estimated throughput of one segment.
type SegmentCapacity struct {
	SegmentID       string  `json:"segment_id"`
	SpeedKmph       float64 `json:"speed_kmph"`
	LengthKm        float64 `json:"length_km"`
	VehiclesPerHour float64 `json:"vehicles_per_hour"`
}

// Distribution summarises estimated capacities across the network.
type Distribution struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// CapacityReport lists the segments above and below the capacity bands.
type CapacityReport struct {
	Segments     int               `json:"segments"`
	High         []SegmentCapacity `json:"high_capacity"`
	Low          []SegmentCapacity `json:"low_capacity"`
	Distribution Distribution      `json:"distribution"`
}

// EstimateCapacity is the vehicles per hour a road flowing at speed carries.
func EstimateCapacity(speed float64) float64 {
	return speed / baseCapacitySpd * baseCapacity
}

// Capacity estimates every segment's throughput at its free-flow speed.
func (a *Analyzer) Capacity() CapacityReport {
	segs := a.graph.Segments()
	rep := CapacityReport{Segments: len(segs), High: []SegmentCapacity{}, Low: []SegmentCapacity{}}
	if len(segs) == 0 {
		return rep
	}
	caps := make([]float64, len(segs))
	for i, s := range segs {
		c := SegmentCapacity{
			SegmentID:       s.ID,
			SpeedKmph:       s.FreeFlowSpeed,
			LengthKm:        s.Geometry.LengthKm,
			VehiclesPerHour: EstimateCapacity(s.FreeFlowSpeed),
		}
		caps[i] = c.VehiclesPerHour
		switch {
		case c.VehiclesPerHour > highCapacityVeh:
			rep.High = append(rep.High, c)
		case c.VehiclesPerHour < lowCapacityVeh:
			rep.Low = append(rep.Low, c)
		}
	}
	mean, std := stat.PopMeanStdDev(caps, nil)
	slices.Sort(caps)
	rep.Distribution = Distribution{
		Mean:   mean,
		Median: median(caps),
		StdDev: std,
		Min:    floats.Min(caps),
		Max:    floats.Max(caps),
	}
	return rep
}

// median of sorted x; even lengths average the two middle values.
func median(x []float64) float64 {
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}

// BottleneckKind tells a segment bottleneck from a link bottleneck.
type BottleneckKind string

const (
	BottleneckSegment BottleneckKind = "segment"
	BottleneckLink    BottleneckKind = "link"
)

// Bottleneck is a segment or link that carries an outsized share of the
// network's fastest routes.
type Bottleneck struct {
	Kind        BottleneckKind `json:"kind"`
	ID          string         `json:"id"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	Centrality  float64        `json:"centrality"`
	Degree      int            `json:"degree,omitempty"`
	Description string         `json:"description"`
}

// Bottlenecks ranks segments and links by travel-time betweenness
// centrality and returns up to limit of those above the 90th percentile,
// most central first. Scores are normalised to [0, 1].
func (a *Analyzer) Bottlenecks(ctx context.Context, limit int) ([]Bottleneck, error) {
	if limit <= 0 {
		limit = DefaultBottlenecks
	}
	segs := a.graph.Segments()
	out := []Bottleneck{}
	n := len(segs)
	if n < 3 {
		return out, nil
	}

	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	index := make(map[string]int64, n)
	for i, s := range segs {
		index[s.ID] = int64(i)
		g.AddNode(simple.Node(i))
	}
	degree := make(map[string]int, n)
	for _, s := range segs {
		for _, next := range a.graph.Successors(s.ID) {
			to, ok := index[next]
			if !ok {
				continue
			}
			dst, _ := a.graph.Segment(next)
			// entering next costs its current traversal time
			g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(index[s.ID]), simple.Node(to), a.minutes(dst)))
			degree[s.ID]++
			degree[next]++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths := path.DijkstraAllPaths(g)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodeScale := 1 / float64((n-1)*(n-2))
	nodeScores := network.BetweennessWeighted(g, paths)
	all := make([]float64, n)
	for id, c := range nodeScores {
		all[id] = c * nodeScale
	}
	threshold := percentile(all)
	for i, s := range segs {
		c := all[i]
		if c <= threshold+centralityEps {
			continue
		}
		out = append(out, Bottleneck{
			Kind:        BottleneckSegment,
			ID:          s.ID,
			Centrality:  c,
			Degree:      degree[s.ID],
			Description: fmt.Sprintf("high-traffic junction (centrality %.3f)", c),
		})
	}

	edgeScale := 1 / float64(n*(n-1))
	edgeScores := network.EdgeBetweennessWeighted(g, paths)
	type link struct {
		from, to string
		c        float64
	}
	var links []link
	for _, s := range segs {
		for _, next := range a.graph.Successors(s.ID) {
			to, ok := index[next]
			if !ok {
				continue
			}
			links = append(links, link{s.ID, next, edgeScores[[2]int64{index[s.ID], to}] * edgeScale})
		}
	}
	edgeAll := make([]float64, len(links))
	for i, l := range links {
		edgeAll[i] = l.c
	}
	threshold = percentile(edgeAll)
	for _, l := range links {
		if l.c <= threshold+centralityEps {
			continue
		}
		out = append(out, Bottleneck{
			Kind:        BottleneckLink,
			ID:          l.from + ">" + l.to,
			From:        l.from,
			To:          l.to,
			Centrality:  l.c,
			Description: fmt.Sprintf("critical road link (centrality %.3f)", l.c),
		})
	}

	slices.SortFunc(out, func(x, y Bottleneck) int {
		return cmp.Or(
			cmp.Compare(y.Centrality, x.Centrality),
			cmp.Compare(x.Kind, y.Kind),
			cmp.Compare(x.ID, y.ID),
		)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// percentile is the bottleneck cut-off of x. Empty input never qualifies.
func percentile(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(1)
	}
	sorted := slices.Clone(x)
	slices.Sort(sorted)
	return stat.Quantile(bottleneckPctile, stat.LinInterp, sorted, nil)
}
