package geometry

import (
	"context"
	"testing"
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/roadgraph"
)

func seg(id string, speed, km float64) domain.Segment {
	return domain.Segment{ID: id, FreeFlowSpeed: speed, Geometry: domain.GeometryRef{LengthKm: km}}
}

// P -> X -> S is the congested route. P -> A -> S and P -> B -> C -> S
// are detours; P -> D -> E -> F -> S is four segments long.
func testNetwork(t *testing.T) *roadgraph.Network {
	t.Helper()
	n, err := roadgraph.NewNetwork(
		[]domain.Segment{
			seg("P", 60, 1), seg("X", 60, 1), seg("S", 60, 1),
			seg("A", 60, 2), seg("B", 60, 1), seg("C", 60, 1),
			seg("D", 60, 0.1), seg("E", 60, 0.1), seg("F", 60, 0.1),
		},
		[]roadgraph.Link{
			{From: "P", To: "X"}, {From: "X", To: "S"},
			{From: "P", To: "A"}, {From: "A", To: "S"},
			{From: "P", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "S"},
			{From: "P", To: "D"}, {From: "D", To: "E"}, {From: "E", To: "F"}, {From: "F", To: "S"},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestFindAlternateRoutes_Congested(t *testing.T) {
	speeds := NewSpeeds(0)
	speeds.Observe("X", 6, time.Now()) // 1 km at 6 km/h = 10 min
	a := New(testNetwork(t), speeds, DefaultOptions(), nil)

	routes, err := a.FindAlternateRoutes(context.Background(), "X", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes within 3 hops, got %+v", routes)
	}
	// baseline 10 + 1; via A: 2 + 1; via B,C: 1 + 1 + 1. Equal times, shorter path first.
	if routes[0].Path[0] != "A" || routes[1].Path[0] != "B" {
		t.Fatalf("expected A route first, got %+v", routes)
	}
	for i, r := range routes {
		if r.Origin != "P" || r.Path[len(r.Path)-1] != "S" {
			t.Errorf("route %d malformed: %+v", i, r)
		}
		if r.EstimatedImprovement <= 0 {
			t.Errorf("route %d not an improvement: %+v", i, r)
		}
		for _, id := range r.Path {
			if id == "X" {
				t.Errorf("route %d passes the congested segment", i)
			}
		}
	}
	if routes[0].EstimatedImprovement < routes[1].EstimatedImprovement {
		t.Fatal("routes not sorted by improvement")
	}
}

func TestFindAlternateRoutes_FreeFlowHasNoImprovement(t *testing.T) {
	a := New(testNetwork(t), nil, DefaultOptions(), nil)
	routes, err := a.FindAlternateRoutes(context.Background(), "X", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 0 {
		t.Fatalf("detours are slower than a free-flowing segment, got %+v", routes)
	}
}

func TestFindAlternateRoutes_LimitK(t *testing.T) {
	speeds := NewSpeeds(0)
	speeds.Observe("X", 2, time.Now())
	opts := DefaultOptions()
	opts.MaxHops = 4
	routes, _ := New(testNetwork(t), speeds, opts, nil).FindAlternateRoutes(context.Background(), "X", 1)
	if len(routes) != 1 || routes[0].Path[0] != "D" {
		t.Fatalf("expected only the short D detour, got %+v", routes)
	}
}

func TestFindAlternateRoutes_NoAlternates(t *testing.T) {
	n, _ := roadgraph.NewNetwork([]domain.Segment{seg("A", 50, 1), seg("B", 50, 1)}, []roadgraph.Link{{From: "A", To: "B"}})
	routes, err := New(n, nil, DefaultOptions(), nil).FindAlternateRoutes(context.Background(), "B", 3)
	if err != nil || routes == nil || len(routes) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v %v", routes, err)
	}
}

func TestFindAlternateRoutes_UnknownSegment(t *testing.T) {
	_, err := New(testNetwork(t), nil, DefaultOptions(), nil).FindAlternateRoutes(context.Background(), "nope", 3)
	if !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFindAlternateRoutes_BudgetExhausted(t *testing.T) {
	speeds := NewSpeeds(0)
	speeds.Observe("X", 2, time.Now())
	a := New(testNetwork(t), speeds, DefaultOptions(), nil)
	start := time.Now()
	calls := 0
	a.now = func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(time.Hour)
	}
	routes, err := a.FindAlternateRoutes(context.Background(), "X", 3)
	if err != nil {
		t.Fatalf("budget exhaustion is not an error, got %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("expected nothing explored, got %+v", routes)
	}
}

func TestSpeeds_KeepsNewest(t *testing.T) {
	s := NewSpeeds(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	s.Observe("A", 40, now.Add(-10*time.Second))
	s.Observe("A", 90, now.Add(-20*time.Second))
	if v, ok := s.Speed("A"); !ok || v != 40 {
		t.Fatalf("expected newest 40, got %v %v", v, ok)
	}
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, ok := s.Speed("A"); ok {
		t.Fatal("expected stale observation to be ignored")
	}
}
