package geometry

import (
	"context"
	"math"
	"testing"

	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/roadgraph"
)

func TestCapacity(t *testing.T) {
	n, err := roadgraph.NewNetwork([]domain.Segment{
		seg("A", 60, 1), seg("B", 80, 1), seg("C", 20, 1), seg("D", 50, 1),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rep := New(n, nil, DefaultOptions(), nil).Capacity()
	if rep.Segments != 4 {
		t.Fatalf("segments = %d", rep.Segments)
	}
	if len(rep.High) != 1 || rep.High[0].SegmentID != "B" || rep.High[0].VehiclesPerHour != 3200 {
		t.Fatalf("unexpected high capacity %+v", rep.High)
	}
	if len(rep.Low) != 1 || rep.Low[0].SegmentID != "C" {
		t.Fatalf("unexpected low capacity %+v", rep.Low)
	}
	d := rep.Distribution
	if d.Mean != 2100 || d.Median != 2200 || d.Min != 800 || d.Max != 3200 {
		t.Fatalf("unexpected distribution %+v", d)
	}
	if math.Abs(d.StdDev-math.Sqrt(750000)) > 1e-9 {
		t.Fatalf("std = %v", d.StdDev)
	}
}

func TestCapacityEmptyNetwork(t *testing.T) {
	n, _ := roadgraph.NewNetwork(nil, nil)
	rep := New(n, nil, DefaultOptions(), nil).Capacity()
	if rep.Segments != 0 || rep.High == nil || rep.Low == nil {
		t.Fatalf("unexpected report %+v", rep)
	}
}

// A and B feed C, which is the only way into D; D fans out to E, F and G.
func bridgeNetwork(t *testing.T) *roadgraph.Network {
	t.Helper()
	n, err := roadgraph.NewNetwork(
		[]domain.Segment{
			seg("A", 60, 1), seg("B", 60, 1), seg("C", 60, 1), seg("D", 60, 1),
			seg("E", 60, 1), seg("F", 60, 1), seg("G", 60, 1),
		},
		[]roadgraph.Link{
			{From: "A", To: "C"}, {From: "B", To: "C"}, {From: "C", To: "D"},
			{From: "D", To: "E"}, {From: "D", To: "F"}, {From: "D", To: "G"},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestBottlenecks(t *testing.T) {
	a := New(bridgeNetwork(t), nil, DefaultOptions(), nil)
	got, err := a.Bottlenecks(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected one segment and one link, got %+v", got)
	}
	// D lies on 9 of 30 ordered pairs; C>D carries 12 of 42
	if got[0].Kind != BottleneckSegment || got[0].ID != "D" || math.Abs(got[0].Centrality-9.0/30) > 1e-9 {
		t.Fatalf("unexpected top bottleneck %+v", got[0])
	}
	if got[0].Degree != 4 {
		t.Errorf("degree of D = %d, want 4", got[0].Degree)
	}
	if got[1].Kind != BottleneckLink || got[1].From != "C" || got[1].To != "D" || math.Abs(got[1].Centrality-12.0/42) > 1e-9 {
		t.Fatalf("unexpected link bottleneck %+v", got[1])
	}

	top, err := a.Bottlenecks(context.Background(), 1)
	if err != nil || len(top) != 1 || top[0].ID != "D" {
		t.Fatalf("limit not applied: %+v %v", top, err)
	}
}

func TestBottlenecksSmallOrCancelled(t *testing.T) {
	n, _ := roadgraph.NewNetwork([]domain.Segment{seg("A", 60, 1), seg("B", 60, 1)}, []roadgraph.Link{{From: "A", To: "B"}})
	got, err := New(n, nil, DefaultOptions(), nil).Bottlenecks(context.Background(), 5)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no bottlenecks, got %+v %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(bridgeNetwork(t), nil, DefaultOptions(), nil).Bottlenecks(ctx, 5); err == nil {
		t.Fatal("expected cancellation")
	}
}
