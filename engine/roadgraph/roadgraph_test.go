package roadgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/pkg/repo"
)

const sample = `
segments:
  - id: B
    free_flow_speed_kmph: 60
    lanes: 2
    geometry: {lat: 47.61, lon: -122.33, length_km: 1.5}
  - id: A
    free_flow_speed_kmph: 50
    geometry: {length_km: 1}
  - id: C
    free_flow_speed_kmph: 80
    geometry: {length_km: 2}
links:
  - {from: A, to: B}
  - {from: A, to: C}
  - {from: C, to: B}
  - {from: A, to: B}
`

func TestParse(t *testing.T) {
	n, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if n.Len() != 3 {
		t.Fatalf("expected 3 segments, got %d", n.Len())
	}
	if got := n.Successors("A"); len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("unexpected successors %v", got)
	}
	if got := n.Predecessors("B"); len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("unexpected predecessors %v", got)
	}
	if len(n.Links()) != 3 {
		t.Fatalf("duplicate link should collapse, got %v", n.Links())
	}
	seg, ok := n.Segment("B")
	if !ok || seg.Lanes != 2 || seg.Geometry.LengthKm != 1.5 {
		t.Fatalf("segment not decoded: %+v", seg)
	}
	if ids := n.Segments(); ids[0].ID != "A" || ids[2].ID != "C" {
		t.Fatalf("segments not sorted: %+v", ids)
	}
}

func TestNewNetwork_Rejects(t *testing.T) {
	a := domain.Segment{ID: "A", FreeFlowSpeed: 50}
	cases := map[string]struct {
		segs  []domain.Segment
		links []Link
	}{
		"bad speed":    {[]domain.Segment{{ID: "A"}}, nil},
		"duplicate":    {[]domain.Segment{a, a}, nil},
		"self loop":    {[]domain.Segment{a}, []Link{{From: "A", To: "A"}}},
		"unknown link": {[]domain.Segment{a}, []Link{{From: "A", To: "Z"}}},
	}
	for name, tc := range cases {
		if _, err := NewNetwork(tc.segs, tc.links); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	_, err := NewNetwork([]domain.Segment{a}, []Link{{From: "A", To: "Z"}})
	if !errors.Is(err, domain.ErrUnknownSegment) {
		t.Fatalf("expected ErrUnknownSegment, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func segmentNode(id string, speed float64, lanes int64) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"n"}, Values: []any{dbtype.Node{Props: map[string]any{
		"id": id, "free_flow_speed_kmph": speed, "lanes": lanes, "length_km": 1.0,
	}}}}
}

func TestStore_LoadNetwork(t *testing.T) {
	r := &repo.FakeRunner{Respond: func(cypher string, _ map[string]any) ([]*neo4j.Record, error) {
		if strings.Contains(cypher, "CONNECTS_TO") {
			return []*neo4j.Record{{Keys: []string{"from", "to"}, Values: []any{"A", "B"}}}, nil
		}
		return []*neo4j.Record{segmentNode("A", 50, 2), segmentNode("B", 60, 3)}, nil
	}}
	n, err := NewStore(r.Open()).LoadNetwork(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n.Len() != 2 || len(n.Successors("A")) != 1 {
		t.Fatalf("unexpected network: %d segments, successors %v", n.Len(), n.Successors("A"))
	}
	if s, _ := n.Segment("B"); s.Lanes != 3 || s.FreeFlowSpeed != 60 {
		t.Fatalf("int64 props not decoded: %+v", s)
	}
}

func TestStore_SaveBatch(t *testing.T) {
	n, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	r := &repo.FakeRunner{}
	if err := NewStore(r.Open()).SaveBatch(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	if len(r.Cyphers) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(r.Cyphers))
	}
	rows := r.Params[0]["rows"].([]map[string]any)
	if len(rows) != 3 || rows[0]["id"] != "A" {
		t.Fatalf("unexpected segment rows %v", rows)
	}
	links := r.Params[1]["links"].([]map[string]any)
	if len(links) != 3 {
		t.Fatalf("unexpected link rows %v", links)
	}
}

func TestStore_SaveError(t *testing.T) {
	n, _ := Parse([]byte(sample))
	r := &repo.FakeRunner{Respond: func(string, map[string]any) ([]*neo4j.Record, error) {
		return nil, errors.New("down")
	}}
	if err := NewStore(r.Open()).SaveBatch(context.Background(), n); err == nil {
		t.Fatal("expected error")
	}
}

func TestStore_PutSegment(t *testing.T) {
	r := &repo.FakeRunner{}
	s := NewStore(r.Open())
	seg := domain.Segment{ID: "D", FreeFlowSpeed: 70, Lanes: 3, Geometry: domain.GeometryRef{LengthKm: 0.8}}
	if err := s.PutSegment(context.Background(), seg); err != nil {
		t.Fatal(err)
	}
	if len(r.Cyphers) != 1 || !strings.HasPrefix(r.Cyphers[0], "MERGE (n:Segment {id: $id})") {
		t.Fatalf("unexpected statements %v", r.Cyphers)
	}
	props := r.Params[0]["props"].(map[string]any)
	if props["lanes"] != int64(3) || props["free_flow_speed_kmph"] != 70.0 {
		t.Fatalf("unexpected props %v", props)
	}

	seg.FreeFlowSpeed = 0
	err := s.PutSegment(context.Background(), seg)
	if !errors.Is(err, domain.ErrBadFreeFlow) {
		t.Fatalf("expected free-flow validation error, got %v", err)
	}
	if len(r.Cyphers) != 1 {
		t.Fatal("an invalid segment must not reach the store")
	}
}

func TestStore_GetAndDeleteSegment(t *testing.T) {
	r := &repo.FakeRunner{Respond: func(cypher string, params map[string]any) ([]*neo4j.Record, error) {
		if strings.HasPrefix(cypher, "MATCH (n:Segment {id: $id}) RETURN n") && params["id"] == "A" {
			return []*neo4j.Record{segmentNode("A", 50, 2)}, nil
		}
		return nil, nil
	}}
	s := NewStore(r.Open())
	ctx := context.Background()

	seg, err := s.GetSegment(ctx, "A")
	if err != nil || seg.FreeFlowSpeed != 50 || seg.Lanes != 2 {
		t.Fatalf("get: %+v %v", seg, err)
	}
	if err := s.DeleteSegment(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if last := r.Cyphers[len(r.Cyphers)-1]; !strings.Contains(last, "DETACH DELETE") {
		t.Fatalf("expected a detach delete, got %s", last)
	}

	n := len(r.Cyphers)
	if err := s.DeleteSegment(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(r.Cyphers) != n+1 {
		t.Fatal("a missing segment must not be deleted")
	}
}
