package roadgraph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/pkg/repo"
)

// Store persists the network in Neo4j as (:Segment)-[:CONNECTS_TO]->(:Segment).
type Store struct {
	open     repo.SessionFunc
	segments repo.Repository[domain.Segment, string]
}

// NewStore creates a Store over open.
func NewStore(open repo.SessionFunc) *Store {
	return &Store{
		open:     open,
		segments: repo.NewNeo4jRepo[domain.Segment, string](open, "Segment", segmentToMap, segmentFromRecord),
	}
}

// GetSegment returns one segment. A missing id wraps repo.ErrNotFound.
func (s *Store) GetSegment(ctx context.Context, id string) (domain.Segment, error) {
	return s.segments.Get(ctx, id)
}

// PutSegment validates seg and creates or replaces its reference data.
// Links are left untouched.
func (s *Store) PutSegment(ctx context.Context, seg domain.Segment) error {
	if err := domain.ValidateSegment(seg); err != nil {
		return fmt.Errorf("roadgraph: segment %q: %w", seg.ID, err)
	}
	if err := s.segments.Upsert(ctx, seg); err != nil {
		return fmt.Errorf("roadgraph: put segment %q: %w", seg.ID, err)
	}
	return nil
}

// DeleteSegment removes a segment together with its links.
func (s *Store) DeleteSegment(ctx context.Context, id string) error {
	if _, err := s.segments.Get(ctx, id); err != nil {
		return err
	}
	if err := s.segments.Delete(ctx, id); err != nil {
		return fmt.Errorf("roadgraph: delete segment %q: %w", id, err)
	}
	return nil
}

// LoadNetwork reads every segment and link and validates the result.
func (s *Store) LoadNetwork(ctx context.Context) (*Network, error) {
	var segs []domain.Segment
	const page = 1000
	for offset := 0; ; offset += page {
		batch, err := s.segments.List(ctx, repo.ListOpts{Offset: offset, Limit: page})
		if err != nil {
			return nil, fmt.Errorf("roadgraph: list segments: %w", err)
		}
		segs = append(segs, batch...)
		if len(batch) < page {
			break
		}
	}
	links, err := repo.Query(ctx, s.open,
		`MATCH (a:Segment)-[:CONNECTS_TO]->(b:Segment) RETURN a.id AS from, b.id AS to`,
		nil, linkFromRecord)
	if err != nil {
		return nil, fmt.Errorf("roadgraph: list links: %w", err)
	}
	return NewNetwork(segs, links)
}

// SaveBatch merges every segment and link of n.
func (s *Store) SaveBatch(ctx context.Context, n *Network) error {
	segs := n.Segments()
	rows := make([]map[string]any, len(segs))
	for i, seg := range segs {
		rows[i] = segmentToMap(seg)
	}
	links := make([]map[string]any, len(n.Links()))
	for i, l := range n.Links() {
		links[i] = map[string]any{"from": l.From, "to": l.To}
	}

	sess := s.open(ctx)
	defer sess.Close(ctx)

	if _, err := sess.Run(ctx,
		`UNWIND $rows AS row MERGE (n:Segment {id: row.id}) SET n += row`,
		map[string]any{"rows": rows}); err != nil {
		return fmt.Errorf("roadgraph: save segments: %w", err)
	}
	if _, err := sess.Run(ctx,
		`UNWIND $links AS l
		 MATCH (a:Segment {id: l.from}), (b:Segment {id: l.to})
		 MERGE (a)-[:CONNECTS_TO]->(b)`,
		map[string]any{"links": links}); err != nil {
		return fmt.Errorf("roadgraph: save links: %w", err)
	}
	return nil
}

func segmentToMap(s domain.Segment) map[string]any {
	return map[string]any{
		"id":                   s.ID,
		"name":                 s.Name,
		"free_flow_speed_kmph": s.FreeFlowSpeed,
		"lanes":                int64(s.Lanes),
		"lat":                  s.Geometry.Latitude,
		"lon":                  s.Geometry.Longitude,
		"length_km":            s.Geometry.LengthKm,
		"polyline":             s.Geometry.Polyline,
	}
}

func segmentFromRecord(rec *neo4j.Record) (domain.Segment, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Segment{}, err
	}
	p := node.Props
	return domain.Segment{
		ID:            strProp(p, "id"),
		Name:          strProp(p, "name"),
		FreeFlowSpeed: floatProp(p, "free_flow_speed_kmph"),
		Lanes:         int(floatProp(p, "lanes")),
		Geometry: domain.GeometryRef{
			Latitude:  floatProp(p, "lat"),
			Longitude: floatProp(p, "lon"),
			LengthKm:  floatProp(p, "length_km"),
			Polyline:  strProp(p, "polyline"),
		},
	}, nil
}

func linkFromRecord(rec *neo4j.Record) (Link, error) {
	from, _, err := neo4j.GetRecordValue[string](rec, "from")
	if err != nil {
		return Link{}, err
	}
	to, _, err := neo4j.GetRecordValue[string](rec, "to")
	if err != nil {
		return Link{}, err
	}
	return Link{From: from, To: to}, nil
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

// floatProp reads a numeric property; Neo4j returns integers as int64.
func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
