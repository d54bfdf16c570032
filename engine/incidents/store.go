// Package incidents remembers applied actions together with the root-cause
// distribution they addressed, so operators can look up what worked for
// similar congestion before.
package incidents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/curiousagents/traffic-core/engine/domain"
)

var pointSpace = uuid.MustParse("3b0e8f4a-9c21-4d6e-8a5f-7e1c2d9b6a40")

// Incident is one applied action and the distribution it was chosen for.
type Incident struct {
	Key              domain.CorrelationKey    `json:"key"`
	RecommendationID string                   `json:"recommendation_id"`
	Category         domain.ActionCategory    `json:"category"`
	Dominant         domain.Cause             `json:"dominant"`
	Probabilities    map[domain.Cause]float64 `json:"probabilities"`
	Effectiveness    float64                  `json:"effectiveness"`
	AppliedAt        time.Time                `json:"applied_at"`
}

// Match is a stored incident and its similarity to the query.
type Match struct {
	Incident
	Score float32 `json:"score"`
}

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store is the sole owner of Qdrant operations.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New connects to Qdrant at the given gRPC address.
func New(addr, collection string) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("incidents: dial qdrant %s: %w", addr, err)
	}
	return &Store{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients builds a Store over existing clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *Store {
	return &Store{points: points, collections: collections, collection: collection}
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (s *Store) EnsureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("incidents: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(len(domain.Causes)),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("incidents: create collection %s: %w", s.collection, err)
	}
	return nil
}

// Remember stores inc. Storing the same action again overwrites it.
func (s *Store) Remember(ctx context.Context, inc Incident) error {
	payload := map[string]*pb.Value{
		"segment_id":        str(inc.Key.SegmentID),
		"alert_ts":          {Kind: &pb.Value_IntegerValue{IntegerValue: inc.Key.Timestamp.UnixNano()}},
		"recommendation_id": str(inc.RecommendationID),
		"category":          str(string(inc.Category)),
		"dominant":          str(string(inc.Dominant)),
		"effectiveness":     {Kind: &pb.Value_DoubleValue{DoubleValue: inc.Effectiveness}},
		"applied_at":        {Kind: &pb.Value_IntegerValue{IntegerValue: inc.AppliedAt.UnixNano()}},
	}
	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(inc.Key, inc.RecommendationID)}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: Vector(inc.Probabilities)}},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("incidents: upsert %s: %w", inc.Key, err)
	}
	return nil
}

// Similar returns up to k incidents whose distributions are closest to
// probs. A non-empty category restricts the search to that action.
func (s *Store) Similar(ctx context.Context, probs map[domain.Cause]float64, k int, category domain.ActionCategory) ([]Match, error) {
	if k <= 0 {
		k = 5
	}
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         Vector(probs),
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if category != "" {
		req.Filter = &pb.Filter{Must: []*pb.Condition{fieldMatch("category", string(category))}}
	}
	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("incidents: search: %w", err)
	}

	out := make([]Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		p := r.GetPayload()
		out[i] = Match{
			Score: r.GetScore(),
			Incident: Incident{
				Key:              domain.KeyOf(p["segment_id"].GetStringValue(), time.Unix(0, p["alert_ts"].GetIntegerValue())),
				RecommendationID: p["recommendation_id"].GetStringValue(),
				Category:         domain.ActionCategory(p["category"].GetStringValue()),
				Dominant:         domain.Cause(p["dominant"].GetStringValue()),
				Effectiveness:    p["effectiveness"].GetDoubleValue(),
				AppliedAt:        time.Unix(0, p["applied_at"].GetIntegerValue()).UTC(),
			},
		}
	}
	return out, nil
}

// Vector lays probs out in canonical cause order.
func Vector(probs map[domain.Cause]float64) []float32 {
	v := make([]float32, len(domain.Causes))
	for i, c := range domain.Causes {
		v[i] = float32(probs[c])
	}
	return v
}

// PointID is the deterministic point id of an action.
func PointID(key domain.CorrelationKey, recID string) string {
	return uuid.NewSHA1(pointSpace, []byte(key.String()+"|"+recID)).String()
}

func str(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
