package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Classification is the classifier's verdict on one feature vector.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier is the external congestion model.
type Classifier interface {
	Classify(ctx context.Context, f Features) (Classification, error)
}

// Heuristic is the built-in classifier used when no model service is
// configured and as the fallback when the model fails. Confidence grows
// with density and with distance from the nearest tier boundary.
type Heuristic struct {
	Thresholds  Thresholds
	HighDensity float64
}

func (h Heuristic) Classify(_ context.Context, f Features) (Classification, error) {
	label := "free_flow"
	if f.DeficitRatio >= h.Thresholds.Moderate {
		label = "congested"
	}
	conf := 0.6
	if h.HighDensity > 0 {
		conf += 0.2 * math.Min(1, f.Density/h.HighDensity)
	}
	conf += 0.15 * math.Min(1, h.Thresholds.margin(f.DeficitRatio)/0.1)
	return Classification{Label: label, Confidence: clamp01(math.Min(conf, 0.95))}, nil
}

// ClassifyMethod is the unary RPC the model service exposes. Request and
// response are google.protobuf.Struct.
const ClassifyMethod = "/traffic.classifier.v1.Classifier/Classify"

// GRPC calls a remote classifier over a shared connection.
type GRPC struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewGRPC creates a remote classifier. timeout bounds each call.
func NewGRPC(conn grpc.ClientConnInterface, timeout time.Duration) *GRPC {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &GRPC{conn: conn, timeout: timeout}
}

func (g *GRPC) Classify(ctx context.Context, f Features) (Classification, error) {
	req, err := structpb.NewStruct(map[string]any{
		"segment_id":       f.SegmentID,
		"deficit_ratio":    f.DeficitRatio,
		"speed_kmph":       f.SpeedKmph,
		"expected_kmph":    f.ExpectedKmph,
		"vehicle_count":    float64(f.VehicleCount),
		"density":          f.Density,
		"time_bucket":      f.TimeBucket,
		"hour":             float64(f.Hour),
		"weekend":          f.Weekend,
		"precipitation_mm": f.PrecipitationMM,
		"visibility_km":    f.VisibilityKm,
		"trend_slope":      f.TrendSlope,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classifier: encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		return Classification{}, fmt.Errorf("classifier: %w", err)
	}
	fields := resp.GetFields()
	conf := fields["confidence"].GetNumberValue()
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return Classification{}, fmt.Errorf("classifier: confidence %v out of range", conf)
	}
	return Classification{Label: fields["label"].GetStringValue(), Confidence: conf}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
