package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/curiousagents/traffic-core/engine/config"
	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/feedback"
	"github.com/curiousagents/traffic-core/engine/geometry"
	"github.com/curiousagents/traffic-core/engine/incidents"
	"github.com/curiousagents/traffic-core/engine/pipeline"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0      = time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	key     = domain.KeyOf("SEG001", t0)
)

type fakeService struct {
	err      error
	waited   bool
	sample   domain.TelemetrySample
	batch    []domain.TelemetrySample
	action   domain.ImplementedAction
	queued   bool
	k        int
	limit    int
	query    pipeline.SimilarQuery
	statuses map[string]pipeline.Status
}

func (f *fakeService) Analyze(_ context.Context, s domain.TelemetrySample) (pipeline.Analysis, error) {
	f.sample = s
	if f.err != nil {
		return pipeline.Analysis{}, f.err
	}
	a := domain.CongestionAlert{Key: s.Key(), Severity: domain.SeverityHigh}
	return pipeline.Analysis{Alert: &a, Published: true}, nil
}

func (f *fakeService) AnalyzeAndWait(ctx context.Context, s domain.TelemetrySample) (pipeline.Analysis, error) {
	f.waited = true
	out, err := f.Analyze(ctx, s)
	if err != nil {
		return out, err
	}
	out.Recommendations = &domain.RecommendationSet{Key: s.Key(), Dominant: domain.CauseEvent}
	return out, nil
}

func (f *fakeService) Ingest(_ context.Context, s []domain.TelemetrySample) (int, error) {
	f.batch = s
	if f.err != nil {
		return 0, f.err
	}
	return len(s), nil
}

func (f *fakeService) SubmitAction(_ context.Context, a domain.ImplementedAction) error {
	f.action = a
	f.queued = true
	return f.err
}

func (f *fakeService) Recommend(_ context.Context, a domain.CongestionAlert, b domain.ContextBundle) (domain.RecommendationSet, error) {
	if f.err != nil {
		return domain.RecommendationSet{}, f.err
	}
	if b.Key != a.Key {
		return domain.RecommendationSet{}, domain.Invalid("test", a.Key, domain.ErrUnknownAlert)
	}
	return domain.RecommendationSet{Key: a.Key, Dominant: domain.CauseWeather}, nil
}

func (f *fakeService) Routes(_ context.Context, id string, k int) ([]domain.RouteCandidate, error) {
	f.k = k
	if f.err != nil {
		return nil, f.err
	}
	return []domain.RouteCandidate{{Origin: "P", Path: []string{"A", "S"}}}, nil
}

func (f *fakeService) NetworkCapacity() geometry.CapacityReport {
	return geometry.CapacityReport{
		Segments: 2,
		High:     []geometry.SegmentCapacity{{SegmentID: "SEG001", SpeedKmph: 90, VehiclesPerHour: 3600}},
		Low:      []geometry.SegmentCapacity{},
	}
}

func (f *fakeService) Bottlenecks(_ context.Context, limit int) ([]geometry.Bottleneck, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []geometry.Bottleneck{{Kind: geometry.BottleneckSegment, ID: "SEG001", Centrality: 0.4}}, nil
}

func (f *fakeService) RecordAction(_ context.Context, a domain.ImplementedAction) (feedback.Outcome, error) {
	f.action = a
	if f.err != nil {
		return feedback.Outcome{}, f.err
	}
	return feedback.Outcome{Action: a, Phase: feedback.PhaseRecorded}, nil
}

func (f *fakeService) Outcome(_ context.Context, k domain.CorrelationKey, recID string) (feedback.Outcome, bool, error) {
	if k != key || recID != "rec-1" {
		return feedback.Outcome{}, false, nil
	}
	return feedback.Outcome{Phase: feedback.PhaseMeasuring}, true, nil
}

func (f *fakeService) SegmentStatus(id string) (pipeline.Status, bool) {
	st, ok := f.statuses[id]
	return st, ok
}

func (f *fakeService) Analytics() feedback.Analytics { return feedback.Analytics{High: 2, TableVersion: 7} }

func (f *fakeService) Similar(_ context.Context, q pipeline.SimilarQuery) ([]incidents.Match, error) {
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	return []incidents.Match{{Score: 0.9}}, nil
}

func serve(t *testing.T, svc service, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	newAPI(svc, discard).register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, bytes.NewBufferString(body)))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest("GET", "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestAnalyze(t *testing.T) {
	svc := &fakeService{}
	body := `{"segment_id":"SEG001","timestamp":"2026-03-11T14:00:00Z","speed_kmph":12,"vehicle_count":40}`
	rec := serve(t, svc, "POST", "/api/analyze", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if svc.waited || svc.sample.SegmentID != "SEG001" || svc.sample.SpeedKmph != 12 {
		t.Fatalf("unexpected call: waited=%v sample=%+v", svc.waited, svc.sample)
	}
	var out pipeline.Analysis
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Published || out.Alert == nil || out.Alert.Key != key {
		t.Fatalf("unexpected analysis %+v", out)
	}
}

func TestAnalyzeAwait(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, "POST", "/api/analyze?await=true", `{"segment_id":"SEG001","timestamp":"2026-03-11T14:00:00Z","speed_kmph":12}`)
	if rec.Code != http.StatusOK || !svc.waited {
		t.Fatalf("expected awaited analysis, got %d waited=%v", rec.Code, svc.waited)
	}
	if !strings.Contains(rec.Body.String(), `"recommendations"`) {
		t.Fatalf("expected recommendations in body: %s", rec.Body)
	}
}

func TestAnalyze_InvalidJSON(t *testing.T) {
	rec := serve(t, &fakeService{}, "POST", "/api/analyze", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Invalid("op", key, domain.ErrDuplicateSample), http.StatusBadRequest},
		{domain.NewValidationError("speed_kmph", "-1", domain.ErrOutOfRange), http.StatusBadRequest},
		{domain.Fail(domain.KindStateInconsistency, "op", key, domain.ErrUnknownAlert), http.StatusConflict},
		{domain.Fail(domain.KindCollaboratorTimeout, "op", key, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{domain.Fail(domain.KindCollaboratorUnavailable, "op", key, errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := serve(t, &fakeService{err: tc.err}, "POST", "/api/analyze", `{"segment_id":"SEG001"}`)
		if rec.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
	rec := serve(t, &fakeService{err: errors.New("secret detail")}, "POST", "/api/analyze", `{}`)
	if strings.Contains(rec.Body.String(), "secret") {
		t.Fatal("internal errors must not leak")
	}
}

func TestRecommendDefaultsContextKey(t *testing.T) {
	body := `{"alert":{"key":{"segment_id":"SEG001","timestamp":"2026-03-11T14:00:00Z"},"severity":"HIGH","confidence":0.8},"context":{"fragments":{}}}`
	rec := serve(t, &fakeService{}, "POST", "/api/recommend", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var set domain.RecommendationSet
	if err := json.NewDecoder(rec.Body).Decode(&set); err != nil {
		t.Fatal(err)
	}
	if set.Key != key {
		t.Fatalf("unexpected key %v", set.Key)
	}
}

func TestRoutes(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, "GET", "/api/segments/SEG001/routes?k=2", "")
	if rec.Code != http.StatusOK || svc.k != 2 {
		t.Fatalf("expected 200 with k=2, got %d k=%d", rec.Code, svc.k)
	}
	serve(t, svc, "GET", "/api/segments/SEG001/routes", "")
	if svc.k != 3 {
		t.Fatalf("expected default k=3, got %d", svc.k)
	}
	if rec = serve(t, svc, "GET", "/api/segments/SEG001/routes?k=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad k, got %d", rec.Code)
	}
	unknown := domain.Invalid("op", domain.CorrelationKey{}, domain.NewValidationError("segment_id", "X", domain.ErrUnknownSegment))
	if rec = serve(t, &fakeService{err: unknown}, "GET", "/api/segments/X/routes", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown segment, got %d", rec.Code)
	}
}

func TestNetworkCapacity(t *testing.T) {
	rec := serve(t, &fakeService{}, "GET", "/api/network/capacity", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rep geometry.CapacityReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Segments != 2 || len(rep.High) != 1 || rep.High[0].VehiclesPerHour != 3600 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestBottlenecks(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, "GET", "/api/network/bottlenecks", "")
	if rec.Code != http.StatusOK || svc.limit != geometry.DefaultBottlenecks {
		t.Fatalf("expected 200 with the default limit, got %d limit=%d", rec.Code, svc.limit)
	}
	var body struct {
		Bottlenecks []geometry.Bottleneck `json:"bottlenecks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Bottlenecks) != 1 || body.Bottlenecks[0].ID != "SEG001" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	serve(t, svc, "GET", "/api/network/bottlenecks?limit=4", "")
	if svc.limit != 4 {
		t.Fatalf("expected limit=4, got %d", svc.limit)
	}
	if rec = serve(t, svc, "GET", "/api/network/bottlenecks?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec = serve(t, &fakeService{err: errors.New("boom")}, "GET", "/api/network/bottlenecks", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSegmentStatus(t *testing.T) {
	svc := &fakeService{statuses: map[string]pipeline.Status{
		"SEG001": {Alert: domain.CongestionAlert{Key: key, Severity: domain.SeverityHigh}},
	}}
	if rec := serve(t, svc, "GET", "/api/segments/SEG001", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := serve(t, svc, "GET", "/api/segments/SEG404", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRecordActionStampsTime(t *testing.T) {
	svc := &fakeService{}
	body := `{"key":{"segment_id":"SEG001","timestamp":"2026-03-11T14:00:00Z"},"recommendation_id":"rec-1","speed_before_kmph":15}`
	rec := serve(t, svc, "POST", "/api/actions", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if svc.action.ImplementedAt.IsZero() || svc.action.RecommendationID != "rec-1" {
		t.Fatalf("unexpected action %+v", svc.action)
	}

	conflict := &fakeService{err: domain.Fail(domain.KindStateInconsistency, "op", key, domain.ErrUnknownAlert)}
	if rec := serve(t, conflict, "POST", "/api/actions", body); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unknown alert, got %d", rec.Code)
	}
}

func TestSubmitActionAsync(t *testing.T) {
	svc := &fakeService{}
	body := `{"key":{"segment_id":"SEG001","timestamp":"2026-03-11T14:00:00Z"},"recommendation_id":"rec-1"}`
	rec := serve(t, svc, "POST", "/api/actions?async=true", body)
	if rec.Code != http.StatusAccepted || !svc.queued {
		t.Fatalf("expected queued action, got %d queued=%v", rec.Code, svc.queued)
	}
	if !strings.Contains(rec.Body.String(), `"queued":true`) {
		t.Fatalf("unexpected body %s", rec.Body)
	}
}

func TestTelemetryBatch(t *testing.T) {
	svc := &fakeService{}
	body := `[{"segment_id":"SEG001","timestamp":"2026-03-11T14:00:00Z","speed_kmph":12},{"segment_id":"SEG002","timestamp":"2026-03-11T14:00:00Z","speed_kmph":30}]`
	rec := serve(t, svc, "POST", "/api/telemetry", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if len(svc.batch) != 2 || svc.batch[1].SegmentID != "SEG002" {
		t.Fatalf("unexpected batch %+v", svc.batch)
	}
	if !strings.Contains(rec.Body.String(), `"published":2`) {
		t.Fatalf("unexpected body %s", rec.Body)
	}

	bad := &fakeService{err: domain.Invalid("pipeline.ingest", domain.CorrelationKey{}, errors.New("missing key"))}
	if rec := serve(t, bad, "POST", "/api/telemetry", `[{}]`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOutcome(t *testing.T) {
	svc := &fakeService{}
	target := "/api/actions/outcome?key=" + key.String() + "&recommendation_id=rec-1"
	if rec := serve(t, svc, "GET", target, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := serve(t, svc, "GET", "/api/actions/outcome?key="+key.String()+"&recommendation_id=nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(t, svc, "GET", "/api/actions/outcome?key=garbage", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEffectiveness(t *testing.T) {
	rec := serve(t, &fakeService{}, "GET", "/api/effectiveness", "")
	var a feedback.Analytics
	if err := json.NewDecoder(rec.Body).Decode(&a); err != nil {
		t.Fatal(err)
	}
	if a.High != 2 || a.TableVersion != 7 {
		t.Fatalf("unexpected analytics %+v", a)
	}
}

func TestSimilar(t *testing.T) {
	svc := &fakeService{}
	rec := serve(t, svc, "POST", "/api/incidents/similar", `{"probabilities":{"event":0.7,"weather":0.3},"category":"traffic_officers","k":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.query.K != 4 || svc.query.Category != domain.ActionTrafficOfficers || svc.query.Probabilities[domain.CauseEvent] != 0.7 {
		t.Fatalf("unexpected query %+v", svc.query)
	}
	down := &fakeService{err: domain.Fail(domain.KindCollaboratorUnavailable, "op", domain.CorrelationKey{}, pipeline.ErrNoMemory)}
	if rec := serve(t, down, "POST", "/api/incidents/similar", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without memory, got %d", rec.Code)
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(domain.Fail(domain.KindConfiguration, "op", domain.CorrelationKey{}, errors.New("x"))) != 2 {
		t.Fatal("configuration errors exit 2")
	}
	if exitCode(errors.New("x")) != 1 {
		t.Fatal("other errors exit 1")
	}
}

func TestCheck(t *testing.T) {
	cfg := config.Default()
	if err := check(io.Discard, cfg); !domain.IsKind(err, domain.KindConfiguration) {
		t.Fatalf("expected configuration error without a network, got %v", err)
	}
	cfg.Neo4j.URL = "neo4j://graph:7687"
	cfg.Postgres.DSN = "postgres://traffic:hunter2@db:5432/traffic"
	var out bytes.Buffer
	if err := check(&out, cfg); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "hunter2") {
		t.Fatal("password printed")
	}
	if !strings.Contains(out.String(), "in-process") {
		t.Fatalf("expected in-process bus, got:\n%s", out.String())
	}
}

func TestRedact(t *testing.T) {
	if got := redact("postgres://u:p@h/db"); got != "postgres://u:***@h/db" {
		t.Fatalf("got %s", got)
	}
	if got := redact("host=db user=u"); got != "host=db user=u" {
		t.Fatalf("got %s", got)
	}
}
