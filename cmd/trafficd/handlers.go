package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/curiousagents/traffic-core/engine/domain"
	"github.com/curiousagents/traffic-core/engine/feedback"
	"github.com/curiousagents/traffic-core/engine/geometry"
	"github.com/curiousagents/traffic-core/engine/incidents"
	"github.com/curiousagents/traffic-core/engine/pipeline"
)

// service is the part of the pipeline the operator API drives.
type service interface {
	Analyze(ctx context.Context, s domain.TelemetrySample) (pipeline.Analysis, error)
	AnalyzeAndWait(ctx context.Context, s domain.TelemetrySample) (pipeline.Analysis, error)
	Ingest(ctx context.Context, samples []domain.TelemetrySample) (int, error)
	Recommend(ctx context.Context, alert domain.CongestionAlert, bundle domain.ContextBundle) (domain.RecommendationSet, error)
	Routes(ctx context.Context, segmentID string, k int) ([]domain.RouteCandidate, error)
	NetworkCapacity() geometry.CapacityReport
	Bottlenecks(ctx context.Context, limit int) ([]geometry.Bottleneck, error)
	RecordAction(ctx context.Context, a domain.ImplementedAction) (feedback.Outcome, error)
	SubmitAction(ctx context.Context, a domain.ImplementedAction) error
	Outcome(ctx context.Context, key domain.CorrelationKey, recID string) (feedback.Outcome, bool, error)
	SegmentStatus(segmentID string) (pipeline.Status, bool)
	Analytics() feedback.Analytics
	Similar(ctx context.Context, q pipeline.SimilarQuery) ([]incidents.Match, error)
}

type api struct {
	svc    service
	logger *slog.Logger
}

func newAPI(svc service, logger *slog.Logger) *api {
	return &api{svc: svc, logger: logger}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/analyze", a.handleAnalyze)
	mux.HandleFunc("POST /api/telemetry", a.handleTelemetry)
	mux.HandleFunc("POST /api/recommend", a.handleRecommend)
	mux.HandleFunc("GET /api/segments/{id}", a.handleSegment)
	mux.HandleFunc("GET /api/segments/{id}/routes", a.handleRoutes)
	mux.HandleFunc("GET /api/network/capacity", a.handleCapacity)
	mux.HandleFunc("GET /api/network/bottlenecks", a.handleBottlenecks)
	mux.HandleFunc("POST /api/actions", a.handleAction)
	mux.HandleFunc("GET /api/actions/outcome", a.handleOutcome)
	mux.HandleFunc("GET /api/effectiveness", a.handleEffectiveness)
	mux.HandleFunc("POST /api/incidents/similar", a.handleSimilar)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var s domain.TelemetrySample
	if !decode(w, r, &s) {
		return
	}
	analyze := a.svc.Analyze
	if r.URL.Query().Get("await") == "true" {
		analyze = a.svc.AnalyzeAndWait
	}
	out, err := analyze(r.Context(), s)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTelemetry queues a batch of samples for the detect stage.
func (a *api) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var samples []domain.TelemetrySample
	if !decode(w, r, &samples) {
		return
	}
	n, err := a.svc.Ingest(r.Context(), samples)
	if err != nil {
		a.logger.Warn("telemetry batch cut short", "published", n, "total", len(samples))
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"published": n})
}

// RecommendRequest is the JSON body for POST /api/recommend.
type RecommendRequest struct {
	Alert   domain.CongestionAlert `json:"alert"`
	Context domain.ContextBundle   `json:"context"`
}

func (a *api) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req RecommendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Context.Key.IsZero() {
		req.Context.Key = req.Alert.Key
	}
	set, err := a.svc.Recommend(r.Context(), req.Alert, req.Context)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (a *api) handleSegment(w http.ResponseWriter, r *http.Request) {
	st, ok := a.svc.SegmentStatus(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no alert for segment")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) handleRoutes(w http.ResponseWriter, r *http.Request) {
	k, err := intParam(r, "k", 3)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	routes, err := a.svc.Routes(r.Context(), r.PathValue("id"), k)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"segment_id": r.PathValue("id"), "routes": routes})
}

func (a *api) handleCapacity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.NetworkCapacity())
}

func (a *api) handleBottlenecks(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", geometry.DefaultBottlenecks)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	found, err := a.svc.Bottlenecks(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bottlenecks": found})
}

func (a *api) handleAction(w http.ResponseWriter, r *http.Request) {
	var act domain.ImplementedAction
	if !decode(w, r, &act) {
		return
	}
	if act.ImplementedAt.IsZero() {
		act.ImplementedAt = time.Now().UTC()
	}
	if r.URL.Query().Get("async") == "true" {
		if err := a.svc.SubmitAction(r.Context(), act); err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
		return
	}
	out, err := a.svc.RecordAction(r.Context(), act)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

// handleOutcome takes ?key=<segment>@<unix millis>&recommendation_id=.
func (a *api) handleOutcome(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := domain.ParseCorrelationKey(q.Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, ok, err := a.svc.Outcome(r.Context(), key, q.Get("recommendation_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no recorded action")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleEffectiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Analytics())
}

func (a *api) handleSimilar(w http.ResponseWriter, r *http.Request) {
	var q pipeline.SimilarQuery
	if !decode(w, r, &q) {
		return
	}
	matches, err := a.svc.Similar(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// statusOf maps the failure taxonomy onto HTTP.
func statusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindStateInconsistency:
		return http.StatusConflict
	case domain.KindCollaboratorTimeout:
		return http.StatusGatewayTimeout
	case domain.KindCollaboratorUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed", "path", r.URL.Path, "kind", domain.KindOf(err).String(), "err", err)
	} else {
		a.logger.Warn("request rejected", "path", r.URL.Path, "kind", domain.KindOf(err).String(), "err", err)
	}
	if code == http.StatusInternalServerError {
		writeError(w, code, "internal server error")
		return
	}
	writeError(w, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
