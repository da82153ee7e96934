package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voltmesh-labs/voltmesh/core/pkg/audit"
	"github.com/voltmesh-labs/voltmesh/core/pkg/decision"
	"github.com/voltmesh-labs/voltmesh/core/pkg/ingest"
	"github.com/voltmesh-labs/voltmesh/core/pkg/processor"
	"github.com/voltmesh-labs/voltmesh/core/pkg/queue"
)

// server is the HTTP surface over the pipeline components.
type server struct {
	gateway   *ingest.Gateway
	processor *processor.Processor
	decisions *decision.Logger
	audit     *audit.Service
	logger    *slog.Logger
}

func newServer(g *ingest.Gateway, p *processor.Processor, d *decision.Logger, a *audit.Service) *server {
	return &server{
		gateway:   g,
		processor: p,
		decisions: d,
		audit:     a,
		logger:    slog.Default().With("component", "http"),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest/station", s.handleIngest(s.gateway.IngestStationUpdate))
	mux.HandleFunc("POST /ingest/sensor", s.handleIngest(s.gateway.IngestSensorReading))
	mux.HandleFunc("POST /ingest/user", s.handleIngest(s.gateway.IngestUserEvent))
	mux.HandleFunc("POST /ingest/energy", s.handleIngest(s.gateway.IngestEnergyUpdate))
	mux.HandleFunc("POST /ingest/batch", s.handleIngestBatch)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /queue/peek", s.handleQueuePeek)
	mux.HandleFunc("DELETE /queue", s.handleQueueClear)

	mux.HandleFunc("POST /decisions", s.handleDecisionLog)
	mux.HandleFunc("POST /decisions/batch", s.handleDecisionBatch)
	mux.HandleFunc("GET /decisions", s.handleDecisionSearch)
	mux.HandleFunc("GET /decisions/stats", s.handleDecisionStats)
	mux.HandleFunc("GET /decisions/{id}", s.handleDecisionGet)
	mux.HandleFunc("POST /decisions/{id}/explanation", s.handleRegenerate)

	mux.HandleFunc("GET /audit/verify/{id}", s.handleAuditVerify)
	mux.HandleFunc("GET /audit/trail", s.handleAuditTrail)
	mux.HandleFunc("GET /audit/chain", s.handleAuditChain)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, decision.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return v, false
	}
	return v, true
}

type ingestFunc func(ctx context.Context, payload map[string]any) (ingest.Result, error)

func (s *server) handleIngest(fn ingestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, ok := decodeBody[map[string]any](w, r)
		if !ok {
			return
		}
		res, err := fn(r.Context(), payload)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

func (s *server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	items, ok := decodeBody[[]ingest.BatchItem](w, r)
	if !ok {
		return
	}
	res := s.gateway.IngestBatch(r.Context(), items)

	// Errors do not marshal; surface them as strings per item.
	type itemView struct {
		EventID string `json:"eventId,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	views := make([]itemView, 0, len(res.Items))
	for _, item := range res.Items {
		v := itemView{EventID: item.EventID}
		if item.Err != nil {
			v.Error = item.Err.Error()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"successCount": res.SuccessCount,
		"failureCount": res.FailureCount,
		"results":      views,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.gateway.HealthCheck(r.Context())
	stats := s.processor.Stats()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"gateway":   health,
		"processor": stats,
	})
}

func (s *server) handleQueuePeek(w http.ResponseWriter, r *http.Request) {
	n := int64(10)
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
		n = parsed
	}
	envs, err := s.gateway.PeekQueue(r.Context(), n)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": envs, "count": len(envs)})
}

func (s *server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.gateway.ClearQueue(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *server) handleDecisionLog(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeBody[decision.Input](w, r)
	if !ok {
		return
	}
	res, err := s.decisions.Log(r.Context(), in)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *server) handleDecisionBatch(w http.ResponseWriter, r *http.Request) {
	inputs, ok := decodeBody[[]decision.Input](w, r)
	if !ok {
		return
	}
	res := s.decisions.LogBatch(r.Context(), inputs)

	type itemView struct {
		Result *decision.Result `json:"result,omitempty"`
		Error  string           `json:"error,omitempty"`
	}
	views := make([]itemView, 0, len(res.Items))
	for _, item := range res.Items {
		v := itemView{Result: item.Result}
		if item.Err != nil {
			v.Error = item.Err.Error()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"successCount": res.SuccessCount,
		"failureCount": res.FailureCount,
		"results":      views,
	})
}

// searchParams parses the shared decision filter query string.
func searchParams(r *http.Request) (decision.Filter, decision.Page) {
	q := r.URL.Query()
	f := decision.Filter{
		StationID: q.Get("stationId"),
		Actor:     q.Get("agent"),
		Action:    q.Get("action"),
		Priority:  q.Get("priority"),
	}
	if raw := q.Get("hasExplanation"); raw != "" {
		b := raw == "true"
		f.HasExplanation = &b
	}
	if raw := q.Get("start"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Start = t
		}
	}
	if raw := q.Get("end"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.End = t
		}
	}
	var p decision.Page
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		p.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil {
		p.Offset = n
	}
	return f, p
}

func (s *server) handleDecisionSearch(w http.ResponseWriter, r *http.Request) {
	f, p := searchParams(r)
	recs, total, err := s.decisions.Search(r.Context(), f, p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": recs, "total": total})
}

func (s *server) handleDecisionGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.decisions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleDecisionStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	switch r.URL.Query().Get("window") {
	case "1h":
		window = time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	case "30d":
		window = 30 * 24 * time.Hour
	}
	stats, err := s.decisions.Stats(r.Context(), window)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	explanation, err := s.decisions.RegenerateExplanation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"explanation": explanation})
}

func (s *server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.audit.Verify(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	f, p := searchParams(r)
	entries, total, err := s.audit.Trail(r.Context(), f, p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trail": entries, "total": total})
}

func (s *server) handleAuditChain(w http.ResponseWriter, r *http.Request) {
	ok, detail := s.audit.VerifyChain()
	writeJSON(w, http.StatusOK, map[string]any{"valid": ok, "detail": detail})
}
