package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltmesh-labs/voltmesh/core/pkg/audit"
	"github.com/voltmesh-labs/voltmesh/core/pkg/decision"
	"github.com/voltmesh-labs/voltmesh/core/pkg/history"
	"github.com/voltmesh-labs/voltmesh/core/pkg/ingest"
	"github.com/voltmesh-labs/voltmesh/core/pkg/livestate"
	"github.com/voltmesh-labs/voltmesh/core/pkg/processor"
	"github.com/voltmesh-labs/voltmesh/core/pkg/queue"
)

func newTestServer(t *testing.T) (*server, *processor.Processor) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := history.NewSQLiteStore(db)
	require.NoError(t, err)

	q := queue.NewMemoryQueue()
	cache := livestate.NewMemoryCache(time.Minute)

	decisionStore := decision.NewMemoryStore()
	auditSvc := audit.NewService(decisionStore, audit.NewChainLedger())
	decisionLogger, err := decision.NewLogger(ctx, decisionStore, decision.WithAuditor(auditSvc))
	require.NoError(t, err)

	gateway := ingest.NewGateway(q)
	proc := processor.New(q, store, cache)

	return newServer(gateway, proc, decisionLogger, auditSvc), proc
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded),
			"response body is not JSON: %s", w.Body.String())
	}
	return w, decoded
}

func TestServer_IngestAndHealth(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.routes()

	w, body := doJSON(t, mux, http.MethodPost, "/ingest/station",
		`{"stationId":"ST001","queueLength":4}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.NotEmpty(t, body["eventId"])

	w, body = doJSON(t, mux, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	gatewayInfo := body["gateway"].(map[string]any)
	assert.Equal(t, true, gatewayInfo["healthy"])
	assert.Equal(t, float64(1), gatewayInfo["queueLength"])

	w, body = doJSON(t, mux, http.MethodGet, "/queue/peek?n=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	w, body = doJSON(t, mux, http.MethodDelete, "/queue", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["removed"])
}

func TestServer_IngestBadJSON(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := doJSON(t, s.routes(), http.MethodPost, "/ingest/sensor", `{broken`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_IngestBatch(t *testing.T) {
	s, _ := newTestServer(t)
	w, body := doJSON(t, s.routes(), http.MethodPost, "/ingest/batch",
		`[{"source":"station","payload":{"stationId":"ST001"}},
		  {"source":"user","payload":{"userId":"U1"}}]`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(1), body["successCount"])
	assert.Equal(t, float64(1), body["failureCount"])
}

func TestServer_DecisionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.routes()

	w, body := doJSON(t, mux, http.MethodPost, "/decisions",
		`{"stationId":"ST001","agent":"EnergyAgent","action":"reduce_charging_rate"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["decisionId"].(string)
	assert.Equal(t, "DEC_000001", id)
	assert.NotEmpty(t, body["auditDigest"])

	w, body = doJSON(t, mux, http.MethodGet, "/decisions/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EnergyAgent", body["agent"])

	w, body = doJSON(t, mux, http.MethodGet, "/decisions?agent=EnergyAgent", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	// Action filter matches a case-insensitive substring.
	w, body = doJSON(t, mux, http.MethodGet, "/decisions?action=CHARGING", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
	w, body = doJSON(t, mux, http.MethodGet, "/decisions?action=refuel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["total"])

	w, body = doJSON(t, mux, http.MethodGet, "/decisions/stats?window=1h", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["totalDecisions"])

	w, body = doJSON(t, mux, http.MethodPost, "/decisions/"+id+"/explanation", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["explanation"])

	// Invalid input surfaces as 400, unknown IDs as 404.
	w, _ = doJSON(t, mux, http.MethodPost, "/decisions",
		`{"stationId":"ST001","agent":"RogueAgent","action":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doJSON(t, mux, http.MethodGet, "/decisions/DEC_999999", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_AuditEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.routes()

	_, body := doJSON(t, mux, http.MethodPost, "/decisions",
		`{"stationId":"ST001","agent":"AuditorAgent","action":"run_compliance_scan"}`)
	id := body["decisionId"].(string)

	w, body := doJSON(t, mux, http.MethodGet, "/audit/verify/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["databaseIntegrity"])
	assert.Equal(t, "verified", body["ledgerIntegrity"])
	assert.Equal(t, true, body["overallIntegrity"])

	w, body = doJSON(t, mux, http.MethodGet, "/audit/trail", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, body = doJSON(t, mux, http.MethodGet, "/audit/trail?action=compliance", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, body = doJSON(t, mux, http.MethodGet, "/audit/chain", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])
}

func TestServer_EndToEndPipeline(t *testing.T) {
	s, proc := newTestServer(t)
	mux := s.routes()
	ctx := context.Background()

	proc.Start(ctx)
	defer proc.Stop()

	w, _ := doJSON(t, mux, http.MethodPost, "/ingest/sensor",
		`{"stationId":"ST001","temperature":92,"voltage":220}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return proc.Stats().ProcessedCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, body := doJSON(t, mux, http.MethodGet, "/health", "")
	stats := body["processor"].(map[string]any)
	assert.Equal(t, true, stats["isRunning"])
	assert.Equal(t, float64(1), stats["processedCount"])
}
