package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/concurrency"
	"github.com/vulcanhelix/reasonarena/internal/debate"
	"github.com/vulcanhelix/reasonarena/internal/models"
	"github.com/vulcanhelix/reasonarena/internal/sse"
	"github.com/vulcanhelix/reasonarena/internal/tracestore"
)

type fakeBackend struct {
	models  []models.ModelInfo
	listErr error
	healthy bool
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]models.ModelInfo, error) { return f.models, f.listErr }
func (f *fakeBackend) HealthCheck(ctx context.Context) error {
	if !f.healthy {
		return apperr.New(apperr.Backend, "backend_unreachable")
	}
	return nil
}

type fakeTraces struct {
	byID       map[string]models.DebateTrace
	list       []models.DebateTrace
	stats      models.TraceStats
	rated      map[string]int
	lastFilter tracestore.ListFilter
}

func newFakeTraces() *fakeTraces {
	return &fakeTraces{byID: map[string]models.DebateTrace{}, rated: map[string]int{}}
}

func (f *fakeTraces) Get(ctx context.Context, id string) (*models.DebateTrace, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "trace not found: "+id)
	}
	return &t, nil
}
func (f *fakeTraces) List(ctx context.Context, filter tracestore.ListFilter) ([]models.DebateTrace, error) {
	f.lastFilter = filter
	return f.list, nil
}
func (f *fakeTraces) Rate(ctx context.Context, id string, rating int) error {
	if _, ok := f.byID[id]; !ok {
		return apperr.New(apperr.NotFound, "trace not found: "+id)
	}
	f.rated[id] = rating
	return nil
}
func (f *fakeTraces) Stats(ctx context.Context, threshold int) (models.TraceStats, error) { return f.stats, nil }

type fakeTemplates struct{ refs []models.TemplateRef }

func (f *fakeTemplates) List() []models.TemplateRef { return f.refs }

func newTestServer() (*Server, *fakeBackend, *fakeTraces) {
	backend := &fakeBackend{healthy: true, models: []models.ModelInfo{{Name: "llama3"}}}
	traces := newFakeTraces()
	srv := NewServer(Config{
		Backend:            backend,
		Traces:             traces,
		Templates:          &fakeTemplates{refs: []models.TemplateRef{{ID: "general-reasoning"}}},
		Broker:             sse.New(nil),
		Admission:          concurrency.New(2, 4),
		Defaults:           models.DebateConfig{MinRounds: 1, MaxRounds: 2, EarlyStopScore: 8, ProposerTemp: 0.5, SkepticTemp: 0.3, SynthesizerTemp: 0.4, RAGTopK: 1, SimilarityFloor: 0.2, PerCallTimeout: time.Second},
		CandidateThreshold: 8,
		Version:            "test",
		BuildDeps:          func() debate.Deps { return debate.Deps{} },
	})
	return srv, backend, traces
}

func TestHandleHealth_ReportsDegradedWhenBackendUnhealthy(t *testing.T) {
	srv, backend, _ := newTestServer()
	backend.healthy = false
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, false, body["backend"])
	assert.EqualValues(t, 1, body["templates"])
}

func TestHandleModels_ReturnsBackendList(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "llama3")
}

func TestHandleModels_BackendErrorMapsToBadGateway(t *testing.T) {
	srv, backend, _ := newTestServer()
	backend.listErr = apperr.New(apperr.Backend, "backend_unreachable")
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleReason_RejectsEmptyQuery(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]any{"query": ""})
	req := httptest.NewRequest(http.MethodPost, "/api/reason", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReason_AcceptsValidQueryAndReturnsTraceID(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]any{"query": "why is the sky blue?"})
	req := httptest.NewRequest(http.MethodPost, "/api/reason", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["traceId"])
}

func TestHandleReason_RejectsBusyWhenAdmissionQueueFull(t *testing.T) {
	srv, _, _ := newTestServer()
	srv.admission = concurrency.New(0, 0)
	router := srv.Router()

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]any{"query": "anything"})
	req := httptest.NewRequest(http.MethodPost, "/api/reason", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestHandleListTraces_DefaultsLimitToTwenty(t *testing.T) {
	srv, _, traces := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/traces", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tracestore.ListFilter{Limit: 20}, traces.lastFilter)
}

func TestHandleListTraces_ForwardsLimitOffsetMinQualitySearchToStore(t *testing.T) {
	srv, _, traces := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/traces?limit=5&offset=10&minQuality=7&search=retry", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tracestore.ListFilter{Limit: 5, Offset: 10, MinQuality: 7, SearchText: "retry"}, traces.lastFilter)
}

func TestHandleGetTrace_UnknownIDReturns404(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/traces/missing", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetTrace_KnownIDReturnsTrace(t *testing.T) {
	srv, _, traces := newTestServer()
	traces.byID["trace-1"] = models.DebateTrace{ID: "trace-1", Query: "q", FinalAnswer: "a"}
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/traces/trace-1", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trace-1")
}

func TestHandleRateTrace_ValidRatingIsForwardedToStore(t *testing.T) {
	srv, _, traces := newTestServer()
	traces.byID["trace-1"] = models.DebateTrace{ID: "trace-1"}
	router := srv.Router()

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]any{"rating": 5})
	req := httptest.NewRequest(http.MethodPost, "/api/traces/trace-1/rate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, traces.rated["trace-1"])
}

func TestHandleRateTrace_UnknownIDReturns404(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]any{"rating": 7})
	req := httptest.NewRequest(http.MethodPost, "/api/traces/missing/rate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleReasonStream_UnregisteredIDReturns404(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/reason/missing/stream", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleReasonStream_RegisteredDebateReplaysThenCloses(t *testing.T) {
	srv, _, _ := newTestServer()
	require.NoError(t, srv.broker.Register("d1"))
	srv.broker.Publish("d1", debate.Event{Type: debate.EventRAGStarted})
	srv.broker.Publish("d1", debate.Event{Type: debate.EventCompleted})
	srv.broker.Complete("d1")

	router := srv.Router()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/reason/d1/stream", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"rag_started"`)
	assert.Contains(t, w.Body.String(), `"type":"completed"`)
}

func TestMetricsEndpoint_ServesPrometheusExposition(t *testing.T) {
	srv, _, _ := newTestServer()
	router := srv.Router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
