// Package httpapi adapts the reasoning service to HTTP: request
// validation and response shaping only, no debate logic. Handlers
// register with the SSE broker, admit the debate through the
// concurrency gate, and hand off to the orchestrator on its own
// goroutine; the request that starts a debate never waits for it to run.
// Admission does wait: when every running slot is taken, the request
// holds a queue slot until a running slot frees up or the client goes
// away, and only a full queue is rejected at once with apperr.Busy.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/concurrency"
	"github.com/vulcanhelix/reasonarena/internal/debate"
	"github.com/vulcanhelix/reasonarena/internal/models"
	"github.com/vulcanhelix/reasonarena/internal/sse"
	"github.com/vulcanhelix/reasonarena/internal/tracestore"
)

// ModelLister is the subset of the inference client the health and
// models routes need.
type ModelLister interface {
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
	HealthCheck(ctx context.Context) error
}

// TraceReader is the subset of the trace store the read-only trace
// routes need.
type TraceReader interface {
	Get(ctx context.Context, id string) (*models.DebateTrace, error)
	List(ctx context.Context, filter tracestore.ListFilter) ([]models.DebateTrace, error)
	Rate(ctx context.Context, id string, rating int) error
	Stats(ctx context.Context, candidateThreshold int) (models.TraceStats, error)
}

// TemplateCounter is the subset of the template store the health route
// needs.
type TemplateCounter interface {
	List() []models.TemplateRef
}

// Server holds everything a request handler needs to do its job.
type Server struct {
	backend     ModelLister
	traces      TraceReader
	templates   TemplateCounter
	broker      *sse.Broker
	admission   *concurrency.Admission
	defaults    models.DebateConfig
	candidates  int
	version     string
	logger      *logrus.Logger
	newDebateID func() string
	buildDeps   func() debate.Deps
	rootCtx     context.Context
	debates     sync.WaitGroup
}

// Config supplies Server's dependencies. BuildDeps is called once per
// /api/reason request to obtain the Deps the orchestrator runs with.
// RootCtx is the parent context debate goroutines run on; cancelling it
// (e.g. on shutdown) cancels every in-flight debate. Defaults to
// context.Background() if nil.
type Config struct {
	Backend            ModelLister
	Traces             TraceReader
	Templates          TemplateCounter
	Broker             *sse.Broker
	Admission          *concurrency.Admission
	Defaults           models.DebateConfig
	CandidateThreshold int
	Version            string
	Logger             *logrus.Logger
	BuildDeps          func() debate.Deps
	RootCtx            context.Context
}

// NewServer builds a Server from cfg.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rootCtx := cfg.RootCtx
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Server{
		backend:     cfg.Backend,
		traces:      cfg.Traces,
		templates:   cfg.Templates,
		broker:      cfg.Broker,
		admission:   cfg.Admission,
		defaults:    cfg.Defaults,
		candidates:  cfg.CandidateThreshold,
		version:     cfg.Version,
		logger:      logger,
		newDebateID: func() string { return uuid.New().String() },
		buildDeps:   cfg.BuildDeps,
		rootCtx:     rootCtx,
	}
}

// Wait blocks until every debate goroutine spawned by handleReason has
// returned. Callers cancel Config.RootCtx first so in-flight debates
// unwind promptly instead of running to natural completion.
func (s *Server) Wait() {
	s.debates.Wait()
}

// Router builds the gin engine with every route wired.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.Use(corsMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/models", s.handleModels)
		api.POST("/reason", s.handleReason)
		api.GET("/reason/:id/stream", s.handleReasonStream)
		api.GET("/traces", s.handleListTraces)
		api.GET("/traces/:id", s.handleGetTrace)
		api.POST("/traces/:id/rate", s.handleRateTrace)
	}
	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"ms":     time.Since(start).Milliseconds(),
		}).Info("http request")
	}
}

// writeError translates a classified error into the HTTP status the
// error-handling taxonomy assigns its Kind.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	body := gin.H{"error": gin.H{"kind": kind.String(), "message": err.Error()}}
	if kind == apperr.Busy {
		c.Header("Retry-After", "5")
	}
	c.JSON(status, body)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Duplicate:
		return http.StatusConflict
	case apperr.Busy:
		return http.StatusServiceUnavailable
	case apperr.Backend:
		return http.StatusBadGateway
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	backendOK := s.backend.HealthCheck(c.Request.Context()) == nil
	status := "ok"
	if !backendOK {
		status = "degraded"
	}

	templateCount := 0
	if s.templates != nil {
		templateCount = len(s.templates.List())
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"backend":   backendOK,
		"version":   s.version,
		"templates": templateCount,
	})
}

func (s *Server) handleModels(c *gin.Context) {
	list, err := s.backend.ListModels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

type reasonRequest struct {
	Query  string               `json:"query"`
	Config *models.DebateConfig `json:"config,omitempty"`
}

func (s *Server) handleReason(c *gin.Context) {
	// Decoding into a copy of the defaults keeps every config field the
	// request omits at its configured default.
	defaults := s.defaults
	req := reasonRequest{Config: &defaults}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.Query == "" {
		writeError(c, apperr.New(apperr.Validation, "query must not be empty"))
		return
	}

	cfg := s.defaults
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		writeError(c, apperr.Wrap(apperr.Validation, "invalid debate config", err))
		return
	}

	ticket, err := s.admission.Acquire(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	traceID := s.newDebateID()
	deps := s.buildDeps()
	s.debates.Add(1)
	go func() {
		defer s.debates.Done()
		defer ticket.Release()
		s.broker.Drive(s.rootCtx, traceID, req.Query, cfg, deps)
	}()

	c.JSON(http.StatusOK, gin.H{"traceId": traceID, "config": cfg})
}

func (s *Server) handleReasonStream(c *gin.Context) {
	id := c.Param("id")
	events, err := s.broker.Subscribe(id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)

	defer s.broker.Unsubscribe(id)
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", mustMarshal(ev))
			if ok {
				flusher.Flush()
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) handleListTraces(c *gin.Context) {
	filter := tracestore.ListFilter{Limit: 20}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			filter.Offset = parsed
		}
	}
	if v := c.Query("minQuality"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			filter.MinQuality = parsed
		}
	}
	filter.SearchText = c.Query("search")

	traces, err := s.traces.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	stats, err := s.traces.Stats(c.Request.Context(), s.candidates)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"traces": traces, "stats": stats})
}

func (s *Server) handleGetTrace(c *gin.Context) {
	trace, err := s.traces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

type rateRequest struct {
	Rating int `json:"rating"`
}

func (s *Server) handleRateTrace(c *gin.Context) {
	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if err := s.traces.Rate(c.Request.Context(), c.Param("id"), req.Rating); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rated"})
}

func mustMarshal(ev debate.Event) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		return []byte(`{"type":"failed","kind":"internal","message":"encode event"}`)
	}
	return b
}
