package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/liamcoop/socialrules/enginemanager"
	"github.com/liamcoop/socialrules/internal/metrics"
	"github.com/liamcoop/socialrules/rules"
)

var errJSONBodyTooLarge = errors.New("request body too large")

type pinger interface {
	PingContext(ctx context.Context) error
}

// ServerDeps are the collaborators of the HTTP server
type ServerDeps struct {
	DB              pinger
	Store           rules.RuleStore
	Manager         *enginemanager.Manager
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	MaxJSONBodySize int64
	RequestTimeout  time.Duration
}

type Server struct {
	db          pinger
	store       rules.RuleStore
	manager     *enginemanager.Manager
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxBodySize int64
	timeout     time.Duration
	router      *chi.Mux
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		db:          deps.DB,
		store:       deps.Store,
		manager:     deps.Manager,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		maxBodySize: deps.MaxJSONBodySize,
		timeout:     deps.RequestTimeout,
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.maxBodySize <= 0 {
		s.maxBodySize = 1 << 20
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Event dispatch
	r.Post("/api/v1/events/{event}", s.handleFire)

	// Engine state
	r.Get("/api/v1/engine", s.handleEngineStats)
	r.Post("/api/v1/engine/reload", s.handleReload)

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/{ruleId}", s.handleGetRule)
		r.Put("/{ruleId}", s.handleUpdateRule)
		r.Delete("/{ruleId}", s.handleDeleteRule)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request with the chi request id
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
	}

	stats, ok := s.manager.Stats()
	if !ok {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: enginemanager.ErrNotLoaded.Error()})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Engine: &stats})
}

// Event dispatch handler
func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	event := strings.TrimSpace(chi.URLParam(r, "event"))
	if event == "" {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}

	var req FireRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	start := time.Now()
	outcomes, err := s.manager.Fire(r.Context(), event, req.Context)
	switch {
	case errors.Is(err, enginemanager.ErrNotLoaded):
		respondError(w, http.StatusServiceUnavailable, "rule engine not loaded", err)
		return
	case err != nil && outcomes == nil:
		respondError(w, http.StatusBadRequest, "invalid initial context", err)
		return
	}

	resp := FireResponse{
		Event:          event,
		Outcomes:       outcomes,
		EvaluationTime: time.Since(start).String(),
	}
	if err != nil {
		// every rule was still evaluated, so the outcomes go back with the error
		s.logger.Error("fatal engine error", "event", event, "error", err)
		resp.Error = err.Error()
		respondJSON(w, http.StatusInternalServerError, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEngineStats(w http.ResponseWriter, _ *http.Request) {
	stats, ok := s.manager.Stats()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "rule engine not loaded", nil)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleReload rereads the rules file and store, for edits made outside the API
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reload(r.Context())
	if err != nil {
		respondAuthoringError(w, "failed to reload rules", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(stored))}
	for _, sr := range stored {
		resp.Rules = append(resp.Rules, ruleResponse(sr))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	spec := req.RuleSpec
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if strings.TrimSpace(spec.Event) == "" {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}

	if _, err := s.store.Get(r.Context(), spec.ID); err == nil {
		respondError(w, http.StatusConflict, "rule already exists", nil)
		return
	} else if !errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}

	// Compile against the current sources before anything is stored
	if err := s.manager.Check(r.Context(), spec, ""); err != nil {
		respondAuthoringError(w, "invalid rule", err)
		return
	}

	stored, err := rules.NewStoredRule(spec)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	stored.Active = req.active(true)

	if err := s.store.Add(r.Context(), stored); err != nil {
		if errors.Is(err, rules.ErrRuleExists) {
			respondError(w, http.StatusConflict, "rule already exists", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to add rule", err)
		return
	}

	if _, err := s.reload(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "rule stored but engine reload failed", err)
		return
	}

	respondJSON(w, http.StatusCreated, ruleResponse(stored))
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	stored, err := s.store.Get(r.Context(), ruleID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ruleResponse(stored))
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	spec := req.RuleSpec
	if spec.ID != "" && spec.ID != ruleID {
		respondError(w, http.StatusBadRequest, "rule id cannot be changed", nil)
		return
	}
	spec.ID = ruleID
	if strings.TrimSpace(spec.Event) == "" {
		respondError(w, http.StatusBadRequest, "event is required", nil)
		return
	}

	existing, err := s.store.Get(r.Context(), ruleID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if err := s.manager.Check(r.Context(), spec, ruleID); err != nil {
		respondAuthoringError(w, "invalid rule", err)
		return
	}

	stored, err := rules.NewStoredRule(spec)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return
	}
	stored.Active = req.active(existing.Active)

	if err := s.store.Update(r.Context(), stored); err != nil {
		respondStoreError(w, err)
		return
	}

	if _, err := s.reload(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "rule stored but engine reload failed", err)
		return
	}

	respondJSON(w, http.StatusOK, ruleResponse(stored))
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.store.Delete(r.Context(), ruleID); err != nil {
		respondStoreError(w, err)
		return
	}

	if _, err := s.reload(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "rule deleted but engine reload failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reload(ctx context.Context) (enginemanager.Stats, error) {
	stats, err := s.manager.Reload(ctx)
	s.metrics.RecordReload(stats.Rules, err)
	if err != nil {
		s.logger.Error("engine reload failed", "error", err)
	}
	return stats, err
}

// Helper functions
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}

func respondDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return
	}
	respondError(w, http.StatusBadRequest, "invalid request body", err)
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondError(w, http.StatusInternalServerError, "rule store failure", err)
}

// respondAuthoringError maps rule mistakes to 422 and everything else to 500
func respondAuthoringError(w http.ResponseWriter, message string, err error) {
	if rules.IsAuthoringError(err) {
		respondError(w, http.StatusUnprocessableEntity, message, err)
		return
	}
	respondError(w, http.StatusInternalServerError, message, err)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
