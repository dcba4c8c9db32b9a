// Package api exposes the audit engine over HTTP: submit a collected
// dataset, execute a run, and fetch stored results.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/trinhvq/breachscope/internal/audit/pipeline"
	"github.com/trinhvq/breachscope/internal/observability"
	"github.com/trinhvq/breachscope/internal/store"
)

// Server wires the audit runner, run store and telemetry behind the HTTP
// API.
type Server struct {
	runner    *pipeline.Runner
	store     store.Store
	telemetry *observability.Telemetry
	logger    *zap.Logger
	version   string
}

// NewServer creates a new API server.
func NewServer(runner *pipeline.Runner, st store.Store, telemetry *observability.Telemetry, version string) *Server {
	return &Server{
		runner:    runner,
		store:     st,
		telemetry: telemetry,
		logger:    telemetry.Logger(),
		version:   version,
	}
}

// Router builds the chi router with the standard middleware chain.
func (s *Server) Router(limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if limiter != nil {
		r.Use(limiter.Middleware())
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.telemetry.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/audit", s.handleAudit)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
			r.Get("/{id}/identities", s.handleGetIdentities)
			r.Get("/{id}/patterns", s.handleGetPatterns)
			r.Get("/{id}/indicators", s.handleGetIndicators)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleAudit accepts a collected dataset, executes a full audit run over
// it, stores the result and returns it.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var ds pipeline.Dataset
	if err := json.NewDecoder(r.Body).Decode(&ds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := s.telemetry.StartSpan(r.Context(), "audit.run")
	defer span.End()

	start := time.Now()
	result, err := s.runner.Run(ctx, ds)
	if errors.Is(err, pipeline.ErrNoInput) {
		s.countRun("no_input")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		s.countRun("error")
		s.telemetry.RecordError(ctx, err)
		writeError(w, http.StatusInternalServerError, "audit run failed")
		return
	}
	s.countRun("ok")
	s.observeRun(result, time.Since(start))

	if err := s.store.SaveRun(ctx, result); err != nil {
		// The completed result is still returned to the caller.
		s.logger.Warn("failed to persist run", zap.String("run_id", result.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	result, ok := s.fetchRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetIdentities(w http.ResponseWriter, r *http.Request) {
	result, ok := s.fetchRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     result.ID,
		"identities": result.Identities,
		"count":      len(result.Identities),
	})
}

func (s *Server) handleGetPatterns(w http.ResponseWriter, r *http.Request) {
	result, ok := s.fetchRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   result.ID,
		"patterns": result.Patterns,
		"count":    len(result.Patterns),
	})
}

func (s *Server) handleGetIndicators(w http.ResponseWriter, r *http.Request) {
	result, ok := s.fetchRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     result.ID,
		"indicators": result.Indicators,
		"count":      len(result.Indicators),
	})
}

func (s *Server) fetchRun(w http.ResponseWriter, r *http.Request) (*pipeline.RunResult, bool) {
	id := chi.URLParam(r, "id")
	result, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to fetch run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return nil, false
	}
	return result, true
}

func (s *Server) countRun(status string) {
	if m := s.telemetry.Metrics(); m != nil {
		m.RunsTotal.WithLabelValues(status).Inc()
	}
}

func (s *Server) observeRun(result *pipeline.RunResult, elapsed time.Duration) {
	m := s.telemetry.Metrics()
	if m == nil {
		return
	}
	m.RunDuration.Observe(elapsed.Seconds())
	for _, p := range result.Patterns {
		m.PatternsDetected.WithLabelValues(string(p.PatternType), string(p.RiskLevel)).Inc()
	}
	for _, ind := range result.Indicators {
		m.IndicatorsEmitted.WithLabelValues(string(ind.IndicatorType)).Inc()
	}
	for _, id := range result.Identities {
		m.IdentitiesScored.WithLabelValues(string(id.RiskTier)).Inc()
	}
	for source, stats := range map[string]struct{ Normalized, Dropped int }{
		"sign_ins":         {result.Summary.Sources.SignIns.Normalized, result.Summary.Sources.SignIns.Dropped},
		"admin_audits":     {result.Summary.Sources.AdminAudits.Normalized, result.Summary.Sources.AdminAudits.Dropped},
		"mail_traces":      {result.Summary.Sources.MailTraces.Normalized, result.Summary.Sources.MailTraces.Dropped},
		"password_changes": {result.Summary.Sources.PasswordChanges.Normalized, result.Summary.Sources.PasswordChanges.Dropped},
		"sign_in_risk":     {result.Summary.Sources.SignInRisk.Normalized, result.Summary.Sources.SignInRisk.Dropped},
	} {
		m.RecordsNormalized.WithLabelValues(source).Add(float64(stats.Normalized))
		m.RecordsDropped.WithLabelValues(source).Add(float64(stats.Dropped))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
