// Package api exposes the alert store and the pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/sink"
	"github.com/sgerhart/siemflux/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 16 << 20
	readyTimeout     = 5 * time.Second
)

// LogProcessor is the slice of *pipeline.Pipeline the API drives
type LogProcessor interface {
	ProcessLogs(ctx context.Context, raws []model.RawLogEntry) ([]model.Alert, error)
	GetStats() map[string]interface{}
}

// ReadyCheck reports whether one dependency can serve traffic
type ReadyCheck func(ctx context.Context) error

// Options configure optional parts of the server
type Options struct {
	CORSOrigins []string
	// Metrics is mounted at /metrics when set
	Metrics http.Handler
	// Publisher receives alerts produced by POST /api/v1/logs
	Publisher sink.Sink
	// ReadyChecks are evaluated by /readyz, keyed by dependency name
	ReadyChecks map[string]ReadyCheck
}

// Server serves the REST API
type Server struct {
	store     store.AlertStore
	processor LogProcessor
	opts      Options
	validator *SchemaValidator
	logger    *slog.Logger
	started   time.Time
}

// NewServer creates the API server
func NewServer(alerts store.AlertStore, processor LogProcessor, opts Options, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := NewSubmitLogsValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		store:     alerts,
		processor: processor,
		opts:      opts,
		validator: validator,
		logger:    logger,
		started:   time.Now(),
	}, nil
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/alerts/{id}", s.handleGetAlert)
		r.Patch("/alerts/{id}", s.handleUpdateStatus)
		r.Put("/alerts/{id}/status", s.handleUpdateStatus)
		r.Get("/stats", s.handleStats)
		r.Post("/logs", s.handleSubmitLogs)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string, len(s.opts.ReadyChecks))
	ready := true
	for name, check := range s.opts.ReadyChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		MinSeverity: strings.ToLower(q.Get("min_severity")),
		Status:      strings.ToLower(q.Get("status")),
		Limit:       defaultListLimit,
	}
	if filter.MinSeverity != "" {
		if _, ok := model.SeverityLevels[filter.MinSeverity]; !ok {
			writeError(w, http.StatusBadRequest, "unknown min_severity: "+filter.MinSeverity)
			return
		}
	}
	if filter.Status != "" && !model.IsValidStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "unknown status: "+filter.Status)
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	alerts, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("Failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var update store.StatusUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	update.Status = strings.ToLower(strings.TrimSpace(update.Status))

	alert, err := s.store.UpdateStatus(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.logger.Info("Alert status updated", "alert_id", alert.ID, "status", alert.Status)
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"pipeline": s.processor.GetStats(),
	}
	if st, ok := s.store.(interface{ GetStats() map[string]interface{} }); ok {
		resp["store"] = st.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitLogsRequest struct {
	Logs []model.RawLogEntry `json:"logs"`
}

func (s *Server) handleSubmitLogs(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if err := s.validator.Validate(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req submitLogsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	now := time.Now().UTC()
	for i := range req.Logs {
		if req.Logs[i].ID == "" {
			req.Logs[i].ID = uuid.NewString()
		}
		if req.Logs[i].Source == "" {
			req.Logs[i].Source = model.SourceDataset
		}
		if req.Logs[i].Timestamp.IsZero() {
			req.Logs[i].Timestamp = now
		}
	}

	alerts, err := s.processor.ProcessLogs(r.Context(), req.Logs)
	if err != nil {
		s.logger.Warn("Log submission interrupted", "logs", len(req.Logs), "alerts", len(alerts), "error", err)
		writeError(w, http.StatusServiceUnavailable, "processing interrupted: "+err.Error())
		return
	}
	if s.opts.Publisher != nil && len(alerts) > 0 {
		if err := s.opts.Publisher.Publish(r.Context(), alerts); err != nil {
			s.logger.Error("Failed to publish submitted alerts", "alerts", len(alerts), "error", err)
		}
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed": len(req.Logs),
		"alerts":    alerts,
		"count":     len(alerts),
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, store.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Alert store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
