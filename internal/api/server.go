package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"job-processing-core/internal/deadletter"
	"job-processing-core/internal/engine"
	"job-processing-core/internal/errs"
	"job-processing-core/internal/jobs"
	"job-processing-core/internal/models"
	"job-processing-core/internal/ratelimit"
	"job-processing-core/internal/telemetry"
)

// Server wires HTTP handlers for submission, status queries and dead-letter management.
type Server struct {
	engine  *engine.Engine
	limiter ratelimit.Limiter
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(e *engine.Engine, limiter ratelimit.Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: e, limiter: limiter, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/topics", s.handleTopics)
	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/progress/{traceId}", s.handleProgress)

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.handleListDeadLetters)
		r.Get("/counts", s.handleDeadLetterCounts)
		r.Get("/{id}", s.handleGetDeadLetter)
		r.Post("/retry/{id}", s.handleRetry)
		r.Post("/discard/{id}", s.handleDiscard)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type topicView struct {
	Topic       string   `json:"topic"`
	Concurrency int      `json:"concurrency,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Emits       []string `json:"emits,omitempty"`
	Flows       []string `json:"flows,omitempty"`
}

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	routes := s.engine.Routes()
	out := make([]topicView, 0, len(routes))
	for _, rt := range routes {
		v := topicView{Topic: rt.Topic, Concurrency: rt.Concurrency, MaxAttempts: rt.MaxAttempts, Emits: rt.Emits, Flows: rt.Flows}
		if rt.Timeout > 0 {
			v.Timeout = rt.Timeout.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

type submitRequest struct {
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	TraceID      string          `json:"trace_id"`
	MaxAttempts  int             `json:"max_attempts"`
	DelaySeconds int             `json:"delay_seconds"`
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if req.MaxAttempts < 0 || req.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "max_attempts and delay_seconds must not be negative")
		return
	}

	if s.limiter != nil {
		key := fmt.Sprintf("%s:%s", tenantFromRequest(r), req.Topic)
		res, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !res.Allowed {
			telemetry.RateLimitRejects.WithLabelValues(req.Topic).Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	id, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		Topic:       req.Topic,
		Payload:     req.Payload,
		TraceID:     req.TraceID,
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, errs.ErrPoolStopped) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.engine.GetJob(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, TraceID: job.TraceID, Status: string(job.Status)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := jobs.Filter{
		Topic:  r.URL.Query().Get("topic"),
		Status: models.JobStatus(r.URL.Query().Get("status")),
	}
	list, err := s.engine.ListJobs(r.Context(), f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "total_count": len(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	rec, ok, err := s.engine.GetProgress(r.Context(), traceID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no progress for trace %s", traceID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	f := deadletter.Filter{
		Status: models.DeadLetterStatus(r.URL.Query().Get("status")),
		Topic:  r.URL.Query().Get("topic"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", f.Status))
		return
	}
	listing, err := s.engine.DeadLetters().List(r.Context(), f)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleDeadLetterCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.DeadLetters().Counts(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"by_topic": counts})
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.DeadLetters().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type retryResponse struct {
	EntryID       string                  `json:"entry_id"`
	RecoveryJobID string                  `json:"recovery_job_id"`
	Status        models.DeadLetterStatus `json:"status"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.engine.DeadLetters().Retry(r.Context(), id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, retryResponse{EntryID: rec.EntryID, RecoveryJobID: rec.JobID, Status: models.DeadLetterRetrying})
		return
	}
	entry, err := rec.Wait(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.DeadLetters().Discard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	var invalid *errs.InvalidProgressError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrNotRetryable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrPoolStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
