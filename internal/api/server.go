package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/config"
	"github.com/ckessler/competitrack/internal/metrics"
	"github.com/ckessler/competitrack/internal/middleware"
	"github.com/ckessler/competitrack/internal/ratelimit"
	"github.com/ckessler/competitrack/internal/scheduler"
	"github.com/ckessler/competitrack/internal/tracker"
)

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	targets   tracker.TargetStore
	changes   tracker.ChangeStore
	limiter   *ratelimit.Limiter
	clock     tracker.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	sched *scheduler.Scheduler,
	targets tracker.TargetStore,
	changes tracker.ChangeStore,
	limiter *ratelimit.Limiter,
	clock tracker.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		targets:   targets,
		changes:   changes,
		limiter:   limiter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(cfg.ServerTimeout()))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/targets/{target_id}", func(r chi.Router) {
			r.Post("/scrape", s.triggerScrape)
			r.Get("/changes", s.listChanges)
		})
		r.Post("/scan", s.triggerScan)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/schedule", s.scheduleAll)
			r.Get("/", s.listJobs)
			r.Get("/{job_id}", s.getJobStatus)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The broker is the only dependency that can be down while the process
	// still serves traffic.
	if _, err := s.scheduler.ListJobs(r.Context()); errors.Is(err, tracker.ErrBrokerUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "job broker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// triggerScrape queues a one-off capture for a target. Triggers are scraped
// work, so they consume the scrape budget rather than the API one.
func (s *Server) triggerScrape(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "scrape", ratelimit.ScrapeLimit) {
		return
	}
	targetID := chi.URLParam(r, "target_id")
	job, err := s.scheduler.EnqueueOnce(r.Context(), targetID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":    job.ID,
		"target_id": job.TargetID,
	})
}

// triggerScan queues a one-off capture for every active target. Partial
// failure is reported, never hidden.
func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, "scan", ratelimit.ScrapeLimit) {
		return
	}
	targets, err := s.targets.ListActiveTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}

	outcomes := make([]scanOutcome, 0, len(targets))
	queued := 0
	for _, target := range targets {
		outcome := scanOutcome{TargetID: target.ID}
		job, err := s.scheduler.EnqueueOnce(r.Context(), target.ID)
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.JobID = job.ID
			queued++
		}
		outcomes = append(outcomes, outcome)
	}

	status := http.StatusAccepted
	if queued == 0 && len(targets) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"queued":   queued,
		"total":    len(targets),
		"outcomes": outcomes,
	})
}

func (s *Server) scheduleAll(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.scheduler.ScheduleAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	scheduled := 0
	results := make([]scanOutcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		result := scanOutcome{TargetID: outcome.TargetID, JobID: outcome.JobID}
		if outcome.Err != nil {
			result.Error = outcome.Reason
		} else {
			scheduled++
		}
		results = append(results, result)
	}
	status := http.StatusOK
	if scheduled == 0 && len(outcomes) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"scheduled": scheduled,
		"total":     len(outcomes),
		"outcomes":  results,
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.scheduler.JobStatus(r.Context(), jobID)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var states []tracker.JobState
	if state := r.URL.Query().Get("state"); state != "" {
		switch tracker.JobState(state) {
		case tracker.JobWaiting, tracker.JobActive, tracker.JobCompleted, tracker.JobFailed:
			states = append(states, tracker.JobState(state))
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job state %q", state))
			return
		}
	}
	jobs, err := s.scheduler.ListJobs(r.Context(), states...)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	if jobs == nil {
		jobs = []tracker.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type scanOutcome struct {
	TargetID string `json:"target_id"`
	JobID    string `json:"job_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// allow runs the request through the shared limiter; on denial it writes the
// 429 with a Retry-After hint and reports false.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, action string, preset ratelimit.Preset) bool {
	if s.limiter == nil {
		return true
	}
	key := ratelimit.Key(action, clientKey(r))
	result := s.limiter.Check(r.Context(), key, preset.Max, preset.Window)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if result.Allowed {
		return true
	}
	retryAfter := result.RetryAfter(s.clock.Now())
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// clientKey identifies the caller for rate limiting. Without authentication
// the client IP is the best stable identity available.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, "target not found")
	case errors.Is(err, tracker.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, tracker.ErrBrokerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "job broker unavailable")
	case tracker.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
